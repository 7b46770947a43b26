package wire

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a FormatError.
type ErrorKind int

const (
	// Truncated means fewer bytes were available than the frame or a field declared.
	Truncated ErrorKind = iota + 1
	// ChecksumMismatch means the payload does not hash to the header checksum.
	ChecksumMismatch
	// UnknownCommand means the frame is well formed but its command is not handled.
	UnknownCommand
	// BadMagic means the frame belongs to another network.
	BadMagic
	// Oversized means a declared length or count exceeds protocol bounds.
	Oversized
	// Malformed covers structurally invalid content such as trailing bytes
	// or non-canonical varints.
	Malformed
)

func (k ErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case ChecksumMismatch:
		return "checksum mismatch"
	case UnknownCommand:
		return "unknown command"
	case BadMagic:
		return "bad magic"
	case Oversized:
		return "oversized"
	case Malformed:
		return "malformed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FormatError reports bytes that could not be turned into a Message.
type FormatError struct {
	Kind    ErrorKind
	Command string
	Err     error
}

func (e *FormatError) Error() string {
	msg := "wire: " + e.Kind.String()
	if e.Command != "" {
		msg += " (" + e.Command + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

// IsKind reports whether err is a FormatError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *FormatError
	return errors.As(err, &fe) && fe.Kind == kind
}

func formatErr(kind ErrorKind, cmd string, format string, args ...interface{}) *FormatError {
	return &FormatError{Kind: kind, Command: cmd, Err: fmt.Errorf(format, args...)}
}

// errShort is raised by payloadReader and mapped to Truncated.
var errShort = errors.New("unexpected end of payload")
