package peer

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned once the remote side has gone away.
	ErrClosed = errors.New("connection closed")
	// ErrTimeout means a read, write or handshake outlived its deadline.
	ErrTimeout = errors.New("timed out")
	// ErrProtocolViolation means the peer sent something out of order.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrMissingServices means the peer does not offer what we require.
	ErrMissingServices = errors.New("peer lacks required services")
	// ErrUnreachable means every connection attempt failed.
	ErrUnreachable = errors.New("no reachable peer")
)

// ConnectionError is a transport or handshake failure for one peer.
type ConnectionError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("peer %s: %s: %v", e.Addr, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err carries a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
