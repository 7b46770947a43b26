package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Rule violations. Wrapped by ValidationError.
var (
	ErrPrevHashMismatch  = errors.New("previous hash does not link to chain")
	ErrBadTarget         = errors.New("difficulty target out of range")
	ErrHighHash          = errors.New("proof of work above target")
	ErrTimestampTooOld   = errors.New("timestamp not after median time past")
	ErrTimestampTooNew   = errors.New("timestamp too far in the future")
	ErrBlockHashMismatch = errors.New("block hash does not match header")
	ErrMerkleMismatch    = errors.New("merkle root mismatch")
	ErrDuplicateTx       = errors.New("block repeats a transaction")
	ErrNoTransactions    = errors.New("block has no transactions")
	ErrEmptyTx           = errors.New("transaction has no inputs or outputs")
	ErrBadTxValue        = errors.New("transaction output value out of range")
)

// ValidationError reports rejected chain, block or transaction data.
type ValidationError struct {
	Height int32
	Hash   chainhash.Hash
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Height < 0 {
		return fmt.Sprintf("invalid %s: %v", e.Hash, e.Err)
	}
	return fmt.Sprintf("invalid data at height %d (%s): %v", e.Height, e.Hash, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
