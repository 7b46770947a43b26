package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/txscript"

	"github.com/thanhnp/chain-node/internal/params"
)

// ErrInvalidAddress is returned for addresses that are not pay-to-pubkey-hash
// addresses of the configured network.
var ErrInvalidAddress = errors.New("invalid address")

type pubKeyHash [20]byte

// decodeAddress returns the hash160 behind a base58check P2PKH address.
func decodeAddress(addr string, p *params.Params) (pubKeyHash, error) {
	var pkh pubKeyHash
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return pkh, fmt.Errorf("%w %q: %v", ErrInvalidAddress, addr, err)
	}
	if version != p.PubKeyHashID {
		return pkh, fmt.Errorf("%w %q: version 0x%02x is not %s pay-to-pubkey-hash", ErrInvalidAddress, addr, version, p.Name)
	}
	if len(payload) != len(pkh) {
		return pkh, fmt.Errorf("%w %q: payload of %d bytes", ErrInvalidAddress, addr, len(payload))
	}
	copy(pkh[:], payload)
	return pkh, nil
}

// scriptHash extracts the hash160 from a P2PKH output script.
func scriptHash(pkScript []byte) (pubKeyHash, bool) {
	var pkh pubKeyHash
	if !txscript.IsPayToPubKeyHash(pkScript) {
		return pkh, false
	}
	copy(pkh[:], pkScript[3:23])
	return pkh, true
}
