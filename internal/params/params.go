package params

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	ltcchaincfg "github.com/ltcsuite/ltcd/chaincfg"
	"golang.org/x/crypto/scrypt"

	"github.com/thanhnp/chain-node/internal/wire"
)

// PowHashFunc computes the hash compared against the difficulty target.
// It differs from the block id on scrypt chains.
type PowHashFunc func(h *wire.BlockHeader) chainhash.Hash

// Params describes one network.
type Params struct {
	Name          string
	Magic         uint32
	DefaultPort   string
	Genesis       wire.BlockHeader
	GenesisHash   chainhash.Hash
	PowLimit      *big.Int
	PowLimitBits  uint32
	PubKeyHashID  byte
	PowHash       PowHashFunc
	DNSSeeds      []string
	TargetSpacing int64
}

var registry = map[string]*Params{}

func register(p *Params) *Params {
	registry[p.Name] = p
	return p
}

// Bitcoin networks.
var (
	MainNet = register(fromBtcd("mainnet", &chaincfg.MainNetParams))
	TestNet = register(fromBtcd("testnet3", &chaincfg.TestNet3Params))
	RegTest = register(fromBtcd("regtest", &chaincfg.RegressionNetParams))
)

// Litecoin networks.
var (
	LitecoinMainNet = register(fromLtcd("litecoin", &ltcchaincfg.MainNetParams))
	LitecoinTestNet = register(fromLtcd("litecoin-testnet4", &ltcchaincfg.TestNet4Params))
)

// ErrUnknownNetwork is returned by Lookup for unregistered names.
var ErrUnknownNetwork = errors.New("unknown network")

// Lookup returns the parameters for a network name.
func Lookup(name string) (*Params, error) {
	p, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownNetwork, name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// Names lists the registered networks.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func fromBtcd(name string, p *chaincfg.Params) *Params {
	hdr := p.GenesisBlock.Header
	genesis := wire.BlockHeader{
		Version:    hdr.Version,
		PrevBlock:  hdr.PrevBlock,
		MerkleRoot: hdr.MerkleRoot,
		Timestamp:  uint32(hdr.Timestamp.Unix()),
		Bits:       hdr.Bits,
		Nonce:      hdr.Nonce,
	}
	seeds := make([]string, 0, len(p.DNSSeeds))
	for _, s := range p.DNSSeeds {
		seeds = append(seeds, s.Host)
	}
	return &Params{
		Name:          name,
		Magic:         uint32(p.Net),
		DefaultPort:   p.DefaultPort,
		Genesis:       genesis,
		GenesisHash:   *p.GenesisHash,
		PowLimit:      p.PowLimit,
		PowLimitBits:  p.PowLimitBits,
		PubKeyHashID:  p.PubKeyHashAddrID,
		PowHash:       sha256dHash,
		DNSSeeds:      seeds,
		TargetSpacing: int64(p.TargetTimePerBlock.Seconds()),
	}
}

func fromLtcd(name string, p *ltcchaincfg.Params) *Params {
	hdr := p.GenesisBlock.Header
	genesis := wire.BlockHeader{
		Version:    hdr.Version,
		PrevBlock:  chainhash.Hash(hdr.PrevBlock),
		MerkleRoot: chainhash.Hash(hdr.MerkleRoot),
		Timestamp:  uint32(hdr.Timestamp.Unix()),
		Bits:       hdr.Bits,
		Nonce:      hdr.Nonce,
	}
	seeds := make([]string, 0, len(p.DNSSeeds))
	for _, s := range p.DNSSeeds {
		seeds = append(seeds, s.Host)
	}
	return &Params{
		Name:          name,
		Magic:         uint32(p.Net),
		DefaultPort:   p.DefaultPort,
		Genesis:       genesis,
		GenesisHash:   chainhash.Hash(*p.GenesisHash),
		PowLimit:      p.PowLimit,
		PowLimitBits:  p.PowLimitBits,
		PubKeyHashID:  p.PubKeyHashAddrID,
		PowHash:       scryptHash,
		DNSSeeds:      seeds,
		TargetSpacing: int64(p.TargetTimePerBlock.Seconds()),
	}
}

func sha256dHash(h *wire.BlockHeader) chainhash.Hash {
	return h.BlockHash()
}

func scryptHash(h *wire.BlockHeader) chainhash.Hash {
	b := h.Serialize()
	out, err := scrypt.Key(b, b, 1024, 1, 1, chainhash.HashSize)
	if err != nil {
		// parameters are constant and valid
		panic(err)
	}
	var hash chainhash.Hash
	copy(hash[:], out)
	return hash
}
