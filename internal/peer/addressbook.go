package peer

import (
	"sync"

	"github.com/thanhnp/chain-node/internal/metrics"
)

// Penalty scores. A peer whose accumulated score reaches the book's
// threshold is banned for the lifetime of the process.
const (
	PenaltyInvalid      = 100
	PenaltyMalformed    = 25
	PenaltyUnresponsive = 10
)

// AddressBook tracks misbehavior per remote IP.
type AddressBook struct {
	mu        sync.Mutex
	scores    map[string]int
	threshold int
}

// NewAddressBook bans addresses once their score reaches threshold.
func NewAddressBook(threshold int) *AddressBook {
	return &AddressBook{scores: make(map[string]int), threshold: threshold}
}

// Penalize adds score to addr and reports whether addr is now banned.
// addr may carry a port; only the host part is tracked.
func (b *AddressBook) Penalize(addr string, score int, reason string) bool {
	host := hostOf(addr)
	metrics.PeerPenalties.WithLabelValues(reason).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.scores[host] += score
	return b.scores[host] >= b.threshold
}

// Score returns the accumulated penalty for addr.
func (b *AddressBook) Score(addr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scores[hostOf(addr)]
}

// IsBanned reports whether addr has reached the threshold.
func (b *AddressBook) IsBanned(addr string) bool {
	return b.Score(addr) >= b.threshold
}
