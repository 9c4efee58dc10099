package ledger

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// maxIDAttempts bounds regeneration of identifiers that collide on insert.
const maxIDAttempts = 5

// idGenerator produces public identifiers for loans and transactions.
type idGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newIDGenerator(src rand.Source) *idGenerator {
	return &idGenerator{rng: rand.New(src)}
}

func (g *idGenerator) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Intn(n)
}

// accountNumber returns "LN" followed by 12 digits.
func (g *idGenerator) accountNumber(now time.Time) string {
	return fmt.Sprintf("LN%06d%06d", now.Unix()%1000000, g.intn(1000000))
}

// transactionID returns "TXN" followed by the creation time in milliseconds and a 6 digit suffix.
func (g *idGenerator) transactionID(now time.Time) string {
	return fmt.Sprintf("TXN%d%06d", now.UnixMilli(), g.intn(1000000))
}
