package testfixtures

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var fixtureNamespace = uuid.MustParse("6f1c1d2e-8a7b-4c3d-9e0f-112233445566")

// IDGenerator hands out deterministic identifiers. Sequence ids look like
// "session-1"; UUID ids are name-based so they are stable across runs but
// shaped like the random ids the gateway generates.
type IDGenerator struct {
	mu      sync.Mutex
	prefix  string
	counter uint64
}

// NewIDGenerator returns a generator for prefix, "id" when empty.
func NewIDGenerator(prefix string) *IDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &IDGenerator{prefix: prefix}
}

// Next returns the next sequence id.
func (g *IDGenerator) Next() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.step())
}

// NextUUID returns the next name-based UUID.
func (g *IDGenerator) NextUUID() string {
	n := g.step()
	return uuid.NewSHA1(fixtureNamespace, []byte(fmt.Sprintf("%s-%d", g.prefix, n))).String()
}

// NextFunc exposes Next for injection as an id generator.
func (g *IDGenerator) NextFunc() func() string {
	if g == nil {
		return func() string { return "" }
	}
	return g.Next
}

// Reset restarts the sequence.
func (g *IDGenerator) Reset() {
	g.mu.Lock()
	g.counter = 0
	g.mu.Unlock()
}

func (g *IDGenerator) step() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return g.counter
}
