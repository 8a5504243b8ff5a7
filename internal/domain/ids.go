package domain

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// UUIDGenerator issues random UUIDs. Used on the live path.
type UUIDGenerator struct{}

// NewID returns a random UUID string.
func (UUIDGenerator) NewID() string { return uuid.NewString() }

// NewTraceID returns a random UUID string.
func (UUIDGenerator) NewTraceID() string { return uuid.NewString() }

// SequentialIDGenerator issues deterministic ids from a labelled counter.
// Simulation runs use one per run so identical inputs replay to identical
// order, trade and trace ids.
type SequentialIDGenerator struct {
	Prefix  string
	counter atomic.Uint64
}

// NewSequentialIDGenerator creates a generator with the given id prefix.
func NewSequentialIDGenerator(prefix string) *SequentialIDGenerator {
	return &SequentialIDGenerator{Prefix: prefix}
}

// NewID returns the next id in sequence.
func (g *SequentialIDGenerator) NewID() string {
	return fmt.Sprintf("%s-%08d", g.Prefix, g.counter.Add(1))
}

// NewTraceID returns the next trace id in sequence.
func (g *SequentialIDGenerator) NewTraceID() string {
	return fmt.Sprintf("%s-trace-%08d", g.Prefix, g.counter.Add(1))
}
