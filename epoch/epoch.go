// Package epoch allocates checkpoint epochs.
package epoch

import (
	"fmt"
	"sync"
	"time"
)

// Epoch is a monotonically increasing 64-bit checkpoint timestamp
type Epoch uint64

// Invalid is the zero epoch; no checkpoint ever carries it
const Invalid Epoch = 0

// LogicalBits is the number of low bits reserved for the logical counter of
// physical epochs. 16 bits = 65k epochs per millisecond.
const LogicalBits = 16

// LogicalMask masks the logical counter
const LogicalMask = (1 << LogicalBits) - 1

// FromPhysical builds an epoch from a wall clock time and logical counter
func FromPhysical(t time.Time, logical uint64) Epoch {
	return Epoch(uint64(t.UnixMilli())<<LogicalBits | logical&LogicalMask)
}

// PhysicalTime returns the wall clock part of a physical epoch
func (e Epoch) PhysicalTime() time.Time {
	return time.UnixMilli(int64(e >> LogicalBits))
}

// Logical returns the logical counter of a physical epoch
func (e Epoch) Logical() uint64 {
	return uint64(e) & LogicalMask
}

// Uint64 returns the raw value
func (e Epoch) Uint64() uint64 { return uint64(e) }

func (e Epoch) String() string {
	return fmt.Sprintf("%d", uint64(e))
}

// Generator returns the next epoch strictly greater than prev
type Generator interface {
	Next(prev Epoch) Epoch
}

// PhysicalGenerator issues epochs derived from the wall clock so that epochs
// stay roughly aligned with real time across leader failovers. When the clock
// has not advanced past prev the logical counter is bumped instead.
type PhysicalGenerator struct {
	mu  sync.Mutex
	now func() time.Time
}

// NewPhysicalGenerator creates a wall clock epoch generator
func NewPhysicalGenerator() *PhysicalGenerator {
	return &PhysicalGenerator{now: time.Now}
}

// Next implements Generator
func (g *PhysicalGenerator) Next(prev Epoch) Epoch {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := FromPhysical(g.now(), 0)
	if next > prev {
		return next
	}

	// Clock behind or within the same millisecond
	if prev.Logical() < LogicalMask {
		return prev + 1
	}

	// Logical counter exhausted, roll over into the next millisecond
	return FromPhysical(prev.PhysicalTime().Add(time.Millisecond), 0)
}

// SequentialGenerator issues prev+1. Useful for tests and deterministic runs.
type SequentialGenerator struct{}

// Next implements Generator
func (SequentialGenerator) Next(prev Epoch) Epoch {
	return prev + 1
}

// NewGenerator returns the generator for mode ("physical" or "sequential")
func NewGenerator(mode string) (Generator, error) {
	switch mode {
	case "", "physical":
		return NewPhysicalGenerator(), nil
	case "sequential":
		return SequentialGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown epoch mode %q", mode)
	}
}

// Max returns the larger epoch
func Max(a, b Epoch) Epoch {
	if a > b {
		return a
	}
	return b
}
