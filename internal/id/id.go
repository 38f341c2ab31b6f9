// Package id generates time-sortable trade identifiers.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator hands out ULIDs that are strictly increasing, even across a
// restart where the last issued id is restored with Observe and the clock
// has moved backwards.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	last    ulid.ULID
}

// NewGenerator seeds a monotonic entropy source from crypto/rand.
func NewGenerator() *Generator {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return NewGeneratorWithSource(rand.NewSource(seed))
}

// NewGeneratorWithSource is NewGenerator with an explicit seed source,
// for deterministic tests.
func NewGeneratorWithSource(src rand.Source) *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.New(src), 0),
	}
}

// Observe records an id issued earlier so later ids sort after it.
// Empty strings are ignored.
func (g *Generator) Observe(s string) error {
	if s == "" {
		return nil
	}
	parsed, err := ulid.ParseStrict(s)
	if err != nil {
		return fmt.Errorf("id: parse %q: %w", s, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if parsed.Compare(g.last) > 0 {
		g.last = parsed
	}
	return nil
}

// Next returns a new id stamped with now, or with the last id's time when
// the clock is behind it.
func (g *Generator) Next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(now.UTC())
	if ms < g.last.Time() {
		ms = g.last.Time()
	}

	next, err := ulid.New(ms, g.entropy)
	if err != nil || next.Compare(g.last) <= 0 {
		// Entropy overflow in this millisecond, or a restored id whose
		// random part sorts above ours: move to the next millisecond.
		next, err = ulid.New(ms+1, g.entropy)
		if err != nil {
			// Only possible past year 10889.
			panic(err)
		}
	}
	g.last = next
	return next.String()
}

// Last returns the most recent id issued or observed.
func (g *Generator) Last() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == (ulid.ULID{}) {
		return ""
	}
	return g.last.String()
}
