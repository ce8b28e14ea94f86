package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator hands out ULIDs. IDs from one generator are unique and
// lexicographically increasing even when many share a millisecond.
type Generator struct {
	mu   sync.Mutex
	mono io.Reader
	last ulid.ULID
}

// NewGenerator seeds the entropy source from seed. A zero seed draws one
// from crypto/rand.
func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
	}
	return &Generator{mono: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)}
}

// At returns a ULID stamped with t. Stamps earlier than the last issued ID
// are moved forward so ordering holds.
func (g *Generator) At(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(t.UTC())
	if ms < g.last.Time() {
		ms = g.last.Time()
	}
	id, err := ulid.New(ms, g.mono)
	if err != nil {
		// Monotonic entropy overflowed within one millisecond; step the clock.
		id = ulid.MustNew(ms+1, g.mono)
	}
	g.last = id
	return id.String()
}

var defaultGenerator = NewGenerator(0)

// New returns a ULID for the current wall-clock time.
func New() string {
	return defaultGenerator.At(time.Now())
}
