package event

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator produces ULID event ids: 48-bit millisecond timestamp followed by
// 80 random bits, Crockford base32, 26 characters. Ids generated within the
// same millisecond are strictly increasing.
type IDGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// DefaultIDs is the process-wide generator used by New.
var DefaultIDs = NewIDGenerator()

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewID returns an id stamped with the current time.
func (g *IDGenerator) NewID() string {
	return g.NewAt(time.Now())
}

// NewAt returns an id stamped with ts.
func (g *IDGenerator) NewAt(ts time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	// MonotonicEntropy is not safe for concurrent use.
	return ulid.MustNew(ulid.Timestamp(ts), g.entropy).String()
}

// DerivedID returns a ULID stamped with ts whose random part is taken from
// the SHA-256 of key. The same (ts, key) always yields the same id.
func DerivedID(ts time.Time, key string) string {
	sum := sha256.Sum256([]byte(key))
	return ulid.MustNew(ulid.Timestamp(ts), bytes.NewReader(sum[:10])).String()
}

// IDTime extracts the millisecond timestamp embedded in an event id.
func IDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()).UTC(), nil
}
