package ipc

import (
	cryptorand "crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idGenerator hands out ULIDs that sort in generation order, even when the
// clock stalls or steps backwards.
type idGenerator struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy io.Reader
	lastMs  uint64
}

func newIDGenerator(now func() time.Time, entropy io.Reader) *idGenerator {
	return &idGenerator{now: now, entropy: entropy}
}

func (g *idGenerator) next() (ulid.ULID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := max(ulid.Timestamp(g.now()), g.lastMs)
	id, err := ulid.New(ms, g.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		// Entropy exhausted within one millisecond; borrow the next one.
		ms++
		id, err = ulid.New(ms, g.entropy)
	}
	if err != nil {
		return ulid.ULID{}, err
	}
	g.lastMs = ms
	return id, nil
}

var requestIDs = newIDGenerator(time.Now, ulid.Monotonic(cryptorand.Reader, 0))

// NewRequestID generates a ULID string for outgoing requests.
func NewRequestID() string {
	id, err := requestIDs.next()
	if err != nil {
		panic("request id: " + err.Error())
	}
	return id.String()
}
