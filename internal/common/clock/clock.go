// Package clock provides time and id generation behind an interface so
// tests can control both.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies timestamps and unique ids.
type Clock interface {
	Now() time.Time
	NewID() string
}

// New returns the real clock backed by time.Now and uuid.
func New() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) NewID() string { return uuid.New().String() }

// Fake is a controllable clock for tests. Now returns the current fake
// time and ids are sequential for stable assertions.
type Fake struct {
	mu   sync.Mutex
	now  time.Time
	seq  int
	base string
}

// NewFake returns a Fake starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, base: "id"}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewID returns a sequential id ("id-1", "id-2", ...).
func (f *Fake) NewID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.base + "-" + itoa(f.seq)
}

// Advance moves the fake time forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
