// Package clock provides the injectable time source and id generator used
// throughout the execution core so that tests can control both without
// touching wall-clock time or a real random source.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock access.
type Clock interface {
	Now() time.Time
}

// IDGenerator abstracts unique id generation for intents, orders, and WAL
// entries.
type IDGenerator interface {
	NewID() string
}

// System is the real, wall-clock backed Clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// UUIDGenerator generates RFC 4122 v4 ids via google/uuid.
type UUIDGenerator struct{}

// NewID returns a new random UUID string.
func (UUIDGenerator) NewID() string { return uuid.NewString() }

// Fixed is a Clock that always returns the same instant, for deterministic
// tests.
type Fixed struct {
	At time.Time
}

// Now returns the fixed instant.
func (f Fixed) Now() time.Time { return f.At }

// Sequence is an IDGenerator that returns a caller-supplied prefix followed
// by an incrementing counter, for deterministic tests.
type Sequence struct {
	Prefix string
	n      int
}

// NewID returns the next id in the sequence.
func (s *Sequence) NewID() string {
	s.n++
	return s.Prefix + "-" + itoa(s.n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
