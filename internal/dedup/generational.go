// Package dedup remembers recently seen items for a bounded amount of time.
//
// Items live in a ring of generation buckets. Only the bucket about to become
// current is cleared on rotation, so memory stays proportional to the traffic
// of one TTL while lookups never scan more than a handful of maps.
package dedup

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Generations is the number of buckets in the ring.
const Generations = 4

// Hasher is anything that can be reduced to a 64-bit key.
type Hasher interface {
	Hash() uint64
}

// MessageKey identifies one logical message seen on a redundant path.
type MessageKey struct {
	Subject  string
	OriginID int64
	Sequence int32
}

// Hash implements Hasher.
func (k MessageKey) Hash() uint64 {
	var tail [12]byte
	binary.BigEndian.PutUint64(tail[0:8], uint64(k.OriginID))
	binary.BigEndian.PutUint32(tail[8:12], uint32(k.Sequence))
	d := xxhash.New()
	_, _ = d.WriteString(k.Subject)
	_, _ = d.Write(tail[:])
	return d.Sum64()
}

// Set is a concurrency-safe, time-bounded membership set. An item is reported
// present for at least the configured TTL after its last Add and is gone no
// later than one rotation interval after that.
type Set struct {
	mu       sync.Mutex
	buckets  [Generations]map[uint64]struct{}
	current  int
	interval time.Duration
	rotated  time.Time
	now      func() time.Time
}

// New creates a Set whose items live for ttl.
func New(ttl time.Duration) *Set {
	return newWithClock(ttl, time.Now)
}

func newWithClock(ttl time.Duration, now func() time.Time) *Set {
	interval := ttl / (Generations - 1)
	if interval <= 0 {
		interval = time.Millisecond
	}
	s := &Set{interval: interval, now: now, rotated: now()}
	for i := range s.buckets {
		s.buckets[i] = make(map[uint64]struct{})
	}
	return s
}

// RotationInterval is how long each generation stays current.
func (s *Set) RotationInterval() time.Duration {
	return s.interval
}

// Add records item in the current generation.
func (s *Set) Add(item Hasher) {
	h := item.Hash()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate()
	s.buckets[s.current][h] = struct{}{}
}

// AddIfAbsent records item and reports whether it was not already present.
func (s *Set) AddIfAbsent(item Hasher) bool {
	h := item.Hash()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate()
	if s.has(h) {
		return false
	}
	s.buckets[s.current][h] = struct{}{}
	return true
}

// Contains reports whether item is in any generation.
func (s *Set) Contains(item Hasher) bool {
	h := item.Hash()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate()
	return s.has(h)
}

// Remove deletes item from whichever generation holds it.
func (s *Set) Remove(item Hasher) {
	h := item.Hash()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buckets {
		delete(b, h)
	}
}

// Len returns the number of remembered items.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.buckets {
		n += len(b)
	}
	return n
}

func (s *Set) has(h uint64) bool {
	for _, b := range s.buckets {
		if _, ok := b[h]; ok {
			return true
		}
	}
	return false
}

// rotate advances the ring once per elapsed interval. Must hold s.mu.
func (s *Set) rotate() {
	elapsed := s.now().Sub(s.rotated)
	if elapsed < s.interval {
		return
	}
	steps := int(elapsed / s.interval)
	for i := 0; i < steps && i < Generations; i++ {
		s.current = (s.current + 1) % Generations
		clear(s.buckets[s.current])
	}
	s.rotated = s.rotated.Add(time.Duration(steps) * s.interval)
}
