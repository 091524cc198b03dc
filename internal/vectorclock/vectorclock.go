// Package vectorclock implements the version stamp used to detect
// causality between writes made at different replicas.
//
// A clock is a map from replica id to a monotonically non-decreasing
// counter.  Comparing two clocks tells you whether one happened strictly
// before the other, whether they are equal, or whether they were written
// independently (concurrently) — in which case Compare applies a
// deterministic tiebreak so the result is never ambiguous.
package vectorclock

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrNonMonotonic is returned by Set when asked to regress a clock entry.
var ErrNonMonotonic = errors.New("vectorclock: non-monotonic set")

// ErrMalformedClock is returned by Parse when the input is not a valid
// canonical clock string.
var ErrMalformedClock = errors.New("vectorclock: malformed clock")

// Relation is the result of comparing two clocks.
type Relation int

const (
	Less Relation = iota
	Equal
	Greater
)

// Clock maps replica id to counter.  A missing key reads as zero.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Get returns the counter for replicaID, or 0 if unset.
func (c Clock) Get(replicaID string) uint64 {
	return c[replicaID]
}

// Set assigns the counter for replicaID.  It fails with ErrNonMonotonic if
// value would regress the existing counter — callers (and replicas) must
// never go backwards.
func (c Clock) Set(replicaID string, value uint64) error {
	if old, ok := c[replicaID]; ok && value < old {
		return fmt.Errorf("%w: %s: %d -> %d", ErrNonMonotonic, replicaID, old, value)
	}
	c[replicaID] = value
	return nil
}

// Copy returns a deep copy; mutating the copy never touches the original.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Compare determines the relationship of c to other.
//
// Equal: every component matches (missing reads as 0).
// Less/Greater: componentwise <= (or >=) with at least one strict
// inequality — a genuine causal ordering.
// Otherwise the clocks are concurrent and are ordered deterministically:
// the clock with the larger maximum component is "greater"; on a tie,
// the clock with the smaller canonical-JSON hash is "less". A hash
// collision between unequal clocks is treated as an impossible condition
// and panics — see spec Open Questions: this must not be silently
// recovered.
func (c Clock) Compare(other Clock) Relation {
	keys := make(map[string]struct{}, len(c)+len(other))
	for k := range c {
		keys[k] = struct{}{}
	}
	for k := range other {
		keys[k] = struct{}{}
	}

	less, greater := false, false
	for k := range keys {
		a, b := c[k], other[k]
		switch {
		case a < b:
			less = true
		case a > b:
			greater = true
		}
	}

	switch {
	case !less && !greater:
		return Equal
	case less && !greater:
		return Less
	case greater && !less:
		return Greater
	default:
		return c.tiebreak(other)
	}
}

// tiebreak resolves a concurrent pair deterministically.
func (c Clock) tiebreak(other Clock) Relation {
	maxC, maxO := maxComponent(c), maxComponent(other)
	if maxC != maxO {
		if maxC > maxO {
			return Greater
		}
		return Less
	}

	hashC, hashO := c.hash(), other.hash()
	switch {
	case hashC < hashO:
		return Less
	case hashC > hashO:
		return Greater
	default:
		panic(fmt.Sprintf(
			"vectorclock: hash collision between unequal concurrent clocks %s and %s",
			c, other))
	}
}

func maxComponent(c Clock) uint64 {
	var max uint64
	for _, v := range c {
		if v > max {
			max = v
		}
	}
	return max
}

// hash is the stable tiebreak key: md5 of the canonical JSON encoding.
func (c Clock) hash() string {
	sum := md5.Sum([]byte(c.String()))
	return hex.EncodeToString(sum[:])
}

// String renders the clock as canonical JSON: sorted keys, no whitespace.
// This is the exact form persisted as a document's _rev.
func (c Clock) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := make([]byte, 0, 2+16*len(keys))
	b = append(b, '{')
	for i, k := range keys {
		if i > 0 {
			b = append(b, ',')
		}
		kb, _ := json.Marshal(k)
		b = append(b, kb...)
		b = append(b, ':')
		b = append(b, []byte(fmt.Sprintf("%d", c[k]))...)
	}
	b = append(b, '}')
	return string(b)
}

// Parse parses the canonical JSON form produced by String.
func Parse(s string) (Clock, error) {
	if s == "" {
		return New(), nil
	}
	var raw map[string]uint64
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedClock, err)
	}
	return Clock(raw), nil
}
