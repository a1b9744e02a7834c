// Package presence implements the replicated ORSWOT set that backs a
// distributed presence tracker: an observed-remove set without
// tombstones, extended with per-replica delta summaries for gossip.
package presence

import (
	"fmt"
	"strconv"
	"strings"
)

// Replica identifies a peer contributing elements to the set.
type Replica string

// Clock is a monotonically increasing logical clock scoped to a Replica.
type Clock uint64

// Tag uniquely identifies one add event.
type Tag struct {
	Replica Replica
	Clock   Clock
}

// String renders t as "replica@clock".
func (t Tag) String() string {
	return fmt.Sprintf("%s@%d", t.Replica, t.Clock)
}

// MarshalText implements encoding.TextMarshaler so Tag can serve as a
// JSON object key (Cloud and Delta.Values are both map[Tag]...), used
// when gossip ships a Cloud or value map over the wire.
func (t Tag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText reverses MarshalText.
func (t *Tag) UnmarshalText(text []byte) error {
	s := string(text)
	i := strings.LastIndexByte(s, '@')
	if i < 0 {
		return fmt.Errorf("invalid tag %q", s)
	}
	clock, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid tag clock %q: %w", s, err)
	}
	t.Replica = Replica(s[:i])
	t.Clock = Clock(clock)
	return nil
}

// Owner is a local process/connection identity. The core treats it as
// an opaque, comparable value.
type Owner string

// Topic groups elements for topic-scoped queries.
type Topic string

// Key identifies a membership record within an (Owner, Topic) pair.
type Key string

// Meta is an opaque attribute map attached to a membership record.
// The core never compares Meta values; see Merge and the Design Notes
// in DESIGN.md for why.
type Meta map[string]any

// Clone returns a shallow copy of m.
func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Context maps each replica to the largest contiguous clock observed
// from it: every tag (r, 1..=ctx[r]) is known to be present or
// explicitly removed.
type Context map[Replica]Clock

// Clone returns an independent copy of ctx.
func (ctx Context) Clone() Context {
	out := make(Context, len(ctx))
	for r, c := range ctx {
		out[r] = c
	}
	return out
}

// Upperbound returns, for every replica present in either context, the
// larger of the two clocks.
func Upperbound(a, b Context) Context {
	out := make(Context, len(a)+len(b))
	for r, c := range a {
		out[r] = c
	}
	for r, c := range b {
		if c > out[r] {
			out[r] = c
		}
	}
	return out
}

// Lowerbound returns, for every replica present in both contexts, the
// smaller of the two clocks. Replicas present on only one side are
// absent from the result.
func Lowerbound(a, b Context) Context {
	out := make(Context)
	for r, c := range a {
		if bc, ok := b[r]; ok {
			if bc < c {
				c = bc
			}
			out[r] = c
		}
	}
	return out
}

// DominatesOrEqual reports whether a[r] >= b[r] for every replica r
// present in b. Replicas absent from b are vacuously satisfied.
func DominatesOrEqual(a, b Context) bool {
	for r, c := range b {
		if a[r] < c {
			return false
		}
	}
	return true
}

// projection returns a Context containing only the entry for self,
// used when a delta buffer is reset against the current local clock.
func projection(ctx Context, self Replica) Context {
	return Context{self: ctx[self]}
}
