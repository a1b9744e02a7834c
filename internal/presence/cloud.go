package presence

import "sort"

// Cloud is the set of tags known to exist but not yet contiguous with
// a context — either because clocks were skipped or because the
// element has been observed-removed while newer tags of the same
// replica still exist.
type Cloud map[Tag]struct{}

// NewCloud returns an empty cloud.
func NewCloud() Cloud {
	return make(Cloud)
}

// Has reports whether t is in the cloud.
func (c Cloud) Has(t Tag) bool {
	_, ok := c[t]
	return ok
}

// Add inserts t into the cloud.
func (c Cloud) Add(t Tag) {
	c[t] = struct{}{}
}

// Remove deletes t from the cloud.
func (c Cloud) Remove(t Tag) {
	delete(c, t)
}

// Clone returns an independent copy of c.
func (c Cloud) Clone() Cloud {
	out := make(Cloud, len(c))
	for t := range c {
		out[t] = struct{}{}
	}
	return out
}

// Union returns the set union of c and other, leaving both untouched.
func (c Cloud) Union(other Cloud) Cloud {
	out := c.Clone()
	for t := range other {
		out[t] = struct{}{}
	}
	return out
}

// sorted returns the cloud's tags ordered ascending by (Replica, Clock),
// the order compaction folds over.
func (c Cloud) sorted() []Tag {
	tags := make([]Tag, 0, len(c))
	for t := range c {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Replica != tags[j].Replica {
			return tags[i].Replica < tags[j].Replica
		}
		return tags[i].Clock < tags[j].Clock
	})
	return tags
}

// In reports whether t is known to ctx/cloud: either ctx already
// covers t's clock contiguously, or t is explicitly carried in cloud.
func In(t Tag, ctx Context, cloud Cloud) bool {
	if ctx[t.Replica] >= t.Clock {
		return true
	}
	return cloud.Has(t)
}

// Compact absorbs contiguous runs of cloud tags into ctx, shrinking the
// cloud to exactly the tags still non-contiguous with the result. It
// never changes the set of tags "in" the state, only their
// representation (spec §4.6).
func Compact(ctx Context, cloud Cloud) (Context, Cloud) {
	newCtx := ctx.Clone()
	rebuilt := NewCloud()

	for _, t := range cloud.sorted() {
		known, hasKnown := newCtx[t.Replica]
		switch {
		case !hasKnown && t.Clock == 1:
			newCtx[t.Replica] = 1
		case hasKnown && t.Clock == known+1:
			newCtx[t.Replica] = t.Clock
		case hasKnown && known >= t.Clock:
			// redundant, already covered
		default:
			rebuilt.Add(t)
		}
	}

	return newCtx, rebuilt
}
