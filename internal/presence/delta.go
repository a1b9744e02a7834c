package presence

// DeltaValue is the payload carried by a pending addition in a delta
// buffer: everything needed to replay the join at a remote replica.
type DeltaValue struct {
	Owner Owner
	Topic Topic
	Key   Key
	Meta  Meta
}

// Range brackets the clocks a Delta covers for each replica, used to
// decide whether two deltas can be concatenated without an observable
// gap (spec §4.5).
type Range struct {
	Start Context
	End   Context
}

// Delta is a reduced replica state accumulated between gossip rounds:
// pending local additions plus every tag the replica has observed
// removed since the last reset. It carries no value store of its own —
// only enough to replay adds and recognize removes at a peer.
type Delta struct {
	Replica Replica
	Values  map[Tag]DeltaValue
	Cloud   Cloud
	Range   Range
}

// newDelta returns a fresh, empty delta for replica scoped to ctx's
// current entry for self, per spec §4.5's reset_delta.
func newDelta(self Replica, ctx Context) *Delta {
	proj := projection(ctx, self)
	return &Delta{
		Replica: self,
		Values:  make(map[Tag]DeltaValue),
		Cloud:   NewCloud(),
		Range:   Range{Start: proj.Clone(), End: proj.Clone()},
	}
}

// HasDelta reports whether d carries any pending adds or observed
// removes.
func (d *Delta) HasDelta() bool {
	return len(d.Cloud) > 0
}

// Size returns the number of pending adds plus observed removes that a
// peer merging this delta would have to process.
func (d *Delta) Size() int {
	return len(d.Cloud) + len(d.Values)
}

// recordJoin notes a local addition in the delta buffer.
func (d *Delta) recordJoin(tag Tag, owner Owner, topic Topic, key Key, meta Meta) {
	d.Cloud.Add(tag)
	d.Values[tag] = DeltaValue{Owner: owner, Topic: topic, Key: key, Meta: meta}
	if tag.Clock > d.Range.End[d.Replica] {
		d.Range.End[d.Replica] = tag.Clock
	}
}

// recordRemoval notes an observed-remove in the delta buffer: the tag
// stays out of Values (it is no longer a pending add) but is carried
// in Cloud so a peer merging this delta learns the tag is gone.
func (d *Delta) recordRemoval(tag Tag) {
	delete(d.Values, tag)
	d.Cloud.Add(tag)
}

// MergeDeltas batches two deltas from the same replica's history into
// one, for gossip envelopes covering several rounds. It fails with
// ErrNotContiguous if stitching them would leave a gap: the local
// delta's end context must dominate-or-equal the remote delta's start
// context for every replica the remote covers.
func MergeDeltas(local, remote *Delta) (*Delta, error) {
	if !DominatesOrEqual(local.Range.End, remote.Range.Start) {
		return nil, ErrNotContiguous
	}

	merged := &Delta{
		Replica: local.Replica,
		Values:  make(map[Tag]DeltaValue, len(local.Values)+len(remote.Values)),
		Cloud:   local.Cloud.Union(remote.Cloud),
		Range: Range{
			Start: Lowerbound(local.Range.Start, remote.Range.Start),
			End:   Upperbound(local.Range.End, remote.Range.End),
		},
	}

	for tag, v := range local.Values {
		if _, stillPending := remote.Values[tag]; stillPending {
			merged.Values[tag] = v
			continue
		}
		if !In(tag, nil, remote.Cloud) {
			// remote never heard of this tag: local's add survives.
			merged.Values[tag] = v
		}
		// else: remote observed this tag removed — drop it.
	}

	for tag, v := range remote.Values {
		if _, alreadyLocal := local.Values[tag]; alreadyLocal {
			continue
		}
		if In(tag, nil, local.Cloud) {
			continue
		}
		merged.Values[tag] = v
	}

	return merged, nil
}
