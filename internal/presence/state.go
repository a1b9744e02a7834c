package presence

// MembershipStatus records whether a replica is currently considered
// reachable by this replica.
type MembershipStatus int

const (
	// Up means the replica's elements are visible to online_list and
	// get_by_topic.
	Up MembershipStatus = iota
	// Down means the replica's elements are hidden from those queries
	// but not removed from the store.
	Down
)

// State is the full, normal-mode replica state described by spec §3:
// causal clock, tag cloud, indexed value store, replica membership,
// and the local delta buffer accumulated since the last reset. It is
// single-threaded and non-blocking — callers serialize their own
// access (spec §5); State itself holds no lock.
type State struct {
	self     Replica
	context  Context
	cloud    Cloud
	store    *store
	replicas map[Replica]MembershipStatus
	delta    *Delta
}

// New creates a fresh replica state with self marked Up, an empty
// context/cloud/store, and a delta whose range is ({self:0},{self:0}).
func New(self Replica) *State {
	ctx := Context{self: 0}
	return &State{
		self:     self,
		context:  ctx,
		cloud:    NewCloud(),
		store:    newStore(),
		replicas: map[Replica]MembershipStatus{self: Up},
		delta:    newDelta(self, ctx),
	}
}

// Clocks exposes the causal summary used for anti-entropy.
func (s *State) Clocks() (Replica, Context) {
	return s.self, s.context.Clone()
}

// Join adds (owner, topic, key, meta) as a new element tagged with the
// next local clock, per spec §4.2.
func (s *State) Join(owner Owner, topic Topic, key Key, meta Meta) Element {
	newClock := s.context[s.self] + 1
	s.context[s.self] = newClock
	tag := Tag{Replica: s.self, Clock: newClock}

	s.cloud.Add(tag)
	s.delta.recordJoin(tag, owner, topic, key, meta)

	s.store.insert(owner, topic, key, meta, tag)

	return Element{Owner: owner, Topic: topic, Key: key, Meta: meta, Tag: tag}
}

// bumpClockForRemoval advances the local clock the same way Join does,
// so a removal is still summarized by future deltas (spec §4.2). It
// also advances the delta's own end context to match, the same
// invariant recordJoin maintains for additions — otherwise
// delta.Range.End[self] would lag the context after a Leave with no
// corresponding Join, violating spec §3 invariant 6.
func (s *State) bumpClockForRemoval() {
	s.context[s.self]++
	s.delta.Range.End[s.self] = s.context[s.self]
}

// Leave removes every element matching (owner, topic, key) and returns
// the elements that were removed.
func (s *State) Leave(owner Owner, topic Topic, key Key) []Element {
	locs := s.store.locationsByOwnerTopicKey(owner, topic, key)
	return s.applyLeave(locs)
}

// LeaveOwner removes every element belonging to owner, across all
// topics and keys.
func (s *State) LeaveOwner(owner Owner) []Element {
	locs := s.store.locationsByOwner(owner)
	return s.applyLeave(locs)
}

func (s *State) applyLeave(locs []location) []Element {
	if len(locs) == 0 {
		s.bumpClockForRemoval()
		return nil
	}

	removed := make([]Element, 0, len(locs))
	for _, loc := range locs {
		removed = append(removed, s.store.toElement(loc))
		s.store.remove(loc)
		s.cloud.Remove(loc.tag)
		s.delta.recordRemoval(loc.tag)
	}
	s.bumpClockForRemoval()
	return removed
}

func (s *State) upSet() map[Replica]bool {
	up := make(map[Replica]bool, len(s.replicas))
	for r, status := range s.replicas {
		up[r] = status == Up
	}
	return up
}

// OnlineList returns every element whose tag's replica is currently Up.
func (s *State) OnlineList() []Element {
	return s.store.byReplicaSet(s.upSet(), nil)
}

// GetByTopic returns every element for topic whose tag's replica is
// currently Up.
func (s *State) GetByTopic(topic Topic) []Element {
	return s.store.byReplicaSet(s.upSet(), &topic)
}

// GetByOwner returns every element for owner, regardless of replica
// up/down state.
func (s *State) GetByOwner(owner Owner) []Element {
	return s.store.byOwnerAll(owner)
}

// GetByOwnerTopic returns every element for (owner, topic), regardless
// of replica up/down state.
func (s *State) GetByOwnerTopic(owner Owner, topic Topic) []Element {
	return s.store.byOwnerAndTopic(owner, topic)
}

// GetByOwnerTopicKey returns every element matching (owner, topic,
// key); meta is never compared.
func (s *State) GetByOwnerTopicKey(owner Owner, topic Topic, key Key) []Element {
	return s.store.byOwnerTopicKey(owner, topic, key)
}

// HasDelta reports whether the local delta buffer carries any pending
// adds or observed removes.
func (s *State) HasDelta() bool {
	return s.delta.HasDelta()
}

// Delta returns the local delta buffer accumulated since the last
// reset. Callers must not mutate the returned value; take a snapshot
// before ResetDelta if the gossip layer needs to keep sending it.
func (s *State) Delta() *Delta {
	return s.delta
}

// ResetDelta replaces the local delta buffer with a fresh one scoped
// to the current local clock.
func (s *State) ResetDelta() {
	s.delta = newDelta(s.self, s.context)
}

// Extract flattens the value store into a tag->payload map and
// returns a snapshot of state detached from the local delta buffer,
// so callers do not transitively transmit it (spec §4.8).
func (s *State) Extract() (Snapshot, map[Tag]DeltaValue) {
	snap := Snapshot{
		Replica:  s.self,
		Context:  s.context.Clone(),
		Cloud:    s.cloud.Clone(),
		Replicas: make(map[Replica]MembershipStatus, len(s.replicas)),
	}
	for r, st := range s.replicas {
		snap.Replicas[r] = st
	}

	values := make(map[Tag]DeltaValue, len(s.store.byOwnerTopic))
	for ot, byTag := range s.store.byOwnerTopic {
		for tag, p := range byTag {
			values[tag] = DeltaValue{Owner: ot.Owner, Topic: ot.Topic, Key: p.Key, Meta: p.Meta}
		}
	}

	return snap, values
}

// ReplicaUp marks r as Up. The value store is unchanged; every element
// already tagged with r becomes visible to online_list/get_by_topic
// again and is returned as the joins diff.
func (s *State) ReplicaUp(r Replica) (joins []Element) {
	s.replicas[r] = Up
	for _, loc := range s.store.locationsByReplica(r) {
		joins = append(joins, s.store.toElement(loc))
	}
	return joins
}

// ReplicaDown marks r as Down. The value store is unchanged; every
// element tagged with r is returned as the leaves diff.
func (s *State) ReplicaDown(r Replica) (leaves []Element) {
	s.replicas[r] = Down
	for _, loc := range s.store.locationsByReplica(r) {
		leaves = append(leaves, s.store.toElement(loc))
	}
	return leaves
}

// RemoveDownReplicas hard-evicts every element tagged with r, drops r
// from the context, and — resolving spec §9's open question in favor
// of its own recommended policy — also strips r's tags from the cloud
// and from the local delta buffer so a departed replica does not leak
// indefinitely.
func (s *State) RemoveDownReplicas(r Replica) {
	for _, loc := range s.store.locationsByReplica(r) {
		s.store.remove(loc)
	}
	delete(s.context, r)
	delete(s.replicas, r)

	for t := range s.cloud {
		if t.Replica == r {
			s.cloud.Remove(t)
		}
	}
	for t := range s.delta.Cloud {
		if t.Replica == r {
			s.delta.Cloud.Remove(t)
		}
	}
	for t := range s.delta.Values {
		if t.Replica == r {
			delete(s.delta.Values, t)
		}
	}
	delete(s.delta.Range.Start, r)
	delete(s.delta.Range.End, r)
}
