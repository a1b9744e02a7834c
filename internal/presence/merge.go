package presence

// Snapshot is a full replica state detached from its local delta
// buffer, the shape Extract hands to callers for transport (spec §4.8,
// §4.4). remote_map accompanies a Snapshot wherever the spec calls for
// "(remote_state, remote_map)".
type Snapshot struct {
	Replica  Replica
	Context  Context
	Cloud    Cloud
	Replicas map[Replica]MembershipStatus
}

// mergeCore implements the shared algebra behind both the full↔full
// merge (§4.4, remoteMap = extract(remote)) and the delta→full merge
// (§4.5, remoteMap = delta.Values, remoteCloud = delta.Cloud). It
// mutates s in place and returns the observable joins/leaves diff.
func (s *State) mergeCore(remoteContext Context, remoteCloud Cloud, remoteMap map[Tag]DeltaValue) (joins, leaves []Element) {
	// Step 1: compute joins — tags the remote map has that we don't.
	for tag, v := range remoteMap {
		if In(tag, s.context, s.cloud) {
			continue
		}
		s.store.insert(v.Owner, v.Topic, v.Key, v.Meta, tag)
		joins = append(joins, Element{Owner: v.Owner, Topic: v.Topic, Key: v.Key, Meta: v.Meta, Tag: tag})
	}

	// Step 2: compute leaves and carry-overs by walking our own
	// elements, skipping the ones we just inserted in step 1.
	removed := make([]location, 0)
	for ot, byTag := range s.store.byOwnerTopic {
		for tag, p := range byTag {
			if _, justJoined := remoteMap[tag]; justJoined {
				continue
			}
			remoteKnows := In(tag, remoteContext, remoteCloud)
			_, remoteStillHasIt := remoteMap[tag]
			if remoteKnows && !remoteStillHasIt {
				leaves = append(leaves, Element{Owner: ot.Owner, Topic: ot.Topic, Key: p.Key, Meta: p.Meta, Tag: tag})
				removed = append(removed, location{ot: ot, tag: tag})
			}
			// else: element carries over unchanged.
		}
	}
	for _, loc := range removed {
		s.store.remove(loc)
		s.cloud.Remove(loc.tag)
		s.delta.recordRemoval(loc.tag)
	}

	// Step 4: merged cloud starts as the union, minus removed tags
	// (already applied above via s.cloud.Remove for locally-held tags;
	// tags only ever known through the remote cloud are folded in here).
	s.cloud = s.cloud.Union(remoteCloud)
	for _, loc := range removed {
		s.cloud.Remove(loc.tag)
	}

	// Step 5: advance context.
	s.context = Upperbound(s.context, remoteContext)

	// Step 6: compact.
	s.context, s.cloud = Compact(s.context, s.cloud)

	return joins, leaves
}

// Merge reconciles a remote full-state snapshot (and its extracted
// value map) into s, producing the joins/leaves diff (spec §4.4).
func (s *State) Merge(remote Snapshot, remoteMap map[Tag]DeltaValue) (joins, leaves []Element) {
	return s.mergeCore(remote.Context, remote.Cloud, remoteMap)
}

// MergeDelta reconciles an inbound delta into s, treating the delta's
// values as remote_map and its cloud as the remote's cloud — the
// delta→full discipline of spec §4.5.
func (s *State) MergeDelta(remote *Delta) (joins, leaves []Element) {
	return s.mergeCore(nil, remote.Cloud, remote.Values)
}
