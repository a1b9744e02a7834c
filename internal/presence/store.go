package presence

// Element is one live membership record: the (Owner, Topic) pair a
// (Key, Meta) was added under, tagged with the add event that
// produced it.
type Element struct {
	Owner Owner
	Topic Topic
	Key   Key
	Meta  Meta
	Tag   Tag
}

type ownerTopic struct {
	Owner Owner
	Topic Topic
}

type location struct {
	ot  ownerTopic
	tag Tag
}

type payload struct {
	Key  Key
	Meta Meta
}

// store is the indexed value multimap described in spec §3 and §9: a
// primary map keyed by (Owner, Topic) with one entry per live tag,
// plus secondary indices by Owner and by Replica to make the pattern
// queries join/leave/online_list/get_by_topic/remove_down_replicas
// need proportional to their result size rather than to the whole set.
type store struct {
	byOwnerTopic map[ownerTopic]map[Tag]payload
	byOwner      map[Owner]map[location]struct{}
	byReplica    map[Replica]map[location]struct{}
}

func newStore() *store {
	return &store{
		byOwnerTopic: make(map[ownerTopic]map[Tag]payload),
		byOwner:      make(map[Owner]map[location]struct{}),
		byReplica:    make(map[Replica]map[location]struct{}),
	}
}

func (s *store) insert(owner Owner, topic Topic, key Key, meta Meta, tag Tag) {
	ot := ownerTopic{owner, topic}
	if s.byOwnerTopic[ot] == nil {
		s.byOwnerTopic[ot] = make(map[Tag]payload)
	}
	s.byOwnerTopic[ot][tag] = payload{Key: key, Meta: meta}

	loc := location{ot: ot, tag: tag}
	if s.byOwner[owner] == nil {
		s.byOwner[owner] = make(map[location]struct{})
	}
	s.byOwner[owner][loc] = struct{}{}

	if s.byReplica[tag.Replica] == nil {
		s.byReplica[tag.Replica] = make(map[location]struct{})
	}
	s.byReplica[tag.Replica][loc] = struct{}{}
}

func (s *store) remove(loc location) {
	if byTag, ok := s.byOwnerTopic[loc.ot]; ok {
		delete(byTag, loc.tag)
		if len(byTag) == 0 {
			delete(s.byOwnerTopic, loc.ot)
		}
	}
	if locs, ok := s.byOwner[loc.ot.Owner]; ok {
		delete(locs, loc)
		if len(locs) == 0 {
			delete(s.byOwner, loc.ot.Owner)
		}
	}
	if locs, ok := s.byReplica[loc.tag.Replica]; ok {
		delete(locs, loc)
		if len(locs) == 0 {
			delete(s.byReplica, loc.tag.Replica)
		}
	}
}

func (s *store) toElement(loc location) Element {
	p := s.byOwnerTopic[loc.ot][loc.tag]
	return Element{
		Owner: loc.ot.Owner,
		Topic: loc.ot.Topic,
		Key:   p.Key,
		Meta:  p.Meta,
		Tag:   loc.tag,
	}
}

// byReplicaSet returns every element whose tag's replica is a member
// of replicas, optionally restricted to a single topic.
func (s *store) byReplicaSet(replicas map[Replica]bool, topic *Topic) []Element {
	var out []Element
	for r, up := range replicas {
		if !up {
			continue
		}
		for loc := range s.byReplica[r] {
			if topic != nil && loc.ot.Topic != *topic {
				continue
			}
			out = append(out, s.toElement(loc))
		}
	}
	return out
}

// byOwnerTopicKey returns every element matching (owner, topic, key);
// meta is never compared (see DESIGN.md).
func (s *store) byOwnerTopicKey(owner Owner, topic Topic, key Key) []Element {
	var out []Element
	for tag, p := range s.byOwnerTopic[ownerTopic{owner, topic}] {
		if p.Key == key {
			out = append(out, Element{Owner: owner, Topic: topic, Key: p.Key, Meta: p.Meta, Tag: tag})
		}
	}
	return out
}

// byOwnerAndTopic returns every element for (owner, topic), ignoring key.
func (s *store) byOwnerAndTopic(owner Owner, topic Topic) []Element {
	var out []Element
	for tag, p := range s.byOwnerTopic[ownerTopic{owner, topic}] {
		out = append(out, Element{Owner: owner, Topic: topic, Key: p.Key, Meta: p.Meta, Tag: tag})
	}
	return out
}

// byOwnerAll returns every element for owner across all topics,
// ignoring replica up/down state — used for owner cleanup.
func (s *store) byOwnerAll(owner Owner) []Element {
	var out []Element
	for loc := range s.byOwner[owner] {
		out = append(out, s.toElement(loc))
	}
	return out
}

// locationsByOwnerTopicKey mirrors byOwnerTopicKey but returns
// locations, for callers that need to remove the matches.
func (s *store) locationsByOwnerTopicKey(owner Owner, topic Topic, key Key) []location {
	var out []location
	ot := ownerTopic{owner, topic}
	for tag, p := range s.byOwnerTopic[ot] {
		if p.Key == key {
			out = append(out, location{ot: ot, tag: tag})
		}
	}
	return out
}

// locationsByOwner mirrors byOwnerAll but returns locations.
func (s *store) locationsByOwner(owner Owner) []location {
	out := make([]location, 0, len(s.byOwner[owner]))
	for loc := range s.byOwner[owner] {
		out = append(out, loc)
	}
	return out
}

// locationsByReplica returns every location tagged with replica r,
// used by remove_down_replicas.
func (s *store) locationsByReplica(r Replica) []location {
	out := make([]location, 0, len(s.byReplica[r]))
	for loc := range s.byReplica[r] {
		out = append(out, loc)
	}
	return out
}
