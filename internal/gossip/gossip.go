// Package gossip implements an epidemic broadcast and anti-entropy
// transport over libp2p for presence replica shards: it ships deltas
// and full-state snapshots between replicas and feeds them to
// presence.State's Merge/MergeDelta, and bridges libp2p connectedness
// notifications to ReplicaUp/ReplicaDown.
package gossip

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rechain/presence/internal/presence"
	"github.com/rechain/presence/internal/security"
	"github.com/rechain/presence/internal/storage"
)

const streamProtocol = protocol.ID("/presence/gossip/1.0.0")

// MessageType discriminates the payloads an Envelope carries.
type MessageType int

const (
	DeltaMessage MessageType = iota
	StateMessage
	AntiEntropyMessage
)

// Envelope is the signed, JSON-encoded wire wrapper around a
// StatePayload or presence.Delta.
type Envelope struct {
	ID        string
	Type      MessageType
	Topic     presence.Topic
	Payload   []byte
	Timestamp time.Time
	Sender    peer.ID
	Signature []byte
}

// StatePayload is the wire form of a full replica state: a detached
// snapshot plus its extracted value map.
type StatePayload struct {
	Snapshot presence.Snapshot
	Values   map[presence.Tag]presence.DeltaValue
}

// antiEntropyPayload carries a topic's context digest for a cheap
// "do we already agree" check before a full exchange.
type antiEntropyPayload struct {
	Digest string
}

// PeerInfo tracks a connected peer's gossip reputation.
type PeerInfo struct {
	ID       peer.ID
	LastSeen time.Time
	Score    int
}

// shard owns one topic's presence.State behind its own mutex, since
// presence.State itself performs no internal locking (spec's single-
// threaded core) but the gossip loop and the control plane both touch
// it concurrently.
type shard struct {
	mu    sync.Mutex
	state *presence.State
}

// Protocol implements epidemic broadcast and anti-entropy for a set of
// topic shards owned by one local replica.
type Protocol struct {
	self presence.Replica
	host host.Host

	peersMutex sync.RWMutex
	peers      map[peer.ID]*PeerInfo

	shardsMutex sync.RWMutex
	shards      map[presence.Topic]*shard

	keyManager *security.KeyManager
	audit      *security.AuditLogger
	store      storage.Store
	health     *health.Server

	incoming chan *Envelope
	outgoing chan *Envelope

	fanout              int
	gossipInterval      time.Duration
	antiEntropyInterval time.Duration

	quit chan struct{}
}

// NewProtocol creates a new gossip protocol instance for replica self.
func NewProtocol(listenAddr string, self presence.Replica, km *security.KeyManager, store storage.Store) (*Protocol, error) {
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(listenAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	gp := &Protocol{
		self:                self,
		host:                h,
		peers:               make(map[peer.ID]*PeerInfo),
		shards:              make(map[presence.Topic]*shard),
		keyManager:          km,
		audit:               security.NewAuditLogger(true),
		store:               store,
		incoming:            make(chan *Envelope, 1000),
		outgoing:            make(chan *Envelope, 1000),
		fanout:              3,
		gossipInterval:      1 * time.Second,
		antiEntropyInterval: 30 * time.Second,
		quit:                make(chan struct{}),
	}

	h.SetStreamHandler(streamProtocol, gp.handleStream)
	h.Network().Notify(&connNotifiee{gp: gp})

	go gp.processMessages()
	go gp.gossipLoop()
	go gp.antiEntropyLoop()

	log.Printf("gossip protocol started on %s as replica %s", h.ID(), self)
	return gp, nil
}

// Start is a no-op kept for symmetry with Stop; background loops are
// already running once NewProtocol returns.
func (gp *Protocol) Start() error {
	log.Println("gossip protocol running")
	return nil
}

// Stop shuts down the protocol and closes the libp2p host.
func (gp *Protocol) Stop() error {
	close(gp.quit)
	return gp.host.Close()
}

// SetHealthServer wires a gRPC health.Server so replica up/down events
// flip SERVING/NOT_SERVING for the "<topic>/<replica>" service name,
// per SPEC_FULL.md's external interface section.
func (gp *Protocol) SetHealthServer(hs *health.Server) {
	gp.health = hs
}

// AddPeer connects to a peer given its multiaddr.
func (gp *Protocol) AddPeer(peerAddr string) error {
	addr, err := multiaddr.NewMultiaddr(peerAddr)
	if err != nil {
		return fmt.Errorf("invalid peer address: %w", err)
	}

	peerInfo, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("failed to parse peer info: %w", err)
	}

	if err := gp.host.Connect(context.Background(), *peerInfo); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}

	log.Printf("gossip: added peer %s", peerInfo.ID)
	return nil
}

// Shard returns the shard for topic, creating a fresh presence.State
// for it on first use.
func (gp *Protocol) shardFor(topic presence.Topic) *shard {
	gp.shardsMutex.Lock()
	defer gp.shardsMutex.Unlock()

	sh, ok := gp.shards[topic]
	if !ok {
		sh = &shard{state: presence.New(gp.self)}
		gp.shards[topic] = sh
		gp.setHealth(topic, gp.self, healthpb.HealthCheckResponse_SERVING)
	}
	return sh
}

// RestoreShard seeds topic's shard from a previously persisted
// snapshot, used during daemon startup recovery.
func (gp *Protocol) RestoreShard(topic presence.Topic, snap storage.ShardSnapshot) {
	gp.shardsMutex.Lock()
	defer gp.shardsMutex.Unlock()

	sh := &shard{state: presence.New(gp.self)}
	sh.state.Merge(snap.Snapshot, snap.Values)
	gp.shards[topic] = sh
}

// Join performs a local join on topic's shard and returns the element.
func (gp *Protocol) Join(topic presence.Topic, owner presence.Owner, key presence.Key, meta presence.Meta) presence.Element {
	sh := gp.shardFor(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.state.Join(owner, topic, key, meta)
}

// Leave performs a local leave on topic's shard.
func (gp *Protocol) Leave(topic presence.Topic, owner presence.Owner, key presence.Key) []presence.Element {
	sh := gp.shardFor(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.state.Leave(owner, topic, key)
}

// OnlineList returns topic's online members.
func (gp *Protocol) OnlineList(topic presence.Topic) []presence.Element {
	sh := gp.shardFor(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.state.GetByTopic(topic)
}

// Clocks returns topic's causal summary.
func (gp *Protocol) Clocks(topic presence.Topic) (presence.Replica, presence.Context) {
	sh := gp.shardFor(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.state.Clocks()
}

// replicaUp bridges a libp2p connection event to ReplicaUp across every
// shard this protocol tracks.
func (gp *Protocol) replicaUp(r presence.Replica) {
	gp.shardsMutex.RLock()
	defer gp.shardsMutex.RUnlock()

	for topic, sh := range gp.shards {
		sh.mu.Lock()
		joins := sh.state.ReplicaUp(r)
		sh.mu.Unlock()
		if len(joins) > 0 {
			log.Printf("gossip: replica %s up on topic %s, %d members visible", r, topic, len(joins))
		}
		gp.setHealth(topic, r, healthpb.HealthCheckResponse_SERVING)
	}
}

// replicaDown bridges a libp2p disconnection event to ReplicaDown.
func (gp *Protocol) replicaDown(r presence.Replica) {
	gp.shardsMutex.RLock()
	defer gp.shardsMutex.RUnlock()

	for topic, sh := range gp.shards {
		sh.mu.Lock()
		leaves := sh.state.ReplicaDown(r)
		sh.mu.Unlock()
		if len(leaves) > 0 {
			log.Printf("gossip: replica %s down on topic %s, %d members hidden", r, topic, len(leaves))
		}
		gp.setHealth(topic, r, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

func (gp *Protocol) setHealth(topic presence.Topic, r presence.Replica, status healthpb.HealthCheckResponse_ServingStatus) {
	if gp.health == nil {
		return
	}
	gp.health.SetServingStatus(fmt.Sprintf("%s/%s", topic, r), status)
}

// connNotifiee bridges libp2p connectedness to replica membership.
type connNotifiee struct {
	gp *Protocol
}

func (n *connNotifiee) Listen(network.Network, multiaddr.Multiaddr)      {}
func (n *connNotifiee) ListenClose(network.Network, multiaddr.Multiaddr) {}

func (n *connNotifiee) Connected(_ network.Network, conn network.Conn) {
	n.gp.replicaUp(presence.Replica(conn.RemotePeer().String()))
}

func (n *connNotifiee) Disconnected(_ network.Network, conn network.Conn) {
	n.gp.replicaDown(presence.Replica(conn.RemotePeer().String()))
}

// gossipLoop periodically pushes pending deltas to random peers.
func (gp *Protocol) gossipLoop() {
	ticker := time.NewTicker(gp.gossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gp.quit:
			return
		case <-ticker.C:
			gp.pushDeltas()
		}
	}
}

func (gp *Protocol) pushDeltas() {
	peers := gp.connectedPeers()
	if len(peers) == 0 {
		return
	}
	selected := selectRandomPeers(peers, gp.fanout)

	gp.shardsMutex.RLock()
	topics := make([]presence.Topic, 0, len(gp.shards))
	for t := range gp.shards {
		topics = append(topics, t)
	}
	gp.shardsMutex.RUnlock()

	for _, topic := range topics {
		sh := gp.shardFor(topic)
		sh.mu.Lock()
		if !sh.state.HasDelta() {
			sh.mu.Unlock()
			continue
		}
		delta := sh.state.Delta()
		payload, err := json.Marshal(delta)
		sh.state.ResetDelta()
		sh.mu.Unlock()

		if err != nil {
			log.Printf("gossip: failed to marshal delta for %s: %v", topic, err)
			continue
		}

		env := gp.newEnvelope(DeltaMessage, topic, payload)
		for _, p := range selected {
			gp.sendEnvelope(p, env)
		}
	}
}

// antiEntropyLoop periodically compares context digests with one
// random peer per shard, per spec.md's recommended periodic full
// reconciliation.
func (gp *Protocol) antiEntropyLoop() {
	ticker := time.NewTicker(gp.antiEntropyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gp.quit:
			return
		case <-ticker.C:
			gp.performAntiEntropy()
		}
	}
}

func (gp *Protocol) performAntiEntropy() {
	peers := gp.connectedPeers()
	if len(peers) == 0 {
		return
	}
	target := selectRandomPeers(peers, 1)[0]

	gp.shardsMutex.RLock()
	topics := make([]presence.Topic, 0, len(gp.shards))
	for t := range gp.shards {
		topics = append(topics, t)
	}
	gp.shardsMutex.RUnlock()

	for _, topic := range topics {
		_, ctx := gp.Clocks(topic)
		digest, err := storage.ContextDigest(ctx)
		if err != nil {
			log.Printf("gossip: failed to digest context for %s: %v", topic, err)
			continue
		}

		payload, _ := json.Marshal(antiEntropyPayload{Digest: digest})
		gp.sendEnvelope(target, gp.newEnvelope(AntiEntropyMessage, topic, payload))
	}
}

func (gp *Protocol) connectedPeers() []peer.ID {
	conns := gp.host.Network().Conns()
	peers := make([]peer.ID, 0, len(conns))
	seen := make(map[peer.ID]struct{}, len(conns))
	for _, c := range conns {
		p := c.RemotePeer()
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		peers = append(peers, p)
	}
	return peers
}

func (gp *Protocol) newEnvelope(t MessageType, topic presence.Topic, payload []byte) *Envelope {
	env := &Envelope{
		ID:        generateMessageID(),
		Type:      t,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
		Sender:    gp.host.ID(),
	}

	if gp.keyManager != nil {
		if sig, err := gp.keyManager.SignEnvelope(payload); err == nil {
			env.Signature = sig
		}
	}

	return env
}

// processMessages drains the incoming queue.
func (gp *Protocol) processMessages() {
	for {
		select {
		case <-gp.quit:
			return
		case env := <-gp.incoming:
			gp.handleEnvelope(env)
		}
	}
}

func (gp *Protocol) handleEnvelope(env *Envelope) {
	gp.peersMutex.Lock()
	if info, ok := gp.peers[env.Sender]; ok {
		info.LastSeen = time.Now()
	} else {
		gp.peers[env.Sender] = &PeerInfo{ID: env.Sender, LastSeen: time.Now()}
	}
	gp.peersMutex.Unlock()

	switch env.Type {
	case DeltaMessage:
		gp.handleDelta(env)
	case StateMessage:
		gp.handleState(env)
	case AntiEntropyMessage:
		gp.handleAntiEntropy(env)
	}
}

func (gp *Protocol) handleDelta(env *Envelope) {
	var delta presence.Delta
	if err := json.Unmarshal(env.Payload, &delta); err != nil {
		log.Printf("gossip: failed to unmarshal delta: %v", err)
		return
	}

	sh := gp.shardFor(env.Topic)
	sh.mu.Lock()
	joins, leaves := sh.state.MergeDelta(&delta)
	sh.mu.Unlock()

	gp.persistShard(env.Topic, sh)
	log.Printf("gossip: merged delta from %s on %s (+%d -%d)", env.Sender, env.Topic, len(joins), len(leaves))
}

func (gp *Protocol) handleState(env *Envelope) {
	var payload StatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		log.Printf("gossip: failed to unmarshal state: %v", err)
		return
	}

	sh := gp.shardFor(env.Topic)
	sh.mu.Lock()
	// Resolves spec.md §9's open question: Merge never inserts the
	// remote replica into the membership map on its own, so the
	// gossip layer marks it Up before merging its state.
	sh.state.ReplicaUp(payload.Snapshot.Replica)
	joins, leaves := sh.state.Merge(payload.Snapshot, payload.Values)
	sh.mu.Unlock()

	gp.persistShard(env.Topic, sh)
	log.Printf("gossip: merged full state from %s on %s (+%d -%d)", env.Sender, env.Topic, len(joins), len(leaves))
}

func (gp *Protocol) handleAntiEntropy(env *Envelope) {
	var remote antiEntropyPayload
	if err := json.Unmarshal(env.Payload, &remote); err != nil {
		log.Printf("gossip: failed to unmarshal anti-entropy digest: %v", err)
		return
	}

	_, ctx := gp.Clocks(env.Topic)
	localDigest, err := storage.ContextDigest(ctx)
	if err != nil {
		log.Printf("gossip: failed to digest local context for %s: %v", env.Topic, err)
		return
	}

	if localDigest == remote.Digest {
		return
	}

	sh := gp.shardFor(env.Topic)
	sh.mu.Lock()
	snap, values := sh.state.Extract()
	sh.mu.Unlock()

	payload, err := json.Marshal(StatePayload{Snapshot: snap, Values: values})
	if err != nil {
		log.Printf("gossip: failed to marshal reconciliation state: %v", err)
		return
	}

	gp.sendEnvelope(env.Sender, gp.newEnvelope(StateMessage, env.Topic, payload))
	gp.audit.LogSecurityEvent("anti-entropy-reconcile", fmt.Sprintf("topic=%s peer=%s", env.Topic, env.Sender))
}

func (gp *Protocol) persistShard(topic presence.Topic, sh *shard) {
	if gp.store == nil {
		return
	}
	sh.mu.Lock()
	snap, values := sh.state.Extract()
	sh.mu.Unlock()

	if err := storage.SaveSnapshot(context.Background(), gp.store, topic, storage.ShardSnapshot{Snapshot: snap, Values: values}); err != nil {
		log.Printf("gossip: failed to persist shard %s: %v", topic, err)
	}
}

// handleStream handles incoming streams.
func (gp *Protocol) handleStream(s network.Stream) {
	defer s.Close()

	var env Envelope
	if err := json.NewDecoder(s).Decode(&env); err != nil {
		log.Printf("gossip: failed to decode envelope: %v", err)
		return
	}

	select {
	case gp.incoming <- &env:
	default:
		log.Println("gossip: incoming queue full, dropping envelope")
	}
}

// sendEnvelope opens a stream to peerID and writes env.
func (gp *Protocol) sendEnvelope(peerID peer.ID, env *Envelope) {
	s, err := gp.host.NewStream(context.Background(), peerID, streamProtocol)
	if err != nil {
		log.Printf("gossip: failed to open stream to %s: %v", peerID, err)
		return
	}
	defer s.Close()

	if err := json.NewEncoder(s).Encode(env); err != nil {
		log.Printf("gossip: failed to send envelope to %s: %v", peerID, err)
	}
}

func selectRandomPeers(peers []peer.ID, n int) []peer.ID {
	if len(peers) <= n {
		return peers
	}

	pool := append([]peer.ID(nil), peers...)
	selected := make([]peer.ID, n)
	for i := 0; i < n; i++ {
		idx := make([]byte, 1)
		rand.Read(idx)
		index := int(idx[0]) % len(pool)
		selected[i] = pool[index]
		pool = append(pool[:index], pool[index+1:]...)
	}

	return selected
}

func generateMessageID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
