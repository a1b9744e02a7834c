// Package api exposes the presence engine over REST and gRPC health
// checking.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rechain/presence/internal/blobstore"
	"github.com/rechain/presence/internal/gossip"
	"github.com/rechain/presence/internal/presence"
	"github.com/rechain/presence/internal/security"
)

// metaBlobKey is the reserved Meta key that carries a blobstore content
// ID in place of an inline map, per SPEC_FULL.md §3's overflow-storage
// supplement. The core presence package never looks at this key; only
// the API layer resolves it.
const metaBlobKey = "_blob"

// metaInlineLimit is the largest Meta encoding kept inline in the CRDT
// state. Bigger payloads are offloaded to blobstore and replaced with
// a "_blob" reference, keeping gossip envelopes bounded by spec.md
// §5's per-shard cost model instead of by caller-supplied Meta size.
const metaInlineLimit = 1024

// Server exposes a Protocol's shards over HTTP.
type Server struct {
	gossip     *gossip.Protocol
	blobstore  *blobstore.Blobstore
	security   *security.KeyManager
	audit      *security.AuditLogger
	httpServer *http.Server
	router     *mux.Router
}

// NewServer creates a new API server bound to gp's shards.
func NewServer(gp *gossip.Protocol, bs *blobstore.Blobstore, km *security.KeyManager) *Server {
	srv := &Server{
		gossip:    gp,
		blobstore: bs,
		security:  km,
		audit:     security.NewAuditLogger(true),
		router:    mux.NewRouter(),
	}

	srv.routes()

	return srv
}

// Start starts the API server.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	log.Printf("API server starting on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

// Router exposes the underlying mux.Router, for tests that want to
// drive the API through httptest.NewServer without a real listener.
func (s *Server) Router() *mux.Router {
	return s.router
}

// routes defines all API routes.
func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	s.router.HandleFunc("/v1/replicas/{replica}/topics/{topic}/members", s.handleJoin).Methods("POST")
	s.router.HandleFunc("/v1/replicas/{replica}/topics/{topic}/members/{owner}/{key}", s.handleLeaveByKey).Methods("DELETE")
	s.router.HandleFunc("/v1/replicas/{replica}/owners/{owner}", s.handleLeaveByOwner).Methods("DELETE")
	s.router.HandleFunc("/v1/replicas/{replica}/online", s.handleOnlineList).Methods("GET")
	s.router.HandleFunc("/v1/replicas/{replica}/topics/{topic}", s.handleGetByTopic).Methods("GET")
	s.router.HandleFunc("/v1/replicas/{replica}/clocks", s.handleClocks).Methods("GET")

	s.router.HandleFunc("/v1/blobs", s.handleStoreBlob).Methods("POST")
	s.router.HandleFunc("/v1/blobs/{cid}", s.handleGetBlob).Methods("GET")
	s.router.HandleFunc("/v1/blobs/{cid}", s.handleDeleteBlob).Methods("DELETE")
	s.router.HandleFunc("/v1/blobs", s.handleListBlobs).Methods("GET")
}

func (s *Server) respond(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("api: error encoding response: %v", err)
		}
	}
}

func (s *Server) error(w http.ResponseWriter, err error, status int) {
	s.respond(w, map[string]string{"error": err.Error()}, status)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.respond(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}, http.StatusOK)
}

// joinRequest is the body of a membership join.
type joinRequest struct {
	Owner string        `json:"owner"`
	Key   string        `json:"key"`
	Meta  presence.Meta `json:"meta"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	topic := presence.Topic(vars["topic"])

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, err, http.StatusBadRequest)
		return
	}

	meta, err := s.offloadMeta(r.Context(), req.Meta)
	if err != nil {
		s.error(w, fmt.Errorf("failed to offload meta to blobstore: %w", err), http.StatusInternalServerError)
		return
	}

	elem := s.gossip.Join(topic, presence.Owner(req.Owner), presence.Key(req.Key), meta)
	s.audit.LogAccess(fmt.Sprintf("topic/%s", topic), "join", req.Owner)
	s.respond(w, elem, http.StatusCreated)
}

// offloadMeta replaces meta with a {"_blob": cid} reference when its
// JSON encoding exceeds metaInlineLimit and a blobstore is configured,
// per SPEC_FULL.md §3. A nil blobstore (e.g. in tests driving only the
// presence engine) leaves meta inline regardless of size.
func (s *Server) offloadMeta(ctx context.Context, meta presence.Meta) (presence.Meta, error) {
	if s.blobstore == nil || len(meta) == 0 {
		return meta, nil
	}

	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode meta: %w", err)
	}
	if len(encoded) <= metaInlineLimit {
		return meta, nil
	}

	info, err := s.blobstore.Store(ctx, bytes.NewReader(encoded), map[string]string{"kind": "meta-overflow"})
	if err != nil {
		return nil, err
	}

	return presence.Meta{metaBlobKey: info.CID}, nil
}

// resolveMeta reverses offloadMeta: if elem's Meta carries a "_blob"
// reference, it is fetched from blobstore and unmarshaled back into an
// inline map before the element is returned to a caller. Elements
// whose Meta was never offloaded pass through unchanged.
func (s *Server) resolveMeta(ctx context.Context, elem presence.Element) presence.Element {
	cidRaw, ok := elem.Meta[metaBlobKey]
	if !ok || s.blobstore == nil {
		return elem
	}
	cid, ok := cidRaw.(string)
	if !ok {
		return elem
	}

	reader, err := s.blobstore.Retrieve(ctx, cid)
	if err != nil {
		log.Printf("api: failed to resolve overflow meta blob %s: %v", cid, err)
		return elem
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		log.Printf("api: failed to read overflow meta blob %s: %v", cid, err)
		return elem
	}

	var resolved presence.Meta
	if err := json.Unmarshal(data, &resolved); err != nil {
		log.Printf("api: failed to decode overflow meta blob %s: %v", cid, err)
		return elem
	}

	elem.Meta = resolved
	return elem
}

// resolveMetaAll applies resolveMeta across a slice of elements, for
// the online_list/get_by_topic read paths.
func (s *Server) resolveMetaAll(ctx context.Context, elems []presence.Element) []presence.Element {
	if s.blobstore == nil {
		return elems
	}
	for i, elem := range elems {
		elems[i] = s.resolveMeta(ctx, elem)
	}
	return elems
}

func (s *Server) handleLeaveByKey(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	topic := presence.Topic(vars["topic"])
	owner := presence.Owner(vars["owner"])
	key := presence.Key(vars["key"])

	removed := s.gossip.Leave(topic, owner, key)
	s.audit.LogAccess(fmt.Sprintf("topic/%s", topic), "leave", string(owner))
	s.respond(w, map[string]interface{}{"removed": removed}, http.StatusOK)
}

func (s *Server) handleLeaveByOwner(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owner := presence.Owner(vars["owner"])

	s.error(w, fmt.Errorf("leave by owner requires a topic until cross-shard fan-out is implemented: %s", owner), http.StatusNotImplemented)
}

func (s *Server) handleOnlineList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		s.error(w, fmt.Errorf("missing required 'topic' query parameter"), http.StatusBadRequest)
		return
	}

	_ = vars["replica"]
	elems := s.resolveMetaAll(r.Context(), s.gossip.OnlineList(presence.Topic(topic)))
	s.respond(w, map[string]interface{}{"members": elems, "count": len(elems)}, http.StatusOK)
}

func (s *Server) handleGetByTopic(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	topic := presence.Topic(vars["topic"])

	elems := s.resolveMetaAll(r.Context(), s.gossip.OnlineList(topic))
	s.respond(w, map[string]interface{}{"members": elems, "count": len(elems)}, http.StatusOK)
}

func (s *Server) handleClocks(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		s.error(w, fmt.Errorf("missing required 'topic' query parameter"), http.StatusBadRequest)
		return
	}

	replica, ctx := s.gossip.Clocks(presence.Topic(topic))
	s.respond(w, map[string]interface{}{"replica": replica, "context": ctx}, http.StatusOK)
}

func (s *Server) handleStoreBlob(w http.ResponseWriter, r *http.Request) {
	metadata := make(map[string]string)
	for key, values := range r.Header {
		if len(values) > 0 && key != "Content-Type" {
			metadata[key] = values[0]
		}
	}

	info, err := s.blobstore.Store(r.Context(), r.Body, metadata)
	if err != nil {
		s.error(w, fmt.Errorf("failed to store blob: %w", err), http.StatusInternalServerError)
		return
	}

	s.respond(w, info, http.StatusCreated)
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cid := vars["cid"]

	reader, err := s.blobstore.Retrieve(r.Context(), cid)
	if err != nil {
		s.error(w, fmt.Errorf("failed to retrieve blob: %w", err), http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Content-ID", cid)
	if _, err := io.Copy(w, reader); err != nil {
		log.Printf("api: error streaming blob %s: %v", cid, err)
	}
}

func (s *Server) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cid := vars["cid"]

	if err := s.blobstore.Delete(r.Context(), cid); err != nil {
		s.error(w, fmt.Errorf("failed to delete blob: %w", err), http.StatusInternalServerError)
		return
	}

	s.respond(w, map[string]string{"message": "blob deleted"}, http.StatusOK)
}

func (s *Server) handleListBlobs(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	objects, err := s.blobstore.List(r.Context(), prefix)
	if err != nil {
		s.error(w, fmt.Errorf("failed to list blobs: %w", err), http.StatusInternalServerError)
		return
	}

	s.respond(w, map[string]interface{}{"blobs": objects, "count": len(objects)}, http.StatusOK)
}
