package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rechain/presence/internal/api"
	"github.com/rechain/presence/internal/blobstore"
	"github.com/rechain/presence/internal/gossip"
	"github.com/rechain/presence/internal/presence"
	"github.com/rechain/presence/internal/security"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	km, err := security.NewKeyManager()
	require.NoError(t, err)

	gp, err := gossip.NewProtocol("/ip4/127.0.0.1/tcp/0", presence.Replica("replica-test"), km, nil)
	require.NoError(t, err)
	t.Cleanup(func() { gp.Stop() })

	srv := api.NewServer(gp, nil, km)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return ts
}

func TestRESTIntegration(t *testing.T) {
	ts := newTestServer(t)

	t.Run("Health Check", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("Join Then Appears Online", func(t *testing.T) {
		joinReq := map[string]interface{}{
			"owner": "alice",
			"key":   "session-1",
			"meta":  map[string]interface{}{"status": "online"},
		}
		joinJSON, _ := json.Marshal(joinReq)

		resp, err := http.Post(ts.URL+"/v1/replicas/replica-test/topics/lobby/members", "application/json", bytes.NewReader(joinJSON))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		resp2, err := http.Get(ts.URL + "/v1/replicas/replica-test/topics/lobby")
		require.NoError(t, err)
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)

		var getResp map[string]interface{}
		require.NoError(t, json.NewDecoder(resp2.Body).Decode(&getResp))
		assert.EqualValues(t, 1, getResp["count"])
	})

	t.Run("Leave Removes Member", func(t *testing.T) {
		joinReq := map[string]interface{}{"owner": "bob", "key": "session-2"}
		joinJSON, _ := json.Marshal(joinReq)

		resp, err := http.Post(ts.URL+"/v1/replicas/replica-test/topics/lobby/members", "application/json", bytes.NewReader(joinJSON))
		require.NoError(t, err)
		resp.Body.Close()

		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/replicas/replica-test/topics/lobby/members/bob/session-2", nil)
		require.NoError(t, err)

		resp2, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)

		var leaveResp map[string]interface{}
		require.NoError(t, json.NewDecoder(resp2.Body).Decode(&leaveResp))
		assert.Len(t, leaveResp["removed"], 1)
	})

	t.Run("Clocks Reflects Local Activity", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/v1/replicas/replica-test/clocks?topic=lobby")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var clocksResp map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&clocksResp))
		assert.Equal(t, "replica-test", clocksResp["replica"])
	})
}

func TestSecurityIntegration(t *testing.T) {
	km, err := security.NewKeyManager()
	require.NoError(t, err)

	t.Run("Encrypt/Decrypt Envelope", func(t *testing.T) {
		plaintext := []byte("sensitive presence metadata")

		ciphertext, encryptedKey, err := km.EncryptEnvelope(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		decrypted, err := km.DecryptEnvelope(ciphertext, encryptedKey)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("Sign/Verify Envelope", func(t *testing.T) {
		data := []byte("gossip envelope payload")

		signature, err := km.SignEnvelope(data)
		require.NoError(t, err)
		assert.NotEmpty(t, signature)

		assert.NoError(t, km.VerifyEnvelope(data, signature))
		assert.Error(t, km.VerifyEnvelope([]byte("tampered"), signature))
	})
}

func TestBlobstoreIntegration(t *testing.T) {
	bs, err := blobstore.New("localhost:9000", "presence", "presence123", "presence-test", false, 1024*1024)
	if err != nil {
		t.Skip("no MinIO endpoint available, skipping blobstore integration test")
	}

	t.Run("Store and Retrieve", func(t *testing.T) {
		data := []byte("overflow meta payload")

		info, err := bs.Store(context.Background(), bytes.NewReader(data), map[string]string{"kind": "test"})
		require.NoError(t, err)
		assert.NotEmpty(t, info.CID)

		reader, err := bs.Retrieve(context.Background(), info.CID)
		require.NoError(t, err)
		defer reader.Close()
	})
}

func TestOverflowMetaIntegration(t *testing.T) {
	bs, err := blobstore.New("localhost:9000", "presence", "presence123", "presence-test", false, 1024*1024)
	if err != nil {
		t.Skip("no MinIO endpoint available, skipping overflow meta integration test")
	}

	km, err := security.NewKeyManager()
	require.NoError(t, err)

	gp, err := gossip.NewProtocol("/ip4/127.0.0.1/tcp/0", presence.Replica("replica-test"), km, nil)
	require.NoError(t, err)
	t.Cleanup(func() { gp.Stop() })

	srv := api.NewServer(gp, bs, km)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	// A meta map past the inline limit must round-trip through
	// blobstore transparently: stored as a "_blob" reference, resolved
	// back to the original map on read.
	bigStatus := make([]byte, 2048)
	for i := range bigStatus {
		bigStatus[i] = 'a'
	}

	joinReq := map[string]interface{}{
		"owner": "carol",
		"key":   "session-overflow",
		"meta":  map[string]interface{}{"status": string(bigStatus)},
	}
	joinJSON, _ := json.Marshal(joinReq)

	resp, err := http.Post(ts.URL+"/v1/replicas/replica-test/topics/lobby/members", "application/json", bytes.NewReader(joinJSON))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/v1/replicas/replica-test/topics/lobby")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var getResp struct {
		Members []struct {
			Owner string                 `json:"Owner"`
			Meta  map[string]interface{} `json:"Meta"`
		} `json:"members"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&getResp))

	found := false
	for _, m := range getResp.Members {
		if m.Owner != "carol" {
			continue
		}
		found = true
		assert.Equal(t, string(bigStatus), m.Meta["status"])
		_, stillBlobRef := m.Meta["_blob"]
		assert.False(t, stillBlobRef, "resolved meta must not still carry the _blob reference")
	}
	assert.True(t, found, "expected carol's element in the online list")
}
