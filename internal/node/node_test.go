package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lukw00heck/av-service/internal/config"
	"github.com/lukw00heck/av-service/internal/netmon"
	"github.com/lukw00heck/av-service/internal/replication"
	"github.com/lukw00heck/av-service/pkg/bytesize"
	"github.com/lukw00heck/av-service/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "cluster-secret"

func testConfig(id, listen string) *config.NodeConfig {
	cfg := &config.NodeConfig{
		NodeID:            id,
		Listen:            listen,
		Store:             config.StoreMemory,
		AuthToken:         testToken,
		ReplicationCount:  1,
		ResponseTimeout:   config.Duration(500 * time.Millisecond),
		DiscoveryInterval: config.Duration(50 * time.Millisecond),
		RateLimit:         -1,
	}
	cfg.ApplyDefaults()
	return cfg
}

func startNode(t *testing.T, cfg *config.NodeConfig) (*Node, string) {
	t.Helper()
	return startNodeWith(t, cfg, Options{Logger: zerolog.Nop()})
}

func startNodeWith(t *testing.T, cfg *config.NodeConfig, opts Options) (*Node, string) {
	t.Helper()

	opts.Registry = prometheus.NewRegistry()
	n, err := New(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop() })

	return n, "http://" + n.Addr()
}

func do(t *testing.T, method, url string, body []byte, token string) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig("", "127.0.0.1:0")
	_, err := New(cfg, Options{Logger: zerolog.Nop(), Registry: prometheus.NewRegistry()})
	assert.Error(t, err)
}

func TestNode_FileLifecycle(t *testing.T) {
	_, base := startNode(t, testConfig("solo", "127.0.0.1:0"))
	file := base + "/api/files/alice/report.pdf"

	code, _ := do(t, http.MethodPut, file, []byte("v1"), testToken)
	assert.Equal(t, http.StatusCreated, code)

	code, body := do(t, http.MethodPut, file, []byte("v1"), testToken)
	assert.Equal(t, http.StatusConflict, code)
	var apiErr ErrorResponse
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Code)
	assert.Contains(t, apiErr.Message, "already exists")

	code, _ = do(t, http.MethodHead, file, nil, testToken)
	assert.Equal(t, http.StatusOK, code)

	code, body = do(t, http.MethodGet, file, nil, testToken)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "v1", string(body))

	code, _ = do(t, http.MethodPost, file, []byte("v2"), testToken)
	assert.Equal(t, http.StatusNoContent, code)

	code, body = do(t, http.MethodGet, file, nil, testToken)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "v2", string(body))

	code, body = do(t, http.MethodGet, file+"/status", nil, testToken)
	require.Equal(t, http.StatusOK, code)
	var report replication.StatusReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.True(t, report.Local)
	assert.Equal(t, 1, report.Copies)
	assert.Equal(t, 1, report.Target)

	code, _ = do(t, http.MethodDelete, file, nil, testToken)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = do(t, http.MethodGet, file, nil, testToken)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, http.MethodHead, file, nil, testToken)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, http.MethodDelete, file, nil, testToken)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, http.MethodPost, file, []byte("v3"), testToken)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = do(t, http.MethodGet, base+"/metrics", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `avstore_operations_total{node="solo",operation="save",result="ok"} 2`)
}

func TestTokenMatches(t *testing.T) {
	assert.True(t, tokenMatches("secret", "secret"))
	assert.False(t, tokenMatches("secreT", "secret"))
	assert.False(t, tokenMatches("secret", "secret2"))
	assert.False(t, tokenMatches("", ""), "an unset token never matches")
}

func TestNode_Auth(t *testing.T) {
	_, base := startNode(t, testConfig("solo", "127.0.0.1:0"))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"token prefix", "Bearer " + testToken[:len(testToken)-1], http.StatusUnauthorized},
		{"token with suffix", "Bearer " + testToken + "x", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, base+"/api/neighbors", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	code, body := do(t, http.MethodGet, base+"/healthz", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"ok"`)
}

func TestNode_StatusAndNeighbors(t *testing.T) {
	_, base := startNode(t, testConfig("solo", "127.0.0.1:0"))

	code, body := do(t, http.MethodGet, base+"/api/neighbors", nil, testToken)
	require.Equal(t, http.StatusOK, code)
	var neighbors NeighborsResponse
	require.NoError(t, json.Unmarshal(body, &neighbors))
	assert.Equal(t, "solo", neighbors.NodeID)
	assert.Empty(t, neighbors.Neighbors)
	assert.NotNil(t, neighbors.Neighbors, "an empty set encodes as []")

	code, body = do(t, http.MethodGet, base+"/status", nil, testToken)
	require.Equal(t, http.StatusOK, code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "solo", status.NodeID)
	assert.Equal(t, 1, status.ReplicationCount)
}

func TestNode_PayloadTooLarge(t *testing.T) {
	cfg := testConfig("solo", "127.0.0.1:0")
	cfg.MaxPayload = bytesize.Size(16)
	_, base := startNode(t, cfg)

	code, _ := do(t, http.MethodPut, base+"/api/files/alice/big.bin", []byte(strings.Repeat("x", 64)), testToken)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)

	code, _ = do(t, http.MethodGet, base+"/api/files/alice/big.bin", nil, testToken)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestNode_ReplicatesOverHTTP(t *testing.T) {
	addrA := fmt.Sprintf("127.0.0.1:%d", testutil.FreePort(t))
	addrB := fmt.Sprintf("127.0.0.1:%d", testutil.FreePort(t))
	peers := map[string]string{"a": addrA, "b": addrB}

	cfgA := testConfig("a", addrA)
	cfgA.ReplicationCount = 2
	cfgA.Peers = peers
	cfgB := testConfig("b", addrB)
	cfgB.ReplicationCount = 2
	cfgB.Peers = peers

	nodeA, baseA := startNode(t, cfgA)
	nodeB, baseB := startNode(t, cfgB)

	testutil.Eventually(t, 5*time.Second, func() bool {
		return nodeA.Replication().NeighborCount() == 1 && nodeB.Replication().NeighborCount() == 1
	}, "nodes did not discover each other")

	code, _ := do(t, http.MethodPut, baseA+"/api/files/bob/notes.txt", []byte("hello"), testToken)
	require.Equal(t, http.StatusCreated, code)

	code, body := do(t, http.MethodGet, baseB+"/api/files/bob/notes.txt/status", nil, testToken)
	require.Equal(t, http.StatusOK, code)
	var report replication.StatusReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.True(t, report.Local, "the save reached b")
	assert.Equal(t, []string{"a"}, report.Holders)
	assert.Equal(t, 2, report.Copies)

	code, body = do(t, http.MethodGet, baseB+"/api/files/bob/notes.txt", nil, testToken)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello", string(body))

	code, _ = do(t, http.MethodDelete, baseB+"/api/files/bob/notes.txt", nil, testToken)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = do(t, http.MethodHead, baseA+"/api/files/bob/notes.txt", nil, testToken)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestNode_AuditTrail(t *testing.T) {
	var logs testutil.SyncBuffer
	_, base := startNodeWith(t, testConfig("solo", "127.0.0.1:0"), Options{Logger: zerolog.New(&logs)})
	file := base + "/api/files/carol/plan.txt"

	code, _ := do(t, http.MethodPut, file, []byte("x"), "wrong")
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = do(t, http.MethodPut, file, []byte("x"), testToken)
	require.Equal(t, http.StatusCreated, code)
	code, _ = do(t, http.MethodGet, base+"/api/files/carol/missing.txt", nil, testToken)
	require.Equal(t, http.StatusNotFound, code)

	out := logs.String()
	assert.Contains(t, out, `"event_type":"auth","method":"bearer","result":"denied"`)
	assert.Contains(t, out, `"event_type":"file_operation","operation":"save","owner":"carol","filename":"plan.txt","result":"allowed"`)
	assert.Contains(t, out, `"operation":"load","owner":"carol","filename":"missing.txt","result":"failed"`)
}

func TestNode_Trace(t *testing.T) {
	_, base := startNode(t, testConfig("plain", "127.0.0.1:0"))
	code, _ := do(t, http.MethodGet, base+"/debug/trace", nil, testToken)
	assert.Equal(t, http.StatusNotFound, code)

	cfg := testConfig("traced", "127.0.0.1:0")
	cfg.Tracing = true
	_, base = startNode(t, cfg)

	code, _ = do(t, http.MethodGet, base+"/debug/trace", nil, "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := do(t, http.MethodGet, base+"/debug/trace", nil, testToken)
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body)
}

func TestNode_WatchNetworkRefreshesNeighbors(t *testing.T) {
	var (
		mu    sync.Mutex
		addrs = map[string]string{"eth0/10.0.0.5/24": "eth0"}
	)
	source := func() (map[string]string, error) {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]string, len(addrs))
		for k, v := range addrs {
			out[k] = v
		}
		return out, nil
	}

	cfg := testConfig("roaming", "127.0.0.1:0")
	cfg.WatchNetwork = true
	var logs testutil.SyncBuffer
	startNodeWith(t, cfg, Options{
		Logger: zerolog.New(&logs),
		Network: netmon.Config{
			PollInterval:     10 * time.Millisecond,
			DebounceInterval: 20 * time.Millisecond,
			Source:           source,
		},
	})

	mu.Lock()
	addrs = map[string]string{"wlan0/192.168.1.7/24": "wlan0"}
	mu.Unlock()

	testutil.Eventually(t, 5*time.Second, func() bool {
		return strings.Contains(logs.String(), "Network change, refreshing neighbors")
	}, "network change was not handled")
}
