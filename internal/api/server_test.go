package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/ringkv/internal/metrics"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
)

type testSource struct {
	r *ring.Ring
}

func (s testSource) Ring() *ring.Ring { return s.r.Clone() }
func (s testSource) Role() string     { return "node" }
func (s testSource) Address() string  { return "127.0.0.1:5000" }

func createTestServer(t *testing.T, r *ring.Ring) (*Server, *httptest.Server) {
	t.Helper()
	server, err := NewServer(testSource{r: r}, metrics.NewPrometheusSink("127.0.0.1:5000"), pkg.NewNop())
	require.NoError(t, err)

	handler, err := server.Handler()
	require.NoError(t, err)

	server.Hub().Start()
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		server.Hub().Stop()
	})
	return server, ts
}

func createTestRing(t *testing.T) *ring.Ring {
	t.Helper()
	r := ring.New()
	_, err := r.Insert("127.0.0.1", 5000, "")
	require.NoError(t, err)
	_, err = r.Insert("127.0.0.1", 5001, "")
	require.NoError(t, err)
	return r
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, nil, pkg.NewNop())
	assert.Error(t, err)

	_, err = NewServer(testSource{r: ring.New()}, nil, nil)
	assert.Error(t, err)

	s, err := NewServer(testSource{r: ring.New()}, nil, pkg.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, s.Hub())
	assert.Empty(t, s.Addr())
}

func TestRoutes(t *testing.T) {
	r := createTestRing(t)
	_, ts := createTestServer(t, r)

	t.Run("health", func(t *testing.T) {
		code, body := getBody(t, ts.URL+"/health")
		assert.Equal(t, http.StatusOK, code)

		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(body), &out))
		assert.Equal(t, "ok", out["status"])
		assert.Equal(t, "node", out["role"])
	})

	t.Run("ring json", func(t *testing.T) {
		code, body := getBody(t, ts.URL+"/api/v1/ring")
		assert.Equal(t, http.StatusOK, code)

		var out struct {
			Size  float64 `json:"size"`
			Nodes []struct {
				Address string `json:"address"`
				Start   string `json:"start"`
				End     string `json:"end"`
			} `json:"nodes"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &out))
		assert.Equal(t, float64(2), out.Size)
		require.Len(t, out.Nodes, 2)
		assert.Equal(t, out.Nodes[0].End, out.Nodes[1].Start)
	})

	t.Run("ring text", func(t *testing.T) {
		code, body := getBody(t, ts.URL+"/api/v1/ring/text")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, r.String(), body)
	})

	t.Run("lookup", func(t *testing.T) {
		code, body := getBody(t, ts.URL+"/api/v1/lookup/user42")
		assert.Equal(t, http.StatusOK, code)

		owner, ok := r.LookupByHash(hash.Key("user42"))
		require.True(t, ok)
		assert.Contains(t, body, owner.Address())
		assert.Contains(t, body, hash.Key("user42").String())
	})

	t.Run("metrics", func(t *testing.T) {
		code, _ := getBody(t, ts.URL+"/metrics")
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("unknown path", func(t *testing.T) {
		code, _ := getBody(t, ts.URL+"/api/v1/nothing")
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("cors preflight", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/ring", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

func TestLookupEmptyRing(t *testing.T) {
	_, ts := createTestServer(t, ring.New())

	code, _ := getBody(t, ts.URL+"/api/v1/lookup/k")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestWebSocketEvents(t *testing.T) {
	server, ts := createTestServer(t, createTestRing(t))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return server.Hub().Clients() == 1
	}, 2*time.Second, 10*time.Millisecond)

	server.Hub().Publish(Event{Type: EventNodeJoin, Node: "127.0.0.1:5002"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, EventNodeJoin, ev.Type)
	assert.Equal(t, "127.0.0.1:5002", ev.Node)
	assert.False(t, ev.Time.IsZero())
}

func TestHubStop(t *testing.T) {
	hub := NewWebSocketHub(nil)
	hub.Start()
	hub.Publish(Event{Type: EventOffload})
	hub.Stop()
	hub.Stop()
	assert.Equal(t, 0, hub.Clients())

	NopPublisher().Publish(Event{Type: EventOffload})
}
