package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/devrev/pairdoc/internal/config"
	apierrors "github.com/devrev/pairdoc/internal/errors"
	"github.com/devrev/pairdoc/internal/handler"
	"github.com/devrev/pairdoc/internal/health"
	"github.com/devrev/pairdoc/internal/hub"
	"github.com/devrev/pairdoc/internal/metrics"
	"github.com/devrev/pairdoc/internal/model"
	"github.com/devrev/pairdoc/internal/service"
	"github.com/devrev/pairdoc/internal/store"
	"github.com/devrev/pairdoc/internal/transform"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testStack struct {
	srv       *httptest.Server
	documents *store.MemoryDocumentSource
	hub       *hub.Hub
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := zap.NewNop()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.RateLimiter.Enabled = false

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	m := metrics.NewMetrics(prometheus.NewRegistry())
	versions := store.NewRedisVersionStore(client, "", logger)
	documents := store.NewMemoryDocumentSource(logger)
	queue := service.NewPersistenceQueue(&service.QueueConfig{Capacity: 10, Logger: logger, Metrics: m})
	svc := service.NewSyncService(versions, documents, transform.NewTextEngine(), queue, 100, m, logger)

	h := hub.New(hub.DefaultConfig(), m, logger)
	errorHandler := apierrors.NewHandler(logger)
	handlers := handler.NewHandlers(svc, h, errorHandler, logger, cfg.Server.RequestTimeout)
	healthCheck := health.NewHealthCheck(map[string]health.Pinger{
		"redis":     versions,
		"documents": documents,
	}, m, logger)

	s := NewServer(cfg, handlers, h, healthCheck, errorHandler, m, logger)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testStack{srv: srv, documents: documents, hub: h}
}

func (s *testStack) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.srv.URL+APIPrefix+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testStack) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ev := readEvent(t, conn)
	require.Equal(t, model.EventConnectionID, ev.Kind)
	var id string
	require.NoError(t, json.Unmarshal(ev.Payload, &id))
	return conn, id
}

func readEvent(t *testing.T, conn *websocket.Conn) model.HubEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev model.HubEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func join(t *testing.T, conn *websocket.Conn, room, user string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(&model.HubCommand{Command: model.CommandJoinGroup, RoomName: room, CurrentUser: user}))
}

func TestServer_EditSession(t *testing.T) {
	stack := newTestStack(t)
	stack.documents.Put("notes.txt", []byte("hello"))

	resp := stack.post(t, "/ImportFile", model.FileInfo{FileName: "notes.txt", DocumentOwner: "R1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var imported model.DocumentContent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&imported))
	assert.Equal(t, 0, imported.Version)
	assert.JSONEq(t, `"hello"`, string(imported.Document))

	a, aID := stack.dial(t)
	b, _ := stack.dial(t)
	join(t, a, "R1", "alice")
	readEvent(t, a)
	join(t, b, "R1", "bob")
	readEvent(t, a)
	readEvent(t, b)

	resp = stack.post(t, "/UpdateAction", &model.Operation{
		RoomName:     "R1",
		ConnectionID: aID,
		CurrentUser:  "alice",
		Payload:      json.RawMessage(`{"type":"insert","pos":0,"value":"X"}`),
		Version:      0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var committed model.Operation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&committed))
	assert.Equal(t, 1, committed.Version)
	assert.True(t, committed.IsTransformed)

	ev := readEvent(t, b)
	assert.Equal(t, model.EventAction, ev.Kind)
	var relayed model.Operation
	require.NoError(t, json.Unmarshal(ev.Payload, &relayed))
	assert.Equal(t, 1, relayed.Version)
	assert.Equal(t, aID, relayed.ConnectionID)

	// B catches up from scratch
	resp = stack.post(t, "/GetActionsFromServer", &model.Operation{RoomName: "R1", Version: 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, handler.SyncStatusOK, resp.Header.Get(handler.SyncStatusHeader))
	var missing []model.Operation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&missing))
	require.Len(t, missing, 1)
	assert.JSONEq(t, `{"type":"insert","pos":0,"value":"X"}`, string(missing[0].Payload))

	// A late joiner sees the edit folded in
	resp = stack.post(t, "/ImportFile", model.FileInfo{FileName: "notes.txt", DocumentOwner: "R1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&imported))
	assert.Equal(t, 1, imported.Version)
	assert.JSONEq(t, `"Xhello"`, string(imported.Document))
}

func TestServer_HealthEndpoints(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Get(stack.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	ready, err := http.Get(stack.srv.URL + "/ready")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestServer_UnknownRoutes(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Get(stack.srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	wrong, err := http.Get(stack.srv.URL + APIPrefix + "/UpdateAction")
	require.NoError(t, err)
	defer wrong.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, wrong.StatusCode)
}

func TestServer_Preflight(t *testing.T) {
	stack := newTestStack(t)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodOptions, stack.srv.URL+APIPrefix+"/UpdateAction", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://editor.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://editor.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
