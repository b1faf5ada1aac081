package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/devrev/pairdoc/internal/metrics"
	"github.com/devrev/pairdoc/internal/model"
	"github.com/devrev/pairdoc/internal/store"
	"github.com/devrev/pairdoc/internal/transform"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// MockVersionStore is a mock implementation of VersionStore
type MockVersionStore struct {
	mock.Mock
}

func (m *MockVersionStore) Insert(ctx context.Context, op *model.Operation, threshold int) (*model.InsertResult, error) {
	args := m.Called(ctx, op, threshold)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.InsertResult), args.Error(1)
}

func (m *MockVersionStore) UpdateRecord(ctx context.Context, op *model.Operation) (bool, error) {
	args := m.Called(ctx, op)
	return args.Bool(0), args.Error(1)
}

func (m *MockVersionStore) EffectivePendingOperations(ctx context.Context, roomName string, startVersion int) ([]*model.Operation, error) {
	args := m.Called(ctx, roomName, startVersion)
	return args.Get(0).([]*model.Operation), args.Error(1)
}

func (m *MockVersionStore) PendingOperations(ctx context.Context, roomName string, startVersion, endVersion int) ([]*model.Operation, error) {
	args := m.Called(ctx, roomName, startVersion, endVersion)
	return args.Get(0).([]*model.Operation), args.Error(1)
}

func (m *MockVersionStore) EvictCleared(ctx context.Context, roomName string, uptoVersion int) (int, error) {
	args := m.Called(ctx, roomName, uptoVersion)
	return args.Int(0), args.Error(1)
}

func (m *MockVersionStore) ResetRoom(ctx context.Context, roomName string, lastVersion int) (bool, error) {
	args := m.Called(ctx, roomName, lastVersion)
	return args.Bool(0), args.Error(1)
}

func (m *MockVersionStore) SeedRoom(ctx context.Context, roomName string, version int) (bool, error) {
	args := m.Called(ctx, roomName, version)
	return args.Bool(0), args.Error(1)
}

func (m *MockVersionStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockVersionStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockDocumentSource is a mock implementation of DocumentSource
type MockDocumentSource struct {
	mock.Mock
}

func (m *MockDocumentSource) Load(ctx context.Context, name string) (*model.Document, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockDocumentSource) Save(ctx context.Context, doc *model.Document) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

func (m *MockDocumentSource) BindRoom(ctx context.Context, roomName, documentName string) error {
	args := m.Called(ctx, roomName, documentName)
	return args.Error(0)
}

func (m *MockDocumentSource) DocumentForRoom(ctx context.Context, roomName string) (string, error) {
	args := m.Called(ctx, roomName)
	return args.String(0), args.Error(1)
}

func (m *MockDocumentSource) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDocumentSource) Close() {
	m.Called()
}

// tagEngine is a deterministic engine over JSON string payloads. Resolve
// appends "|after:<v>" for every concurrent version, Apply appends the
// payload and a newline to the document.
type tagEngine struct{}

func (tagEngine) Name() string { return "tag" }

func (tagEngine) Validate(payload json.RawMessage) error {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return transform.ErrInvalidPayload
	}
	return nil
}

func (tagEngine) Resolve(op *model.Operation, log []*model.Operation) (*model.Operation, error) {
	if op.IsTransformed {
		return op, nil
	}
	var s string
	if err := json.Unmarshal(op.Payload, &s); err != nil {
		return nil, transform.ErrInvalidPayload
	}
	for _, prev := range log {
		if !prev.Discarded && op.ConcurrentWith(prev) {
			s += fmt.Sprintf("|after:%d", prev.Version)
		}
	}
	out := op.Clone()
	out.Payload, _ = json.Marshal(s)
	out.IsTransformed = true
	return out, nil
}

func (tagEngine) Apply(doc []byte, op *model.Operation) ([]byte, error) {
	var s string
	if err := json.Unmarshal(op.Payload, &s); err != nil {
		return nil, transform.ErrInvalidPayload
	}
	return append(doc, s+"\n"...), nil
}

func payloadOf(t *testing.T, op *model.Operation) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(op.Payload, &s); err != nil {
		t.Fatalf("payload of version %d: %v", op.Version, err)
	}
	return s
}

func stringPayload(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

type testEnv struct {
	mr        *miniredis.Miniredis
	versions  *store.RedisVersionStore
	documents *store.MemoryDocumentSource
	queue     *PersistenceQueue
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	service   *SyncService
	worker    *PersistenceWorker
}

// testRetain is how many persisted versions the test worker keeps readable
const testRetain = 2

func newTestEnv(t *testing.T, threshold, capacity int) *testEnv {
	t.Helper()
	return newTestEnvWith(t, tagEngine{}, threshold, capacity)
}

func newTestEnvWith(t *testing.T, engine transform.Engine, threshold, capacity int) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	versions := store.NewRedisVersionStore(client, "", logger)
	t.Cleanup(func() { versions.Close() })

	documents := store.NewMemoryDocumentSource(logger)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	queue := NewPersistenceQueue(&QueueConfig{Capacity: capacity, Logger: logger, Metrics: m})

	return &testEnv{
		mr:        mr,
		versions:  versions,
		documents: documents,
		queue:     queue,
		registry:  reg,
		metrics:   m,
		service:   NewSyncService(versions, documents, engine, queue, threshold, m, logger),
		worker:    NewPersistenceWorker(queue, versions, documents, engine, testRetain, m, logger),
	}
}

func (e *testEnv) submit(t *testing.T, room, conn string, base int, payload string) *model.Operation {
	t.Helper()
	op, err := e.service.Submit(context.Background(), &model.Operation{
		RoomName:     room,
		ConnectionID: conn,
		CurrentUser:  conn,
		Payload:      stringPayload(payload),
		Version:      base,
	})
	if err != nil {
		t.Fatalf("submit %q: %v", payload, err)
	}
	return op
}

func (e *testEnv) assertDiscards(t *testing.T, reason string, n int) {
	t.Helper()
	expected := fmt.Sprintf(`
# HELP collab_discarded_operations_total Logged operations replaced by an empty edit, by reason
# TYPE collab_discarded_operations_total counter
collab_discarded_operations_total{reason=%q} %d
`, reason, n)
	assert.NoError(t, testutil.GatherAndCompare(e.registry, strings.NewReader(expected),
		"collab_discarded_operations_total"))
}

// flakyVersionStore fails the next failures attempts to record a final form.
// Discards go through so an abandoned submit can clean up.
type flakyVersionStore struct {
	*store.RedisVersionStore
	failures int
}

func (f *flakyVersionStore) UpdateRecord(ctx context.Context, op *model.Operation) (bool, error) {
	if f.failures > 0 && !op.Discarded {
		f.failures--
		return false, fmt.Errorf("connection reset by peer")
	}
	return f.RedisVersionStore.UpdateRecord(ctx, op)
}
