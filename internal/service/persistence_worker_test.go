package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/devrev/pairdoc/internal/metrics"
	"github.com/devrev/pairdoc/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPersistenceWorker_RunFoldsPartialSaves(t *testing.T) {
	env := newTestEnv(t, 2, 10)

	env.documents.Put("notes.txt", nil)
	_, err := env.service.Import(context.Background(), "notes.txt", "R1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.worker.Run(ctx) }()

	for i := 0; i < 5; i++ {
		env.submit(t, "R1", "A", i, fmt.Sprintf("op%d", i+1))
	}

	require.Eventually(t, func() bool {
		return env.queue.Stats().Completed == 2
	}, 2*time.Second, 10*time.Millisecond)

	doc, err := env.documents.Load(context.Background(), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, 4, doc.Version)
	assert.Equal(t, "op1\nop2\nop3\nop4\n", string(doc.Content))

	// Folded versions beyond the retained tail are gone
	_, err = env.service.GetMissing(context.Background(), "R1", 1)
	assert.ErrorIs(t, err, ErrStaleVersion)

	ops, err := env.service.GetMissing(context.Background(), "R1", 4-testRetain)
	require.NoError(t, err)
	require.Len(t, ops, testRetain+1)
	assert.Equal(t, 5, ops[len(ops)-1].Version)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Empty(t, env.worker.Failed())
}

func TestPersistenceWorker_RunStopsWhenQueueClosed(t *testing.T) {
	env := newTestEnv(t, 100, 10)

	done := make(chan error, 1)
	go func() { done <- env.worker.Run(context.Background()) }()

	env.queue.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestPersistenceWorker_SkipsFoldedVersions(t *testing.T) {
	env := newTestEnv(t, 100, 10)
	ctx := context.Background()

	env.documents.Put("notes.txt", nil)
	_, err := env.service.Import(ctx, "notes.txt", "R1")
	require.NoError(t, err)

	var batch []*model.Operation
	for i := 0; i < 3; i++ {
		batch = append(batch, env.submit(t, "R1", "A", i, fmt.Sprintf("op%d", i+1)))
	}
	require.NoError(t, env.documents.Save(ctx, &model.Document{Name: "notes.txt", Content: []byte("op1\nop2\n"), Version: 2}))

	folded, err := env.worker.Save(ctx, &model.SaveInfo{RoomName: "R1", PartialSave: true, Operations: batch})
	require.NoError(t, err)
	assert.Equal(t, 1, folded)

	doc, err := env.documents.Load(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Version)
	assert.Equal(t, "op1\nop2\nop3\n", string(doc.Content))
}

func TestPersistenceWorker_FillsGapFromStore(t *testing.T) {
	env := newTestEnv(t, 100, 10)
	ctx := context.Background()

	env.documents.Put("notes.txt", nil)
	_, err := env.service.Import(ctx, "notes.txt", "R1")
	require.NoError(t, err)

	var batch []*model.Operation
	for i := 0; i < 3; i++ {
		batch = append(batch, env.submit(t, "R1", "A", i, fmt.Sprintf("op%d", i+1)))
	}

	// Version 2 is missing from the batch
	folded, err := env.worker.Save(ctx, &model.SaveInfo{
		RoomName:    "R1",
		PartialSave: true,
		Operations:  []*model.Operation{batch[0], batch[2]},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, folded)

	doc, err := env.documents.Load(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "op1\nop2\nop3\n", string(doc.Content))
}

func TestPersistenceWorker_FullSaveKeepsNewerOperations(t *testing.T) {
	env := newTestEnv(t, 100, 10)
	ctx := context.Background()

	env.documents.Put("notes.txt", nil)
	_, err := env.service.Import(ctx, "notes.txt", "R1")
	require.NoError(t, err)

	env.submit(t, "R1", "A", 0, "a")
	require.NoError(t, env.service.RequestFullSave(ctx, "R1"))
	// Someone rejoined before the save ran
	env.submit(t, "R1", "B", 1, "b")

	info, err := env.queue.Dequeue(ctx)
	require.NoError(t, err)
	_, err = env.worker.Save(ctx, info)
	require.NoError(t, err)

	ops, err := env.service.GetMissing(ctx, "R1", 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 2, ops[0].Version)
}

func TestPersistenceWorker_FailureIsReported(t *testing.T) {
	versions := new(MockVersionStore)
	documents := new(MockDocumentSource)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	queue := NewPersistenceQueue(&QueueConfig{Capacity: 4, Metrics: m})
	worker := NewPersistenceWorker(queue, versions, documents, tagEngine{}, testRetain, m, zap.NewNop())

	documents.On("DocumentForRoom", mock.Anything, "R1").Return("notes.txt", nil)
	documents.On("Load", mock.Anything, "notes.txt").Return(nil, errors.New("blob store unavailable"))

	info := &model.SaveInfo{
		RoomName:    "R1",
		PartialSave: true,
		Operations:  []*model.Operation{{RoomName: "R1", Payload: stringPayload("x"), Version: 1, IsTransformed: true}},
	}
	require.NoError(t, queue.Enqueue(context.Background(), info))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	select {
	case failure := <-worker.Failures():
		assert.Equal(t, info, failure.Info)
		assert.ErrorContains(t, failure, "blob store unavailable")
	case <-time.After(2 * time.Second):
		t.Fatal("failure was not reported")
	}

	require.Len(t, worker.Failed(), 1)
	assert.Equal(t, uint64(1), queue.Stats().Failed)
	versions.AssertNotCalled(t, "EvictCleared", mock.Anything, mock.Anything, mock.Anything)
}
