package tasklog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "vd-catalogd.io/catalogd/internal/pkg/errors"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := Task{
		ID:            uuid.New(),
		Kind:          "catalog.create",
		Catalog:       "Sales",
		CorrelationID: uuid.NewString(),
		Status:        StatusQueued,
	}
	require.NoError(t, store.Create(ctx, task))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.StartedAt)

	require.NoError(t, store.MarkRunning(ctx, task.ID))
	got, err = store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, store.MarkFinished(ctx, task.ID, StatusFailed, "script exited 1"))
	got, err = store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "script exited 1", got.Detail)
	assert.NotNil(t, got.FinishedAt)
}

func TestMemoryStoreUnknownID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, store.MarkRunning(ctx, uuid.New()), apperrors.ErrNotFound)
	assert.ErrorIs(t, store.MarkFinished(ctx, uuid.New(), StatusSucceeded, ""), apperrors.ErrNotFound)
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Create(ctx, Task{
			ID:        uuid.New(),
			Kind:      "catalog.create",
			Status:    StatusQueued,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	tasks, err := store.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.True(t, tasks[0].CreatedAt.After(tasks[1].CreatedAt))
	assert.True(t, tasks[1].CreatedAt.After(tasks[2].CreatedAt))
}

func TestMemoryStoreMarkOrphans(t *testing.T) {
	store := NewMemoryStore()
	n, err := store.MarkOrphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
