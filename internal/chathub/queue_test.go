package chathub_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatpair/backend/internal/chathub"
	"chatpair/backend/internal/models"
	"chatpair/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func entry(id string, g models.Gender, f models.Filter, offset time.Duration) models.QueueEntry {
	return models.QueueEntry{UserID: id, Gender: g, Filter: f, EnqueuedAt: t0.Add(offset)}
}

func TestEnqueue_NoDuplicateQueueing(t *testing.T) {
	ctx := context.Background()
	q := chathub.NewSearchQueue(storage.NewMemoryStore())

	require.NoError(t, q.Enqueue(ctx, entry("u1", models.GenderMale, models.FilterAny, 0)))

	err := q.Enqueue(ctx, entry("u1", models.GenderMale, models.FilterFemale, time.Second))
	assert.ErrorIs(t, err, models.ErrAlreadyQueued)

	all, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.FilterAny, all[0].Filter)
}

func TestEnqueue_ConcurrentAcrossQueues(t *testing.T) {
	ctx := context.Background()
	q := chathub.NewSearchQueue(storage.NewMemoryStore())

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		f := models.Filters[i%len(models.Filters)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.Enqueue(ctx, entry("u1", models.GenderFemale, f, 0)) == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok)
	all, err := q.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "a user is in at most one queue")
}

func TestDequeue_Idempotent(t *testing.T) {
	ctx := context.Background()
	q := chathub.NewSearchQueue(storage.NewMemoryStore())
	require.NoError(t, q.Enqueue(ctx, entry("u1", models.GenderMale, models.FilterAny, 0)))

	removed, err := q.Dequeue(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = q.Dequeue(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, removed)
	removed, err = q.Dequeue(ctx, "never-queued")
	require.NoError(t, err)
	assert.False(t, removed)

	n, err := q.Len(ctx, models.FilterAny)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, q.Enqueue(ctx, entry("u1", models.GenderMale, models.FilterMale, 0)), "user can queue again")
}

func TestFindPartner_FIFOAndExcluding(t *testing.T) {
	ctx := context.Background()
	q := chathub.NewSearchQueue(storage.NewMemoryStore())
	require.NoError(t, q.Enqueue(ctx, entry("late", models.GenderMale, models.FilterAny, 2*time.Second)))
	require.NoError(t, q.Enqueue(ctx, entry("early", models.GenderFemale, models.FilterAny, 0)))
	require.NoError(t, q.Enqueue(ctx, entry("middle", models.GenderMale, models.FilterAny, time.Second)))

	p, err := q.FindPartner(ctx, models.FilterAny, "nobody")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "early", p.UserID)

	p, err = q.FindPartner(ctx, models.FilterAny, "early")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "middle", p.UserID)

	p, err = q.FindPartner(ctx, models.FilterMale, "x")
	require.NoError(t, err)
	assert.Nil(t, p, "empty queue has no partner")
}

func TestCandidates_MutualCompatibility(t *testing.T) {
	ctx := context.Background()
	q := chathub.NewSearchQueue(storage.NewMemoryStore())
	require.NoError(t, q.Enqueue(ctx, entry("m-wants-f", models.GenderMale, models.FilterFemale, 0)))
	require.NoError(t, q.Enqueue(ctx, entry("m-wants-m", models.GenderMale, models.FilterMale, time.Second)))
	require.NoError(t, q.Enqueue(ctx, entry("f-any", models.GenderFemale, models.FilterAny, 2*time.Second)))
	require.NoError(t, q.Enqueue(ctx, entry("m-any", models.GenderMale, models.FilterAny, 3*time.Second)))

	seeker := entry("seeker", models.GenderFemale, models.FilterMale, 10*time.Second)
	cands, err := q.Candidates(ctx, seeker)
	require.NoError(t, err)

	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.UserID)
	}
	assert.Equal(t, []string{"m-wants-f", "m-any"}, ids)

	first, err := q.FindCompatible(ctx, seeker)
	require.NoError(t, err)
	assert.Equal(t, "m-wants-f", first.UserID)
}

func TestClaim_SingleWinner(t *testing.T) {
	ctx := context.Background()
	q := chathub.NewSearchQueue(storage.NewMemoryStore())
	e := entry("target", models.GenderFemale, models.FilterAny, 0)
	require.NoError(t, q.Enqueue(ctx, e))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := q.Claim(ctx, e); err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	got, err := q.Entry(ctx, "target")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaim_IndexCleanupFailureStillFreesUser(t *testing.T) {
	ctx := context.Background()
	kv := newFaultyStore()
	q := chathub.NewSearchQueue(kv)
	w := entry("w", models.GenderMale, models.FilterAny, 0)
	require.NoError(t, q.Enqueue(ctx, w))

	kv.failNext("RemoveFromSet", 1)
	ok, err := q.Claim(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)

	e, err := q.Entry(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, e)
	all, err := q.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "a leftover index member must not resurrect the entry")

	again := entry("w", models.GenderMale, models.FilterAny, time.Minute)
	require.NoError(t, q.Enqueue(ctx, again))
	all, err = q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].EnqueuedAt.Equal(again.EnqueuedAt))
}

func TestEnqueue_IndexFailureRollsBackMarker(t *testing.T) {
	ctx := context.Background()
	kv := newFaultyStore()
	q := chathub.NewSearchQueue(kv)
	w := entry("w", models.GenderMale, models.FilterAny, 0)

	kv.failNext("AddToSet", 1)
	require.ErrorIs(t, q.Enqueue(ctx, w), models.ErrStoreUnavailable)
	e, err := q.Entry(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, e)

	require.NoError(t, q.Enqueue(ctx, w))
	listed, err := q.Listed(ctx, "w")
	require.NoError(t, err)
	assert.True(t, listed)
}
