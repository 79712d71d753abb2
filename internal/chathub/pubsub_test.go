package chathub_test

import (
	"context"
	"testing"
	"time"

	"chatpair/backend/internal/chathub"
	"chatpair/backend/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublisher_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := chathub.NewRedisPublisher(rdb)
	events, err := pub.Subscribe(ctx)
	require.NoError(t, err)

	sent := models.SessionEvent{
		Type:      "ended",
		SessionID: "s-1",
		UserIDs:   []string{"A", "B"},
		Reason:    models.EndTimeout,
		At:        time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, pub.Publish(ctx, sent))

	select {
	case got := <-events:
		assert.Equal(t, sent, got)
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-events
		return !open
	}, 2*time.Second, 10*time.Millisecond, "stream closes with the context")
}

func TestSessionManager_PublishesLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := chathub.NewRedisPublisher(rdb)
	events, err := pub.Subscribe(ctx)
	require.NoError(t, err)

	env := newTestEnv(t)
	env.hub = chathub.NewHub(chathub.HubDeps{
		Store:         env.store,
		Profiles:      env.profiles,
		Messenger:     env.messenger,
		Notifier:      env.notifier,
		Timeouts:      env.timeouts,
		Events:        pub,
		SearchTimeout: testSearchTimeout,
		ChatTimeout:   testChatTimeout,
	})
	sid := env.pair(t, "A", "B")
	require.NoError(t, env.hub.Sessions.End(ctx, "A", models.EndUserRequested))

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-events:
			assert.Equal(t, sid, ev.SessionID)
			types = append(types, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %v, want started and ended", types)
		}
	}
	assert.Equal(t, []string{"started", "ended"}, types)
}
