package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/helpme-slack/internal/domain"
)

func newRedisStates(t *testing.T) (*RedisStateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStateStore(client), mr
}

func TestRedisStateConsumeOnce(t *testing.T) {
	ctx := context.Background()
	states, mr := newRedisStates(t)
	now := time.Now()

	require.NoError(t, states.CreateLinkState(ctx, &domain.LinkState{
		StateID: "s1", TeamID: "T1", UserID: "U1",
		CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}))
	require.True(t, mr.Exists(stateKeyPrefix+"s1"))

	got, err := states.ConsumeLinkState(ctx, "s1", now)
	require.NoError(t, err)
	require.Equal(t, "U1", got.UserID)
	require.False(t, mr.Exists(stateKeyPrefix+"s1"))

	_, err = states.ConsumeLinkState(ctx, "s1", now)
	require.ErrorIs(t, err, domain.ErrStateNotFound)
}

func TestRedisStateTTL(t *testing.T) {
	ctx := context.Background()
	states, mr := newRedisStates(t)
	now := time.Now()

	require.NoError(t, states.CreateLinkState(ctx, &domain.LinkState{
		StateID: "s2", TeamID: "T1", UserID: "U1",
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}))
	mr.FastForward(2 * time.Minute)

	_, err := states.ConsumeLinkState(ctx, "s2", now)
	require.ErrorIs(t, err, domain.ErrStateNotFound)

	n, err := states.DeleteExpiredLinkStates(ctx, now)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRedisStateRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	states, _ := newRedisStates(t)
	now := time.Now()
	st := &domain.LinkState{StateID: "dup", TeamID: "T", UserID: "U", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}

	require.NoError(t, states.CreateLinkState(ctx, st))
	require.Error(t, states.CreateLinkState(ctx, st))
}

func TestWithStateStoreRoutesStates(t *testing.T) {
	ctx := context.Background()
	sqlite := newTestStore(t)
	states, mr := newRedisStates(t)
	repo := WithStateStore(sqlite, states)
	now := time.Now()

	require.NoError(t, repo.CreateLinkState(ctx, &domain.LinkState{
		StateID: "routed", TeamID: "T", UserID: "U", CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}))
	require.True(t, mr.Exists(stateKeyPrefix+"routed"))

	var count int
	require.NoError(t, sqlite.db.QueryRow(`SELECT COUNT(*) FROM link_states`).Scan(&count))
	require.Zero(t, count)

	require.Same(t, sqlite, WithStateStore(sqlite, nil))
}
