package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/helpme-slack/internal/domain"
)

const stateKeyPrefix = "helpme:link_state:"

// RedisStateStore keeps link states in Redis so several bot replicas can
// share them. Keys carry a TTL, so there is nothing to sweep.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// CreateLinkState stores the encoded state with a TTL matching its expiry.
func (s *RedisStateStore) CreateLinkState(ctx context.Context, state *domain.LinkState) error {
	if state == nil || state.StateID == "" {
		return fmt.Errorf("create link state: %w", domain.ErrInvalidInput)
	}
	ttl := time.Until(state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("create link state: already expired: %w", domain.ErrInvalidInput)
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	ok, err := s.client.SetNX(ctx, stateKeyPrefix+state.StateID, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	if !ok {
		return fmt.Errorf("persist state: duplicate state id")
	}
	return nil
}

// ConsumeLinkState reads and deletes the key with GETDEL.
func (s *RedisStateStore) ConsumeLinkState(ctx context.Context, stateID string, now time.Time) (*domain.LinkState, error) {
	raw, err := s.client.GetDel(ctx, stateKeyPrefix+stateID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume state: %w", err)
	}
	var state domain.LinkState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if state.Expired(now) {
		return nil, domain.ErrStateNotFound
	}
	return &state, nil
}

// DeleteExpiredLinkStates is a no-op; Redis expires keys itself.
func (s *RedisStateStore) DeleteExpiredLinkStates(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// splitRepository routes link states to a separate StateStore.
type splitRepository struct {
	Repository
	states StateStore
}

// WithStateStore returns repo with its link-state operations served by states.
func WithStateStore(repo Repository, states StateStore) Repository {
	if states == nil {
		return repo
	}
	return &splitRepository{Repository: repo, states: states}
}

func (r *splitRepository) CreateLinkState(ctx context.Context, state *domain.LinkState) error {
	return r.states.CreateLinkState(ctx, state)
}

func (r *splitRepository) ConsumeLinkState(ctx context.Context, stateID string, now time.Time) (*domain.LinkState, error) {
	return r.states.ConsumeLinkState(ctx, stateID, now)
}

func (r *splitRepository) DeleteExpiredLinkStates(ctx context.Context, now time.Time) (int64, error) {
	return r.states.DeleteExpiredLinkStates(ctx, now)
}
