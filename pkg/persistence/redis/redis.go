// Package redis provides Redis persistence for flow checkpoints.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "formflow"
	indexKey      = "flow_states"
)

// Persistence implements persistence.Persistence on a Redis server.
type Persistence struct {
	client        redis.UniversalClient
	logger        *slog.Logger
	flowStateRepo *FlowStateRepository
}

// NewPersistence connects using a redis:// URL and verifies the server answers.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	opts, err := redis.ParseURL(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return NewWithClient(ctx, logger, redis.NewClient(opts), defaultPrefix)
}

// NewWithClient wraps an existing client. Keys are namespaced under prefix.
func NewWithClient(ctx context.Context, logger *slog.Logger, client redis.UniversalClient, prefix string) (*Persistence, error) {
	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "prefix", prefix)

	return &Persistence{
		client:        client,
		logger:        logger,
		flowStateRepo: &FlowStateRepository{client: client, prefix: prefix, logger: logger},
	}, nil
}

func (p *Persistence) FlowStateRepository() persistence.FlowStateRepository {
	return p.flowStateRepo
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}

// FlowStateRepository keeps one JSON value per state plus a set indexing all IDs.
type FlowStateRepository struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func (r *FlowStateRepository) key(id string) string {
	return r.prefix + ":flow_state:" + id
}

func (r *FlowStateRepository) index() string {
	return r.prefix + ":" + indexKey
}

func (r *FlowStateRepository) Create(ctx context.Context, state *models.FlowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal flow state %s: %w", state.ID, err)
	}

	created, err := r.client.SetNX(ctx, r.key(state.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create flow state %s: %w", state.ID, err)
	}

	if !created {
		return persistence.NewFlowStateError("Create", state.ID, persistence.ErrFlowStateAlreadyExists)
	}

	return r.client.SAdd(ctx, r.index(), state.ID).Err()
}

func (r *FlowStateRepository) Get(ctx context.Context, id string) (*models.FlowState, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.NewFlowStateError("Get", id, persistence.ErrFlowStateNotFound)
		}

		return nil, fmt.Errorf("failed to get flow state %s: %w", id, err)
	}

	return decode(id, data)
}

func (r *FlowStateRepository) Update(ctx context.Context, state *models.FlowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal flow state %s: %w", state.ID, err)
	}

	err = r.client.SetArgs(ctx, r.key(state.ID), data, redis.SetArgs{Mode: "XX"}).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return persistence.NewFlowStateError("Update", state.ID, persistence.ErrFlowStateNotFound)
		}

		return fmt.Errorf("failed to update flow state %s: %w", state.ID, err)
	}

	return nil
}

func (r *FlowStateRepository) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(id))
		pipe.SRem(ctx, r.index(), id)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete flow state %s: %w", id, err)
	}

	return nil
}

func (r *FlowStateRepository) Find(ctx context.Context, filter persistence.FlowStateFilter) ([]*models.FlowState, error) {
	ids, err := r.client.SMembers(ctx, r.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flow states: %w", err)
	}

	states := []*models.FlowState{}
	if len(ids) == 0 {
		return states, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load flow states: %w", err)
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// indexed but deleted concurrently
			continue
		}

		state, err := decode(ids[i], []byte(raw))
		if err != nil {
			r.logger.WarnContext(ctx, "Skipping unreadable flow state", "stateId", ids[i], "error", err)

			continue
		}

		if filter.Matches(state) {
			states = append(states, state)
		}
	}

	persistence.SortByUpdatedDesc(states)

	return states, nil
}

func decode(id string, data []byte) (*models.FlowState, error) {
	var state models.FlowState

	err := json.Unmarshal(data, &state)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow state %s: %w", id, err)
	}

	if state.CompletedSteps == nil {
		state.CompletedSteps = []string{}
	}

	return &state, nil
}
