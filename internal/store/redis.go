package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nodeflow-io/nodeflow/internal/recorder"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

const (
	workflowKeyPrefix  = "nodeflow:workflow:"
	workflowIndexKey   = "nodeflow:workflows"
	executionKeyPrefix = "nodeflow:execution:"
	executionIndexKey  = "nodeflow:executions:"
)

// RedisWorkflowStore persists workflows as JSON values with a set index
// for listing.
type RedisWorkflowStore struct {
	client *redis.Client
}

// NewRedisWorkflowStore creates a store over an existing client.
func NewRedisWorkflowStore(client *redis.Client) *RedisWorkflowStore {
	return &RedisWorkflowStore{client: client}
}

// Create stores a new workflow, assigning an id when missing.
func (s *RedisWorkflowStore) Create(ctx context.Context, wf *model.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	return s.write(ctx, wf)
}

// Get returns a workflow by id.
func (s *RedisWorkflowStore) Get(ctx context.Context, id string) (*model.Workflow, error) {
	data, err := s.client.Get(ctx, workflowKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get workflow: %w", err)
	}
	var wf model.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("decoding workflow %s: %w", id, err)
	}
	return &wf, nil
}

// Update replaces an existing workflow.
func (s *RedisWorkflowStore) Update(ctx context.Context, wf *model.Workflow) error {
	existing, err := s.Get(ctx, wf.ID)
	if err != nil {
		return err
	}
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = time.Now().UTC()
	return s.write(ctx, wf)
}

// Delete removes a workflow and its index entry.
func (s *RedisWorkflowStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, workflowKeyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("redis delete workflow: %w", err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	return s.client.SRem(ctx, workflowIndexKey, id).Err()
}

// List returns all workflows; ordering follows creation time to match
// the memory store.
func (s *RedisWorkflowStore) List(ctx context.Context) ([]*model.Workflow, error) {
	ids, err := s.client.SMembers(ctx, workflowIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list workflows: %w", err)
	}
	out := make([]*model.Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	sortWorkflows(out)
	return out, nil
}

func (s *RedisWorkflowStore) write(ctx context.Context, wf *model.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("encoding workflow: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, workflowKeyPrefix+wf.ID, data, 0)
	pipe.SAdd(ctx, workflowIndexKey, wf.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis write workflow: %w", err)
	}
	return nil
}

func sortWorkflows(wfs []*model.Workflow) {
	sort.Slice(wfs, func(i, j int) bool {
		if wfs[i].CreatedAt.Equal(wfs[j].CreatedAt) {
			return wfs[i].ID < wfs[j].ID
		}
		return wfs[i].CreatedAt.Before(wfs[j].CreatedAt)
	})
}

// RedisExecutionStore persists execution records as JSON with a per
// workflow index list.
type RedisExecutionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisExecutionStore creates a store over an existing client.
// Records expire after ttl; zero keeps them forever.
func NewRedisExecutionStore(client *redis.Client, ttl time.Duration) *RedisExecutionStore {
	return &RedisExecutionStore{client: client, ttl: ttl}
}

// Save upserts an execution record and indexes it under its workflow.
func (s *RedisExecutionStore) Save(ctx context.Context, rec *recorder.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding execution record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, executionKeyPrefix+rec.ID, data, s.ttl)
	pipe.LPush(ctx, executionIndexKey+rec.WorkflowID, rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save execution: %w", err)
	}
	return nil
}

// Get returns a record by execution id.
func (s *RedisExecutionStore) Get(ctx context.Context, id string) (*recorder.Record, error) {
	data, err := s.client.Get(ctx, executionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get execution: %w", err)
	}
	var rec recorder.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding execution %s: %w", id, err)
	}
	return &rec, nil
}

// List returns a workflow's records, newest first. An empty workflow id
// is not supported by this backend; callers list per workflow.
func (s *RedisExecutionStore) List(ctx context.Context, workflowID string) ([]*recorder.Record, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("redis execution store requires a workflow id to list")
	}
	ids, err := s.client.LRange(ctx, executionIndexKey+workflowID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list executions: %w", err)
	}
	out := make([]*recorder.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes a record; the index entry is left to expire with its
// list.
func (s *RedisExecutionStore) Delete(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, executionKeyPrefix+id)
	pipe.LRem(ctx, executionIndexKey+rec.WorkflowID, 0, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete execution: %w", err)
	}
	return nil
}
