package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pitabwire/dfrun/model"
)

// RedisRunStore is a Redis-backed RunStore. Runs are msgpack-encoded
// strings, listed through sorted sets scored by logical time, and updated
// under WATCH so concurrent writers conflict instead of overwriting.
type RedisRunStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRunStore creates a Redis run store. Keys are namespaced by prefix.
func NewRedisRunStore(client redis.UniversalClient, prefix string) *RedisRunStore {
	if prefix == "" {
		prefix = "dfrun"
	}
	return &RedisRunStore{client: client, prefix: prefix}
}

func (s *RedisRunStore) runKey(runID string) string    { return s.prefix + ":run:" + runID }
func (s *RedisRunStore) eventsKey(runID string) string { return s.prefix + ":events:" + runID }
func (s *RedisRunStore) allKey() string                { return s.prefix + ":runs" }
func (s *RedisRunStore) workflowKey(workflowID string) string {
	return s.prefix + ":runs:" + workflowID
}

// triggerKey indexes a workflow's runs by trigger source.
func (s *RedisRunStore) triggerKey(workflowID, triggeredBy string) string {
	return s.prefix + ":trigger:" + triggeredBy + ":" + workflowID
}

// Create persists a new run.
func (s *RedisRunStore) Create(ctx context.Context, run model.RunInstance) error {
	data, err := msgpack.Marshal(&run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.runKey(run.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %q: %w", run.ID, err)
	}
	if !ok {
		return model.NewConflictError(fmt.Sprintf("run %q already exists", run.ID))
	}

	member := redis.Z{Score: score(run.LogicalTime), Member: run.ID}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.allKey(), member)
		pipe.ZAdd(ctx, s.workflowKey(run.WorkflowID), member)
		if run.TriggeredBy != "" {
			pipe.ZAdd(ctx, s.triggerKey(run.WorkflowID, run.TriggeredBy), member)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis index run %q: %w", run.ID, err)
	}
	return nil
}

// Get retrieves a run by ID.
func (s *RedisRunStore) Get(ctx context.Context, runID string) (model.RunInstance, error) {
	return s.get(ctx, s.client, runID)
}

// Update persists an updated run with optimistic locking.
func (s *RedisRunStore) Update(ctx context.Context, run model.RunInstance) error {
	key := s.runKey(run.ID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.get(ctx, tx, run.ID)
		if err != nil {
			return err
		}
		if existing.Version != run.Version {
			return model.NewConflictError(
				fmt.Sprintf("run %q version conflict (expected %d, got %d)", run.ID, run.Version, existing.Version),
			)
		}

		next := run
		next.Version++
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = time.Now().UTC()
		}
		data, err := msgpack.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return model.NewConflictError(fmt.Sprintf("run %q was modified concurrently", run.ID))
	}
	return err
}

// AppendEvent adds an event to the run's audit trail.
func (s *RedisRunStore) AppendEvent(ctx context.Context, event model.RunEvent) error {
	data, err := msgpack.Marshal(&event)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	if err := s.client.RPush(ctx, s.eventsKey(event.RunID), data).Err(); err != nil {
		return fmt.Errorf("redis rpush event %q: %w", event.RunID, err)
	}
	return nil
}

// GetEvents retrieves all events of a run in append order.
func (s *RedisRunStore) GetEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	if _, err := s.Get(ctx, runID); err != nil {
		return nil, err
	}

	raw, err := s.client.LRange(ctx, s.eventsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange events %q: %w", runID, err)
	}

	events := make([]model.RunEvent, 0, len(raw))
	for _, item := range raw {
		var evt model.RunEvent
		if err := msgpack.Unmarshal([]byte(item), &evt); err != nil {
			return nil, fmt.Errorf("unmarshal run event: %w", err)
		}
		evt.Timestamp = evt.Timestamp.UTC()
		events = append(events, evt)
	}
	return events, nil
}

// List returns one page of matching runs, newest first.
func (s *RedisRunStore) List(ctx context.Context, filters model.RunFilters) ([]model.RunInstance, int, error) {
	index := s.allKey()
	if filters.WorkflowID != "" {
		index = s.workflowKey(filters.WorkflowID)
	}

	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis zrevrange %q: %w", index, err)
	}
	runs, err := s.getMany(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	var all []model.RunInstance
	for _, run := range runs {
		if matches(run, filters) {
			all = append(all, run)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return newerFirst(all[i], all[j]) })

	total := len(all)
	offset, limit := pageBounds(filters)
	if offset >= total {
		return []model.RunInstance{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// Latest returns the workflow's run with the greatest logical time before
// the given time.
func (s *RedisRunStore) Latest(ctx context.Context, workflowID string, before time.Time) (model.RunInstance, error) {
	return s.latest(ctx, s.workflowKey(workflowID), workflowID, "", before)
}

// LatestTriggeredBy is Latest over runs started by triggeredBy.
func (s *RedisRunStore) LatestTriggeredBy(ctx context.Context, workflowID, triggeredBy string, before time.Time) (model.RunInstance, error) {
	if triggeredBy == "" {
		return s.Latest(ctx, workflowID, before)
	}
	return s.latest(ctx, s.triggerKey(workflowID, triggeredBy), workflowID, triggeredBy, before)
}

func (s *RedisRunStore) latest(ctx context.Context, index, workflowID, triggeredBy string, before time.Time) (model.RunInstance, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, index, &redis.ZRangeBy{
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Min:   "-inf",
		Count: 1,
	}).Result()
	if err != nil {
		return model.RunInstance{}, fmt.Errorf("redis zrevrangebyscore %q: %w", index, err)
	}
	if len(ids) == 0 {
		return model.RunInstance{}, noRunBefore(workflowID, triggeredBy, before)
	}
	return s.Get(ctx, ids[0])
}

// Delete removes a run, its events, and its index entries.
func (s *RedisRunStore) Delete(ctx context.Context, runID string) error {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.runKey(runID), s.eventsKey(runID))
		pipe.ZRem(ctx, s.allKey(), runID)
		pipe.ZRem(ctx, s.workflowKey(run.WorkflowID), runID)
		if run.TriggeredBy != "" {
			pipe.ZRem(ctx, s.triggerKey(run.WorkflowID, run.TriggeredBy), runID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete run %q: %w", runID, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisRunStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisRunStore) get(ctx context.Context, client redis.Cmdable, runID string) (model.RunInstance, error) {
	raw, err := client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.RunInstance{}, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	if err != nil {
		return model.RunInstance{}, fmt.Errorf("redis get %q: %w", runID, err)
	}

	var run model.RunInstance
	if err := msgpack.Unmarshal(raw, &run); err != nil {
		return model.RunInstance{}, fmt.Errorf("unmarshal run %q: %w", runID, err)
	}
	return utcTimes(run), nil
}

func (s *RedisRunStore) getMany(ctx context.Context, ids []string) ([]model.RunInstance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget runs: %w", err)
	}

	runs := make([]model.RunInstance, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index entry without a record; skip it.
			continue
		}
		var run model.RunInstance
		if err := msgpack.Unmarshal([]byte(str), &run); err != nil {
			return nil, fmt.Errorf("unmarshal run %q: %w", ids[i], err)
		}
		runs = append(runs, utcTimes(run))
	}
	return runs, nil
}

// score maps a logical time to a sorted-set score with millisecond
// resolution.
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// utcTimes normalizes decoded timestamps, which msgpack restores in the
// local zone. The run is freshly decoded, so its node slice is not shared.
func utcTimes(run model.RunInstance) model.RunInstance {
	run.LogicalTime = run.LogicalTime.UTC()
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	run.StartedAt = utcPtr(run.StartedAt)
	run.EndedAt = utcPtr(run.EndedAt)
	for i := range run.Nodes {
		run.Nodes[i].StartedAt = utcPtr(run.Nodes[i].StartedAt)
		run.Nodes[i].EndedAt = utcPtr(run.Nodes[i].EndedAt)
	}
	return run
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
