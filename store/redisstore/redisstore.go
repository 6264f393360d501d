// Package redisstore implements store.SuspensionRepository and
// store.AsyncStateRepository against Redis, grounded on the JSON-blob-per-key
// plus secondary-index-set pattern used by the pack's redis-backed workflow
// managers (e.g. Agentainer-lab's internal/workflow.Manager): one string key
// per record, plus one set key tracking the outstanding async message IDs
// that AsyncStateRepository.ListIncomplete scans, which a single GET cannot
// answer.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/workflow/store"
)

const (
	suspensionByInstanceKeyPrefix = "wf:suspension:instance:"
	suspensionByMessageKeyPrefix  = "wf:suspension:message:"

	asyncStateKeyPrefix  = "wf:async:state:"
	asyncIncompleteSetKey = "wf:async:incomplete"
)

// SuspensionStore is a Redis-backed store.SuspensionRepository. It stores the
// record twice, once under the instance key and once under the message key,
// since both are valid lookup paths; the instance-keyed copy is authoritative
// and DeleteByInstanceID removes both.
type SuspensionStore struct {
	rdb *redis.Client
}

func NewSuspensionStore(rdb *redis.Client) *SuspensionStore {
	return &SuspensionStore{rdb: rdb}
}

func (s *SuspensionStore) Save(ctx context.Context, sd *store.SuspensionData) error {
	b, err := json.Marshal(sd)
	if err != nil {
		return fmt.Errorf("redisstore: marshal suspension %s: %w", sd.InstanceID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, suspensionByInstanceKeyPrefix+sd.InstanceID, b, 0)
	pipe.Set(ctx, suspensionByMessageKeyPrefix+sd.MessageID, b, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: save suspension %s: %w", sd.InstanceID, err)
	}
	return nil
}

func (s *SuspensionStore) GetByInstanceID(ctx context.Context, instanceID string) (*store.SuspensionData, error) {
	return s.getByKey(ctx, suspensionByInstanceKeyPrefix+instanceID)
}

func (s *SuspensionStore) GetByMessageID(ctx context.Context, messageID string) (*store.SuspensionData, error) {
	return s.getByKey(ctx, suspensionByMessageKeyPrefix+messageID)
}

func (s *SuspensionStore) getByKey(ctx context.Context, key string) (*store.SuspensionData, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	var sd store.SuspensionData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, fmt.Errorf("redisstore: unmarshal %s: %w", key, err)
	}
	return &sd, nil
}

func (s *SuspensionStore) DeleteByInstanceID(ctx context.Context, instanceID string) error {
	sd, err := s.GetByInstanceID(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, suspensionByInstanceKeyPrefix+instanceID)
	pipe.Del(ctx, suspensionByMessageKeyPrefix+sd.MessageID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: delete suspension %s: %w", instanceID, err)
	}
	return nil
}

// AsyncStateStore is a Redis-backed store.AsyncStateRepository. ListIncomplete
// is answered by a set of outstanding message IDs that Save maintains: added
// on every non-completed Save, removed once a Save observes Completed=true.
type AsyncStateStore struct {
	rdb *redis.Client
}

func NewAsyncStateStore(rdb *redis.Client) *AsyncStateStore {
	return &AsyncStateStore{rdb: rdb}
}

func (s *AsyncStateStore) Save(ctx context.Context, st *store.AsyncStepState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redisstore: marshal async state %s: %w", st.MessageID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, asyncStateKeyPrefix+st.MessageID, b, 0)
	if st.Completed {
		pipe.SRem(ctx, asyncIncompleteSetKey, st.MessageID)
	} else {
		pipe.SAdd(ctx, asyncIncompleteSetKey, st.MessageID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: save async state %s: %w", st.MessageID, err)
	}
	return nil
}

func (s *AsyncStateStore) GetByMessageID(ctx context.Context, messageID string) (*store.AsyncStepState, error) {
	raw, err := s.rdb.Get(ctx, asyncStateKeyPrefix+messageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get async state %s: %w", messageID, err)
	}
	var st store.AsyncStepState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("redisstore: unmarshal async state %s: %w", messageID, err)
	}
	return &st, nil
}

func (s *AsyncStateStore) ListIncomplete(ctx context.Context) ([]*store.AsyncStepState, error) {
	ids, err := s.rdb.SMembers(ctx, asyncIncompleteSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list incomplete async state: %w", err)
	}
	out := make([]*store.AsyncStepState, 0, len(ids))
	for _, id := range ids {
		st, err := s.GetByMessageID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			// Index entry whose state key no longer exists; drop it rather
			// than surface a hole to the caller.
			_ = s.rdb.SRem(ctx, asyncIncompleteSetKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
