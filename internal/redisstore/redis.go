package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imaginary-cherry/mageflow/internal/domain"
)

type store struct {
	client *redis.Client
}

// NewStore creates a Redis-backed SignatureStore.
func NewStore(client *redis.Client) SignatureStore {
	return &store{client: client}
}

func (s *store) Save(ctx context.Context, sig domain.Signature) error {
	key := sig.SignatureKey()
	scalars, err := EncodeRecord(sig)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, hashKey(key), scalars)
	touched := []string{hashKey(key)}

	push := func(suffix string, vals []string) {
		if len(vals) == 0 {
			return
		}
		k := subKey(key, suffix)
		pipe.RPush(ctx, k, strSlice(vals)...)
		touched = append(touched, k)
	}
	sadd := func(suffix string, vals []string) {
		if len(vals) == 0 {
			return
		}
		k := subKey(key, suffix)
		pipe.SAdd(ctx, k, strSlice(vals)...)
		touched = append(touched, k)
	}

	switch v := sig.(type) {
	case *domain.PublishState:
		push(ListPublish, v.TaskIDs)
	case *domain.ChainSignature:
		push(ListTasks, v.Tasks)
	case *domain.SwarmSignature:
		push(ListTasks, v.Tasks)
		push(ListQueue, v.TasksLeftToRun)
		sadd(SetFinished, v.FinishedTasks)
		sadd(SetFailed, v.FailedTasks)
		if len(v.TasksResults) > 0 {
			k := subKey(key, ListResults)
			vals := make([]interface{}, len(v.TasksResults))
			for i, r := range v.TasksResults {
				vals[i] = []byte(r)
			}
			pipe.RPush(ctx, k, vals...)
			touched = append(touched, k)
		}
	}

	if base := sig.Base(); base != nil {
		push(ListSuccess, base.SuccessCallbacks)
		push(ListError, base.ErrorCallbacks)
		if len(base.Kwargs) > 0 {
			enc, err := EncodeKwargs(base.Kwargs)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, kwargsKey(key), enc)
			touched = append(touched, kwargsKey(key))
		}
	}

	for _, k := range touched {
		pipe.Expire(ctx, k, recordTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save %s: %w", key, err)
	}
	return nil
}

func (s *store) Get(ctx context.Context, key string) (domain.Signature, error) {
	record, err := s.client.HGetAll(ctx, hashKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	if len(record) == 0 {
		return nil, &domain.SignatureNotFoundError{Key: key}
	}
	sig, err := DecodeRecord(record)
	if err != nil {
		return nil, err
	}
	if err := s.loadCollections(ctx, sig); err != nil {
		return nil, err
	}
	return sig, nil
}

func (s *store) GetBatch(ctx context.Context, keys ...string) ([]domain.Signature, error) {
	out := make([]domain.Signature, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, hashKey(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis get batch: %w", err)
	}
	for i, cmd := range cmds {
		record := cmd.Val()
		if len(record) == 0 {
			continue
		}
		sig, err := DecodeRecord(record)
		if err != nil {
			return nil, err
		}
		if err := s.loadCollections(ctx, sig); err != nil {
			return nil, err
		}
		out[i] = sig
	}
	return out, nil
}

// loadCollections fills a decoded signature's list, set and kwargs fields.
func (s *store) loadCollections(ctx context.Context, sig domain.Signature) error {
	key := sig.SignatureKey()

	if ps, ok := sig.(*domain.PublishState); ok {
		ids, err := s.client.LRange(ctx, subKey(key, ListPublish), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("redis load publish ledger %s: %w", key, err)
		}
		ps.TaskIDs = ids
		return nil
	}

	pipe := s.client.Pipeline()
	succ := pipe.LRange(ctx, subKey(key, ListSuccess), 0, -1)
	errs := pipe.LRange(ctx, subKey(key, ListError), 0, -1)
	kwargs := pipe.HGetAll(ctx, kwargsKey(key))

	var tasks, queue *redis.StringSliceCmd
	var results *redis.StringSliceCmd
	var finished, failed *redis.StringSliceCmd
	switch sig.(type) {
	case *domain.ChainSignature:
		tasks = pipe.LRange(ctx, subKey(key, ListTasks), 0, -1)
	case *domain.SwarmSignature:
		tasks = pipe.LRange(ctx, subKey(key, ListTasks), 0, -1)
		queue = pipe.LRange(ctx, subKey(key, ListQueue), 0, -1)
		results = pipe.LRange(ctx, subKey(key, ListResults), 0, -1)
		finished = pipe.SMembers(ctx, subKey(key, SetFinished))
		failed = pipe.SMembers(ctx, subKey(key, SetFailed))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis load collections %s: %w", key, err)
	}

	base := sig.Base()
	base.SuccessCallbacks = succ.Val()
	base.ErrorCallbacks = errs.Val()
	kw, err := DecodeKwargs(kwargs.Val())
	if err != nil {
		return err
	}
	base.Kwargs = kw

	switch v := sig.(type) {
	case *domain.ChainSignature:
		v.Tasks = tasks.Val()
	case *domain.SwarmSignature:
		v.Tasks = tasks.Val()
		v.TasksLeftToRun = queue.Val()
		v.FinishedTasks = finished.Val()
		v.FailedTasks = failed.Val()
		raw := results.Val()
		v.TasksResults = make([]json.RawMessage, len(raw))
		for i, r := range raw {
			v.TasksResults[i] = json.RawMessage(r)
		}
	}
	return nil
}

func (s *store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, hashKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *store) SetFields(ctx context.Context, key string, fields map[string]any) error {
	enc := make(map[string]string, len(fields))
	for f, v := range fields {
		enc[f] = EncodeFieldValue(v)
	}
	if err := s.client.HSet(ctx, hashKey(key), enc).Err(); err != nil {
		return fmt.Errorf("redis set fields %s: %w", key, err)
	}
	return nil
}

func (s *store) SetFlagOnce(ctx context.Context, key, field string) (bool, error) {
	won, err := s.client.HSetNX(ctx, hashKey(key), field, "1").Result()
	if err != nil {
		return false, fmt.Errorf("redis set flag %s.%s: %w", key, field, err)
	}
	return won, nil
}

func (s *store) FlagSet(ctx context.Context, key, field string) (bool, error) {
	set, err := s.client.HExists(ctx, hashKey(key), field).Result()
	if err != nil {
		return false, fmt.Errorf("redis flag check %s.%s: %w", key, field, err)
	}
	return set, nil
}

func (s *store) IncrCounter(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, hashKey(key), field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s.%s: %w", key, field, err)
	}
	return n, nil
}

func (s *store) MergeKwargs(ctx context.Context, key string, kwargs map[string]any) error {
	if len(kwargs) == 0 {
		return nil
	}
	enc, err := EncodeKwargs(kwargs)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, kwargsKey(key), enc)
	pipe.Expire(ctx, kwargsKey(key), recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis merge kwargs %s: %w", key, err)
	}
	return nil
}

func (s *store) AppendList(ctx context.Context, key, field string, vals ...string) error {
	if len(vals) == 0 {
		return nil
	}
	k := subKey(key, field)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, k, strSlice(vals)...)
	pipe.Expire(ctx, k, recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append %s.%s: %w", key, field, err)
	}
	return nil
}

func (s *store) ListRange(ctx context.Context, key, field string) ([]string, error) {
	vals, err := s.client.LRange(ctx, subKey(key, field), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range %s.%s: %w", key, field, err)
	}
	return vals, nil
}

func (s *store) ListContains(ctx context.Context, key, field, val string) (bool, error) {
	_, err := s.client.LPos(ctx, subKey(key, field), val, redis.LPosArgs{}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis lpos %s.%s: %w", key, field, err)
	}
	return true, nil
}

func (s *store) RemoveFromList(ctx context.Context, key, field, val string) error {
	if err := s.client.LRem(ctx, subKey(key, field), 1, val).Err(); err != nil {
		return fmt.Errorf("redis lrem %s.%s: %w", key, field, err)
	}
	return nil
}

func (s *store) AddToSet(ctx context.Context, key, field, val string) (bool, error) {
	n, err := s.client.SAdd(ctx, subKey(key, field), val).Result()
	if err != nil {
		return false, fmt.Errorf("redis sadd %s.%s: %w", key, field, err)
	}
	s.client.Expire(ctx, subKey(key, field), recordTTL)
	return n > 0, nil
}

func (s *store) SetMembers(ctx context.Context, key, field string) ([]string, error) {
	vals, err := s.client.SMembers(ctx, subKey(key, field)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s.%s: %w", key, field, err)
	}
	return vals, nil
}

func (s *store) SetSize(ctx context.Context, key, field string) (int64, error) {
	n, err := s.client.SCard(ctx, subKey(key, field)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard %s.%s: %w", key, field, err)
	}
	return n, nil
}

func (s *store) AppendResult(ctx context.Context, key string, result json.RawMessage) error {
	k := subKey(key, ListResults)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, k, []byte(result))
	pipe.Expire(ctx, k, recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append result %s: %w", key, err)
	}
	return nil
}

func (s *store) Results(ctx context.Context, key string) ([]json.RawMessage, error) {
	raw, err := s.client.LRange(ctx, subKey(key, ListResults), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis results %s: %w", key, err)
	}
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = json.RawMessage(r)
	}
	return out, nil
}

// reserveSlotsScript reads the running counter, pops up to the free capacity
// off the run queue and commits the ledger write, the counter bumps and the
// reservation marks in the same server-side step. After a crash the swarm
// either still has the keys queued or has them fully reserved in the ledger.
var reserveSlotsScript = redis.NewScript(`
	local running = tonumber(redis.call("HGET", KEYS[1], ARGV[1]) or "0")
	local capacity = tonumber(ARGV[2]) - running
	if capacity <= 0 then
		return {}
	end
	local items = redis.call("LPOP", KEYS[2], capacity)
	if items == false then
		return {}
	end
	for _, item in ipairs(items) do
		redis.call("RPUSH", KEYS[3], item)
		redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
		redis.call("HSET", ARGV[3] .. item, ARGV[4], "1")
	end
	redis.call("EXPIRE", KEYS[3], ARGV[5])
	return items
`)

func (s *store) ReserveSlots(ctx context.Context, swarmKey, publishKey string, maxConcurrency int) ([]string, error) {
	items, err := reserveSlotsScript.Run(ctx, s.client,
		[]string{hashKey(swarmKey), subKey(swarmKey, ListQueue), subKey(publishKey, ListPublish)},
		FieldRunning, maxConcurrency, "sig:", FieldSlotReserved, int64(recordTTL/time.Second),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis reserve slots for %s: %w", swarmKey, err)
	}
	return items, nil
}

// claimSlotScript increments the running counter only below the ceiling, so
// a batch item arriving outside the fill routine can never overshoot a
// concurrent reservation.
var claimSlotScript = redis.NewScript(`
	local running = tonumber(redis.call("HGET", KEYS[1], ARGV[1]) or "0")
	if running >= tonumber(ARGV[2]) then
		return 0
	end
	redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
	redis.call("HSET", KEYS[2], ARGV[3], "1")
	return 1
`)

func (s *store) ClaimSlot(ctx context.Context, swarmKey, batchKey string, maxConcurrency int) (bool, error) {
	won, err := claimSlotScript.Run(ctx, s.client,
		[]string{hashKey(swarmKey), hashKey(batchKey)},
		FieldRunning, maxConcurrency, FieldSlotReserved,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis claim slot %s for %s: %w", batchKey, swarmKey, err)
	}
	return won == 1, nil
}

// seedQueueScript seeds the run queue and raises the started flag together,
// with the flag last: a crashed start either left nothing behind or left the
// queue fully seeded, never a raised flag over an empty queue.
var seedQueueScript = redis.NewScript(`
	if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
		return 0
	end
	for i = 3, #ARGV do
		redis.call("RPUSH", KEYS[2], ARGV[i])
	end
	redis.call("EXPIRE", KEYS[2], ARGV[2])
	redis.call("HSET", KEYS[1], ARGV[1], "1")
	return 1
`)

func (s *store) SeedQueueOnce(ctx context.Context, key string, tasks []string) (bool, error) {
	args := make([]interface{}, 0, len(tasks)+2)
	args = append(args, FieldStarted, int64(recordTTL/time.Second))
	for _, task := range tasks {
		args = append(args, task)
	}
	won, err := seedQueueScript.Run(ctx, s.client,
		[]string{hashKey(key), subKey(key, ListQueue)},
		args...,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis seed queue %s: %w", key, err)
	}
	return won == 1, nil
}

func (s *store) SoftDelete(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Expire(ctx, hashKey(key), removedTTL)
	for _, suffix := range subSuffixes {
		pipe.Expire(ctx, subKey(key, suffix), removedTTL)
	}
	if kind, err := domain.KindOfKey(key); err == nil && kind == domain.KindSwarm {
		pipe.SRem(ctx, activeSwarmsKey, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis soft delete %s: %w", key, err)
	}
	return nil
}

func (s *store) AddActiveSwarm(ctx context.Context, key string) error {
	if err := s.client.SAdd(ctx, activeSwarmsKey, key).Err(); err != nil {
		return fmt.Errorf("redis add active swarm %s: %w", key, err)
	}
	return nil
}

func (s *store) RemoveActiveSwarm(ctx context.Context, key string) error {
	if err := s.client.SRem(ctx, activeSwarmsKey, key).Err(); err != nil {
		return fmt.Errorf("redis remove active swarm %s: %w", key, err)
	}
	return nil
}

func (s *store) ActiveSwarms(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, activeSwarmsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis active swarms: %w", err)
	}
	return keys, nil
}

func (s *store) SaveTaskDef(ctx context.Context, def *domain.TaskDef) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal task def %s: %w", def.Name, err)
	}
	if err := s.client.Set(ctx, taskDefKey(def.Name), data, 0).Err(); err != nil {
		return fmt.Errorf("redis save task def %s: %w", def.Name, err)
	}
	return nil
}

func (s *store) GetTaskDef(ctx context.Context, name string) (*domain.TaskDef, error) {
	data, err := s.client.Get(ctx, taskDefKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get task def %s: %w", name, err)
	}
	var def domain.TaskDef
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal task def %s: %w", name, err)
	}
	return &def, nil
}

func strSlice(vals []string) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
