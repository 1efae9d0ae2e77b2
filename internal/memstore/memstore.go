// Package memstore is an in-memory SignatureStore used by unit tests. It
// mirrors the Redis record layout through the same codec, so field-level
// semantics (flag races, counter arithmetic, slot reservation) behave the
// same as the real store without a server.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
)

type Store struct {
	mu sync.Mutex

	hashes   map[string]map[string]string
	lists    map[string]map[string][]string
	sets     map[string]map[string]map[string]bool
	results  map[string][]json.RawMessage
	kwargs   map[string]map[string]string
	active   map[string]bool
	taskDefs map[string]domain.TaskDef
	removed  map[string]bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

var _ redisstore.SignatureStore = (*Store)(nil)

func New() *Store {
	return &Store{
		hashes:   map[string]map[string]string{},
		lists:    map[string]map[string][]string{},
		sets:     map[string]map[string]map[string]bool{},
		results:  map[string][]json.RawMessage{},
		kwargs:   map[string]map[string]string{},
		active:   map[string]bool{},
		taskDefs: map[string]domain.TaskDef{},
		removed:  map[string]bool{},
		locks:    map[string]*sync.Mutex{},
	}
}

// SoftDeleted reports whether the record was soft-deleted, for assertions.
func (s *Store) SoftDeleted(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed[key]
}

func (s *Store) Save(ctx context.Context, sig domain.Signature) error {
	record, err := redisstore.EncodeRecord(sig)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sig.SignatureKey()
	s.hashes[key] = record
	s.lists[key] = map[string][]string{}
	s.sets[key] = map[string]map[string]bool{}

	switch v := sig.(type) {
	case *domain.PublishState:
		s.lists[key][redisstore.ListPublish] = append([]string(nil), v.TaskIDs...)
	case *domain.ChainSignature:
		s.lists[key][redisstore.ListTasks] = append([]string(nil), v.Tasks...)
	case *domain.SwarmSignature:
		s.lists[key][redisstore.ListTasks] = append([]string(nil), v.Tasks...)
		s.lists[key][redisstore.ListQueue] = append([]string(nil), v.TasksLeftToRun...)
		s.sets[key][redisstore.SetFinished] = toSet(v.FinishedTasks)
		s.sets[key][redisstore.SetFailed] = toSet(v.FailedTasks)
		s.results[key] = append([]json.RawMessage(nil), v.TasksResults...)
	}

	if base := sig.Base(); base != nil {
		s.lists[key][redisstore.ListSuccess] = append([]string(nil), base.SuccessCallbacks...)
		s.lists[key][redisstore.ListError] = append([]string(nil), base.ErrorCallbacks...)
		kw, err := redisstore.EncodeKwargs(base.Kwargs)
		if err != nil {
			return err
		}
		s.kwargs[key] = kw
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (domain.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (domain.Signature, error) {
	record, ok := s.hashes[key]
	if !ok {
		return nil, &domain.SignatureNotFoundError{Key: key}
	}
	sig, err := redisstore.DecodeRecord(record)
	if err != nil {
		return nil, err
	}

	if ps, ok := sig.(*domain.PublishState); ok {
		ps.TaskIDs = append([]string(nil), s.lists[key][redisstore.ListPublish]...)
		return ps, nil
	}

	base := sig.Base()
	base.SuccessCallbacks = append([]string(nil), s.lists[key][redisstore.ListSuccess]...)
	base.ErrorCallbacks = append([]string(nil), s.lists[key][redisstore.ListError]...)
	kw, err := redisstore.DecodeKwargs(s.kwargs[key])
	if err != nil {
		return nil, err
	}
	base.Kwargs = kw

	switch v := sig.(type) {
	case *domain.ChainSignature:
		v.Tasks = append([]string(nil), s.lists[key][redisstore.ListTasks]...)
	case *domain.SwarmSignature:
		v.Tasks = append([]string(nil), s.lists[key][redisstore.ListTasks]...)
		v.TasksLeftToRun = append([]string(nil), s.lists[key][redisstore.ListQueue]...)
		v.FinishedTasks = fromSet(s.sets[key][redisstore.SetFinished])
		v.FailedTasks = fromSet(s.sets[key][redisstore.SetFailed])
		v.TasksResults = append([]json.RawMessage(nil), s.results[key]...)
	}
	return sig, nil
}

func (s *Store) GetBatch(ctx context.Context, keys ...string) ([]domain.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Signature, len(keys))
	for i, k := range keys {
		sig, err := s.getLocked(k)
		if err != nil {
			var notFound *domain.SignatureNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}
		out[i] = sig
	}
	return out, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hashes[key]
	return ok, nil
}

func (s *Store) SetFields(ctx context.Context, key string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash(key)
	for f, v := range fields {
		h[f] = redisstore.EncodeFieldValue(v)
	}
	return nil
}

func (s *Store) SetFlagOnce(ctx context.Context, key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash(key)
	if _, exists := h[field]; exists {
		return false, nil
	}
	h[field] = "1"
	return true, nil
}

func (s *Store) FlagSet(ctx context.Context, key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, set := s.hash(key)[field]
	return set, nil
}

func (s *Store) IncrCounter(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash(key)
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *Store) MergeKwargs(ctx context.Context, key string, kwargs map[string]any) error {
	enc, err := redisstore.EncodeKwargs(kwargs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kwargs[key] == nil {
		s.kwargs[key] = map[string]string{}
	}
	for k, v := range enc {
		s.kwargs[key][k] = v
	}
	return nil
}

func (s *Store) AppendList(ctx context.Context, key, field string, vals ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendListLocked(key, field, vals...)
	return nil
}

func (s *Store) appendListLocked(key, field string, vals ...string) {
	if s.lists[key] == nil {
		s.lists[key] = map[string][]string{}
	}
	s.lists[key][field] = append(s.lists[key][field], vals...)
}

func (s *Store) ListRange(ctx context.Context, key, field string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lists[key][field]...), nil
}

func (s *Store) ListContains(ctx context.Context, key, field, val string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.lists[key][field] {
		if v == val {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) RemoveFromList(ctx context.Context, key, field, val string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key][field]
	for i, v := range list {
		if v == val {
			s.lists[key][field] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) AddToSet(ctx context.Context, key, field, val string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[key] == nil {
		s.sets[key] = map[string]map[string]bool{}
	}
	if s.sets[key][field] == nil {
		s.sets[key][field] = map[string]bool{}
	}
	if s.sets[key][field][val] {
		return false, nil
	}
	s.sets[key][field][val] = true
	return true, nil
}

func (s *Store) SetMembers(ctx context.Context, key, field string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fromSet(s.sets[key][field]), nil
}

func (s *Store) SetSize(ctx context.Context, key, field string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[key][field])), nil
}

func (s *Store) AppendResult(ctx context.Context, key string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[key] = append(s.results[key], append(json.RawMessage(nil), result...))
	return nil
}

func (s *Store) Results(ctx context.Context, key string) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.results[key]...), nil
}

func (s *Store) ReserveSlots(ctx context.Context, swarmKey, publishKey string, maxConcurrency int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.hash(swarmKey)
	running, _ := strconv.ParseInt(h[redisstore.FieldRunning], 10, 64)
	capacity := int64(maxConcurrency) - running
	if capacity <= 0 {
		return nil, nil
	}

	queue := s.lists[swarmKey][redisstore.ListQueue]
	n := int(capacity)
	if n > len(queue) {
		n = len(queue)
	}
	if n == 0 {
		return nil, nil
	}
	items := append([]string(nil), queue[:n]...)
	s.lists[swarmKey][redisstore.ListQueue] = append([]string(nil), queue[n:]...)

	s.appendListLocked(publishKey, redisstore.ListPublish, items...)
	h[redisstore.FieldRunning] = strconv.FormatInt(running+int64(n), 10)
	for _, bk := range items {
		s.hash(bk)[redisstore.FieldSlotReserved] = "1"
	}
	return items, nil
}

func (s *Store) ClaimSlot(ctx context.Context, swarmKey, batchKey string, maxConcurrency int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.hash(swarmKey)
	running, _ := strconv.ParseInt(h[redisstore.FieldRunning], 10, 64)
	if running >= int64(maxConcurrency) {
		return false, nil
	}
	h[redisstore.FieldRunning] = strconv.FormatInt(running+1, 10)
	s.hash(batchKey)[redisstore.FieldSlotReserved] = "1"
	return true, nil
}

func (s *Store) SeedQueueOnce(ctx context.Context, key string, tasks []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.hash(key)
	if _, set := h[redisstore.FieldStarted]; set {
		return false, nil
	}
	s.appendListLocked(key, redisstore.ListQueue, tasks...)
	h[redisstore.FieldStarted] = "1"
	return true, nil
}

func (s *Store) SoftDelete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[key] = true
	if kind, err := domain.KindOfKey(key); err == nil && kind == domain.KindSwarm {
		delete(s.active, key)
	}
	return nil
}

func (s *Store) WithLock(ctx context.Context, key, action string, fn func(context.Context) error) error {
	name := key + "/" + action
	s.locksMu.Lock()
	mu, ok := s.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[name] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

func (s *Store) AddActiveSwarm(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[key] = true
	return nil
}

func (s *Store) RemoveActiveSwarm(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key)
	return nil
}

func (s *Store) ActiveSwarms(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fromSet(s.active), nil
}

func (s *Store) SaveTaskDef(ctx context.Context, def *domain.TaskDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskDefs[def.Name] = *def
	return nil
}

func (s *Store) GetTaskDef(ctx context.Context, name string) (*domain.TaskDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.taskDefs[name]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

func (s *Store) hash(key string) map[string]string {
	if s.hashes[key] == nil {
		s.hashes[key] = map[string]string{}
	}
	return s.hashes[key]
}

func toSet(vals []string) map[string]bool {
	out := map[string]bool{}
	for _, v := range vals {
		out[v] = true
	}
	return out
}

func fromSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}
