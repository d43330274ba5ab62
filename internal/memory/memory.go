// Package memory provides MemoryContext stores: in-process, JSON file and
// PostgreSQL. Every store isolates users and keeps JSON value semantics, so
// a value read back is the JSON decoding of the value written.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ZanzyTHEbar/essayflow"
)

// Option configures a store.
type Option func(*options)

type options struct {
	logger zerolog.Logger
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store is an in-process MemoryProvider.
type Store struct {
	mu     sync.Mutex
	users  map[string]map[string]json.RawMessage
	logger zerolog.Logger
}

var _ essayflow.MemoryProvider = (*Store)(nil)

// NewStore creates an empty in-process store.
func NewStore(opts ...Option) *Store {
	o := buildOptions(opts)
	return &Store{
		users:  make(map[string]map[string]json.RawMessage),
		logger: o.logger,
	}
}

// Seed stores values for a user, typically a profile before the first turn.
func (s *Store) Seed(userID string, values map[string]any) error {
	mc, err := s.ForUser(context.Background(), userID)
	if err != nil {
		return err
	}
	for k, v := range values {
		if err := mc.Set(context.Background(), k, v); err != nil {
			return err
		}
	}
	return nil
}

// ForUser returns the context of userID.
func (s *Store) ForUser(ctx context.Context, userID string) (essayflow.MemoryContext, error) {
	if err := checkUser(ctx, userID); err != nil {
		return nil, err
	}
	return &userContext{userID: userID, backend: s}, nil
}

func (s *Store) load(_ context.Context, userID, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.users[userID][key]
	return raw, ok, nil
}

func (s *Store) loadMany(_ context.Context, userID string, keys []string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if raw, ok := s.users[userID][k]; ok {
			out[k] = raw
		}
	}
	return out, nil
}

func (s *Store) store(_ context.Context, userID, key string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(userID, key, raw)
	return nil
}

func (s *Store) modify(_ context.Context, userID, key string, fn func(json.RawMessage, bool) (json.RawMessage, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[userID][key]
	next, err := fn(cur, ok)
	if err != nil {
		return err
	}
	s.put(userID, key, next)
	return nil
}

func (s *Store) put(userID, key string, raw json.RawMessage) {
	values, ok := s.users[userID]
	if !ok {
		values = make(map[string]json.RawMessage)
		s.users[userID] = values
	}
	values[key] = raw
	s.logger.Trace().Str("user_id", userID).Str("key", key).Msg("memory value stored")
}

// backend is the raw JSON layer shared by every store.
type backend interface {
	load(ctx context.Context, userID, key string) (json.RawMessage, bool, error)
	loadMany(ctx context.Context, userID string, keys []string) (map[string]json.RawMessage, error)
	store(ctx context.Context, userID, key string, raw json.RawMessage) error
	modify(ctx context.Context, userID, key string, fn func(json.RawMessage, bool) (json.RawMessage, error)) error
}

// userContext adapts a backend to essayflow.MemoryContext for one user.
type userContext struct {
	userID  string
	backend backend
}

func (u *userContext) Get(ctx context.Context, key string) (any, bool, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, false, err
	}
	raw, ok, err := u.backend.load(ctx, u.userID, key)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (u *userContext) Set(ctx context.Context, key string, value any) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return err
	}
	return u.backend.store(ctx, u.userID, key, raw)
}

func (u *userContext) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}
	raws, err := u.backend.loadMany(ctx, u.userID, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raws))
	for k, raw := range raws {
		v, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (u *userContext) Update(ctx context.Context, key string, fn func(current any, ok bool) (any, error)) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	return u.backend.modify(ctx, u.userID, key, func(raw json.RawMessage, ok bool) (json.RawMessage, error) {
		var cur any
		if ok {
			v, err := decode(raw)
			if err != nil {
				return nil, err
			}
			cur = v
		}
		next, err := fn(cur, ok)
		if err != nil {
			return nil, err
		}
		return encode(next)
	})
}

// Require reads key and fails with a not-found error when it is absent.
func Require(ctx context.Context, mc essayflow.MemoryContext, key string) (any, error) {
	v, ok, err := mc.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("memory key not found: "+key, nil))
	}
	return v, nil
}

func checkUser(ctx context.Context, userID string) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	if userID == "" {
		return errbuilder.GenericErr("user id is required", nil)
	}
	return nil
}

func encode(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errbuilder.GenericErr("memory value is not JSON encodable", err)
	}
	return raw, nil
}

func decode(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errbuilder.GenericErr("stored memory value is corrupt", err)
	}
	return v, nil
}
