package memory

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/essayflow"
)

// FileStore is a MemoryProvider persisted to a single JSON file. Every write
// rewrites the file through a temporary file and rename.
type FileStore struct {
	mu       sync.Mutex
	users    map[string]map[string]json.RawMessage
	filePath string
	logger   zerolog.Logger
}

var _ essayflow.MemoryProvider = (*FileStore)(nil)

// NewFileStore opens the store at path. A missing file starts empty.
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	o := buildOptions(opts)
	s := &FileStore{
		users:    make(map[string]map[string]json.RawMessage),
		filePath: path,
		logger:   o.logger,
	}
	if err := s.loadFromFile(); err != nil {
		return nil, err
	}
	return s, nil
}

// ForUser returns the context of userID.
func (s *FileStore) ForUser(ctx context.Context, userID string) (essayflow.MemoryContext, error) {
	if err := checkUser(ctx, userID); err != nil {
		return nil, err
	}
	return &userContext{userID: userID, backend: s}, nil
}

func (s *FileStore) loadFromFile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errbuilder.GenericErr("open memory file", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&s.users); err != nil {
		return errbuilder.GenericErr("decode memory file "+s.filePath, err)
	}
	if s.users == nil {
		s.users = make(map[string]map[string]json.RawMessage)
	}
	s.logger.Debug().Str("path", s.filePath).Int("users", len(s.users)).Msg("memory file loaded")
	return nil
}

// saveToFile must be called with s.mu held.
func (s *FileStore) saveToFile() error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errbuilder.GenericErr("create memory directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".memory-*.json")
	if err != nil {
		return errbuilder.GenericErr("create temporary memory file", err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.users); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errbuilder.GenericErr("encode memory file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errbuilder.GenericErr("close memory file", err)
	}
	if err := os.Rename(tmp.Name(), s.filePath); err != nil {
		os.Remove(tmp.Name())
		return errbuilder.GenericErr("replace memory file", err)
	}
	return nil
}

func (s *FileStore) load(_ context.Context, userID, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.users[userID][key]
	return raw, ok, nil
}

func (s *FileStore) loadMany(_ context.Context, userID string, keys []string) (map[string]json.RawMessage, error) {
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

func (s *FileStore) store(_ context.Context, userID, key string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(userID, key, raw)
}

func (s *FileStore) modify(_ context.Context, userID, key string, fn func(json.RawMessage, bool) (json.RawMessage, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[userID][key]
	next, err := fn(cur, ok)
	if err != nil {
		return err
	}
	return s.put(userID, key, next)
}

func (s *FileStore) put(userID, key string, raw json.RawMessage) error {
	values, ok := s.users[userID]
	if !ok {
		values = make(map[string]json.RawMessage)
		s.users[userID] = values
	}
	prev, existed := values[key]
	values[key] = raw
	if err := s.saveToFile(); err != nil {
		if existed {
			values[key] = prev
		} else {
			delete(values, key)
		}
		return err
	}
	return nil
}
