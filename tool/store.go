package tool

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Store is the persistence boundary for tool definitions. The fleet reads it
// at startup and writes through it on register and unregister.
type Store interface {
	List(ctx context.Context) ([]Definition, error)
	Get(ctx context.Context, name string) (Definition, bool, error)
	Upsert(ctx context.Context, def Definition) error
	Delete(ctx context.Context, name string) error
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]Definition)}
}

func (s *MemoryStore) List(ctx context.Context) ([]Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def.Clone())
	}
	slices.SortFunc(out, func(a, b Definition) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, name string) (Definition, bool, error) {
	if err := ctx.Err(); err != nil {
		return Definition{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	if !ok {
		return Definition{}, false, nil
	}
	return def.Clone(), true, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, def Definition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(def.Name) == "" {
		return Errorf(KindConfig, "definition name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.Name] = def.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, name)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
