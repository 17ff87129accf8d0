package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/paperclash/realtime/internal/store"
	"github.com/rs/zerolog"
)

// Settings keeps the full system_settings table in memory so setting
// reads never touch the database. Readers load an immutable snapshot;
// the single writer path replaces it wholesale under a mutex.
type Settings struct {
	snapshot atomic.Value // map[string]store.Setting
	mu       sync.Mutex
	logger   zerolog.Logger
}

// NewSettings loads the initial snapshot from the store.
func NewSettings(ctx context.Context, st *store.Store, logger zerolog.Logger) (*Settings, error) {
	s := &Settings{logger: logger.With().Str("component", "settings_cache").Logger()}
	if err := s.Reload(ctx, st); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the snapshot with the current table contents.
func (s *Settings) Reload(ctx context.Context, st *store.Store) error {
	all, err := st.AllSettings(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]store.Setting, len(all))
	for _, set := range all {
		next[set.Key] = set
	}
	s.mu.Lock()
	s.snapshot.Store(next)
	s.mu.Unlock()
	s.logger.Debug().Int("settings", len(next)).Msg("Settings snapshot reloaded")
	return nil
}

// Get returns one setting by key.
func (s *Settings) Get(key string) (store.Setting, bool) {
	set, ok := s.load()[key]
	return set, ok
}

// All returns every cached setting.
func (s *Settings) All() []store.Setting {
	snap := s.load()
	out := make([]store.Setting, 0, len(snap))
	for _, set := range snap {
		out = append(out, set)
	}
	return out
}

// Category returns settings whose key prefix (before the first dot)
// matches the given category.
func (s *Settings) Category(category string) []store.Setting {
	var out []store.Setting
	for _, set := range s.load() {
		if set.Category() == category {
			out = append(out, set)
		}
	}
	return out
}

// Put installs an updated setting after a successful write to the store.
// The snapshot map is never mutated in place; a copy replaces it.
func (s *Settings) Put(set store.Setting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.load()
	next := make(map[string]store.Setting, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[set.Key] = set
	s.snapshot.Store(next)
}

func (s *Settings) load() map[string]store.Setting {
	if snap, ok := s.snapshot.Load().(map[string]store.Setting); ok {
		return snap
	}
	return nil
}
