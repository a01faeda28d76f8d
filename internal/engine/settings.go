package engine

import (
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// Settings holds the current EngineConfig snapshot. Readers load a pointer
// and never see a half-applied change; writers serialize on mu.
type Settings struct {
	mu  sync.Mutex
	cur atomic.Pointer[domain.EngineConfig]
}

// NewSettings validates cfg and wraps it.
func NewSettings(cfg domain.EngineConfig) (*Settings, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Settings{}
	s.cur.Store(&cfg)
	return s, nil
}

// Load returns the current snapshot.
func (s *Settings) Load() domain.EngineConfig { return *s.cur.Load() }

// Update derives a new snapshot from the current one. The swap happens only
// if fn succeeds.
func (s *Settings) Update(fn func(domain.EngineConfig) (domain.EngineConfig, error)) (domain.EngineConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(*s.cur.Load())
	if err != nil {
		return *s.cur.Load(), err
	}
	s.cur.Store(&next)
	return next, nil
}
