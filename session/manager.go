package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/stepcast/stepcast/agent"
	"github.com/stepcast/stepcast/history"
)

type (
	// Factory builds the agent instance backing a new session. agentType is
	// the caller-chosen kind from session creation; maxSteps bounds the
	// agent's step budget when positive.
	Factory func(agentType string, maxSteps int) (agent.Agent, error)

	// Options tunes manager behavior. Zero values select the defaults.
	Options struct {
		// HistoryCapacity bounds each session's message store.
		HistoryCapacity int
		// IdleTimeout is how long a terminal session may sit idle before
		// the reaper removes it.
		IdleTimeout time.Duration
		// ReapInterval is how often the reaper wakes.
		ReapInterval time.Duration
	}

	// Manager is the process-wide session registry. It is constructed
	// explicitly, passed to the transport layer, and torn down once at
	// shutdown; there is no package-level instance.
	Manager struct {
		factory Factory
		opts    Options

		mu       sync.RWMutex
		sessions map[string]*Session

		stopReaper context.CancelFunc
		reaperDone chan struct{}
		shutdown   sync.Once
	}
)

const (
	// DefaultIdleTimeout is the reaper's idle threshold when unconfigured.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultReapInterval is the reaper's wake interval when unconfigured.
	DefaultReapInterval = time.Minute
)

// NewManager returns a running manager: the background reaper starts
// immediately and runs until Shutdown. ctx carries the logger the reaper
// logs through.
func NewManager(ctx context.Context, factory Factory, opts Options) *Manager {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = history.DefaultCapacity
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	reaperCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		factory:    factory,
		opts:       opts,
		sessions:   make(map[string]*Session),
		stopReaper: cancel,
		reaperDone: make(chan struct{}),
	}
	go m.reap(reaperCtx)
	return m
}

// Create builds a new session around a freshly constructed agent and
// registers it under a generated identifier.
func (m *Manager) Create(ctx context.Context, agentType string, maxSteps int) (*Session, error) {
	return m.create(ctx, "session-"+uuid.NewString(), agentType, maxSteps)
}

// GetOrCreate returns the session registered under id, creating one with
// that identifier when none exists.
func (m *Manager) GetOrCreate(ctx context.Context, id, agentType string, maxSteps int) (*Session, error) {
	if id == "" {
		return m.Create(ctx, agentType, maxSteps)
	}
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}
	return m.create(ctx, id, agentType, maxSteps)
}

func (m *Manager) create(ctx context.Context, id, agentType string, maxSteps int) (*Session, error) {
	ag, err := m.factory(agentType, maxSteps)
	if err != nil {
		return nil, fmt.Errorf("build %q agent: %w", agentType, err)
	}
	s := newSession(id, agentType, ag, m.opts.HistoryCapacity)
	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		// Lost the insert race: release the agent built for nothing.
		if stopper, ok := ag.(agent.Stopper); ok {
			if err := stopper.Stop(ctx); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "agent stop failed"}, log.KV{K: "session_id", V: id})
			}
		}
		return existing, nil
	}
	m.sessions[id] = s
	m.mu.Unlock()
	log.Printf(ctx, "session created: id=%s agent_type=%s", id, agentType)
	return s, nil
}

// Get looks up a session by identifier.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns snapshots of every registered session, ordered by creation
// time then id for stable output.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].SessionID < infos[j].SessionID
	})
	return infos
}

// Remove unregisters the session and runs its cleanup. Removing an unknown
// id is a no-op, so Remove is idempotent.
func (m *Manager) Remove(ctx context.Context, id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.cleanup(ctx)
	log.Printf(ctx, "session removed: id=%s", id)
}

// Len reports the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown cancels the reaper and removes every session deterministically.
// Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) {
	m.shutdown.Do(func() {
		m.stopReaper()
		<-m.reaperDone
		m.mu.Lock()
		sessions := make([]*Session, 0, len(m.sessions))
		for id, s := range m.sessions {
			sessions = append(sessions, s)
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		for _, s := range sessions {
			s.cleanup(ctx)
		}
		log.Printf(ctx, "session manager shut down: removed=%d", len(sessions))
	})
}

// reap periodically removes sessions that are both terminal and idle past
// the timeout. Sessions still idle or processing are left alone regardless
// of age: only a finished conversation can expire.
func (m *Manager) reap(ctx context.Context) {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce(ctx, time.Now().UTC())
		}
	}
}

func (m *Manager) reapOnce(ctx context.Context, now time.Time) {
	m.mu.RLock()
	expired := make([]string, 0)
	for id, s := range m.sessions {
		info := s.Snapshot()
		if info.State.Terminal() && now.Sub(info.LastActivity) > m.opts.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range expired {
		log.Printf(ctx, "reaping idle session: id=%s", id)
		m.Remove(ctx, id)
	}
}
