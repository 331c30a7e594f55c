package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fracture-scan/backend/internal/config"
	"github.com/fracture-scan/backend/internal/logger"
	"github.com/fracture-scan/backend/internal/upload"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// DefaultMaxSessions limits concurrent sessions to prevent memory exhaustion
const DefaultMaxSessions = 50

// DefaultKeepAliveWindow is how long to keep sessions that are actively being used
const DefaultKeepAliveWindow = 5 * time.Minute

var (
	// ErrCapacity is returned when every session slot holds an active session.
	ErrCapacity = errors.New("session capacity reached")
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("session not found")
)

// Factory builds the controller for a new session.
type Factory func(id string) *upload.Controller

// Options tunes capacity and keep-alive.
type Options struct {
	MaxSessions     int
	KeepAliveWindow time.Duration
}

// OptionsFromConfig builds Options from the application config.
func OptionsFromConfig(cfg *config.AppConfig) Options {
	return Options{
		MaxSessions:     cfg.Sessions.MaxSessions,
		KeepAliveWindow: cfg.KeepAliveWindow(),
	}
}

// Manager owns one upload controller per operator session.
type Manager struct {
	sessions map[string]*SessionState
	mu       sync.RWMutex
	opts     Options
	factory  Factory
	cron     *cron.Cron
}

// SessionState holds a session's controller and access bookkeeping.
type SessionState struct {
	Controller   *upload.Controller
	CreatedAt    time.Time
	LastAccessed time.Time // Last time the session was accessed (for keep-alive)
}

// NewManager creates a new session manager.
func NewManager(opts Options, factory Factory) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.KeepAliveWindow <= 0 {
		opts.KeepAliveWindow = DefaultKeepAliveWindow
	}
	return &Manager{
		sessions: make(map[string]*SessionState),
		opts:     opts,
		factory:  factory,
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}
}

// StartSession creates a session, evicting the least recently used idle
// session when at capacity.
func (m *Manager) StartSession() (*upload.Controller, error) {
	id := uuid.New().String()
	ctrl := m.factory(id)
	now := time.Now()

	m.mu.Lock()
	evicted, err := m.evictLocked()
	if err != nil {
		m.mu.Unlock()
		ctrl.Close()
		return nil, err
	}
	m.sessions[id] = &SessionState{
		Controller:   ctrl,
		CreatedAt:    now,
		LastAccessed: now,
	}
	count := len(m.sessions)
	m.mu.Unlock()

	closeAll(evicted)
	logger.WithField("session", id).WithField("active", count).Info("Session started")
	return ctrl, nil
}

// evictLocked removes idle sessions, oldest access first, until a slot is
// free. The caller closes the returned controllers after unlocking.
func (m *Manager) evictLocked() ([]*upload.Controller, error) {
	if len(m.sessions) < m.opts.MaxSessions {
		return nil, nil
	}

	var idle []string
	for id, state := range m.sessions {
		if !state.Controller.Busy() {
			idle = append(idle, id)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return m.sessions[idle[i]].LastAccessed.Before(m.sessions[idle[j]].LastAccessed)
	})

	toFree := len(m.sessions) - m.opts.MaxSessions + 1
	if len(idle) < toFree {
		return nil, fmt.Errorf("%w: %d active", ErrCapacity, len(m.sessions))
	}

	var closing []*upload.Controller
	for _, id := range idle[:toFree] {
		closing = append(closing, m.sessions[id].Controller)
		delete(m.sessions, id)
		logger.WithField("session", id).Info("Evicted idle session to free capacity")
	}
	return closing, nil
}

// GetSession returns a session's controller by ID.
func (m *Manager) GetSession(id string) (*upload.Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return state.Controller, true
}

// TouchSession updates the LastAccessed timestamp for a session.
// This should be called whenever a session is actively being used
// to prevent it from being cleaned up.
func (m *Manager) TouchSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return false
	}
	state.LastAccessed = time.Now()
	return true
}

// DeleteSession ends a session and releases everything it holds.
func (m *Manager) DeleteSession(id string) error {
	m.mu.Lock()
	state, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	logger.WithField("session", id).Info("Session ended")
	return state.Controller.Close()
}

// CleanupOldSessions removes sessions not accessed within maxAge. Sessions
// touched within the keep-alive window or with work in flight are kept.
// It returns the number of sessions removed.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) int {
	now := time.Now()
	cutoff := now.Add(-maxAge)
	keepAliveCutoff := now.Add(-m.opts.KeepAliveWindow)

	m.mu.Lock()
	var closing []*upload.Controller
	for id, state := range m.sessions {
		if state.LastAccessed.After(keepAliveCutoff) || state.Controller.Busy() {
			continue
		}
		if state.LastAccessed.Before(cutoff) {
			closing = append(closing, state.Controller)
			delete(m.sessions, id)
			logger.WithField("session", id).
				WithField("idle", now.Sub(state.LastAccessed).Round(time.Second).String()).
				Info("Cleaned up aged session")
		}
	}
	m.mu.Unlock()

	closeAll(closing)
	return len(closing)
}

// ScheduleCleanup runs CleanupOldSessions every interval until Stop.
func (m *Manager) ScheduleCleanup(interval, maxAge time.Duration) error {
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := m.cron.AddFunc(spec, func() { m.CleanupOldSessions(maxAge) }); err != nil {
		return fmt.Errorf("scheduling session cleanup: %w", err)
	}
	m.cron.Start()
	logger.WithField("interval", interval.String()).Info("Session cleanup scheduled")
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop halts scheduled cleanup and closes every session.
func (m *Manager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()

	m.mu.Lock()
	closing := make([]*upload.Controller, 0, len(m.sessions))
	for id, state := range m.sessions {
		closing = append(closing, state.Controller)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	closeAll(closing)
}

func closeAll(ctrls []*upload.Controller) {
	for _, c := range ctrls {
		if err := c.Close(); err != nil {
			logger.WithField("session", c.ID()).WithError(err).Warn("Failed to close session")
		}
	}
}
