// Package session is the per-connection arena: one entry per session id
// holding the override flag, the cancel handle of the running loop and the
// single pending confirmation slot.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/agent"
	"github.com/kubilitics/kubilitics-operator/internal/metrics"
)

var (
	// ErrSessionBusy is returned when a loop is already running for the session.
	ErrSessionBusy = errors.New("session is busy")
	// ErrNoPendingConfirmation is returned when a decision arrives with nothing
	// to decide, including a second decision for the same confirmation.
	ErrNoPendingConfirmation = errors.New("no pending confirmation")
	// ErrConfirmationPending is returned when a new message arrives while a
	// confirmation is outstanding.
	ErrConfirmationPending = errors.New("a confirmation is pending")
)

// Session is one conversation.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	override   bool
	running    bool
	cancel     context.CancelFunc
	pending    *agent.PendingConfirmation
	lastActive time.Time
}

// Info is a read-only view of a session.
type Info struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Running    bool      `json:"running"`
	Override   bool      `json:"override"`
	Pending    string    `json:"pending_confirmation,omitempty"`
}

// Begin marks a loop as running and derives its cancellable context. The
// returned done func must be called when the loop returns.
func (s *Session) Begin(parent context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, nil, ErrSessionBusy
	}
	ctx, cancel := context.WithCancel(parent)
	s.running = true
	s.cancel = cancel
	s.lastActive = time.Now()

	var once sync.Once
	done := func() {
		once.Do(func() {
			s.mu.Lock()
			s.running = false
			s.cancel = nil
			s.lastActive = time.Now()
			s.mu.Unlock()
			cancel()
		})
	}
	return ctx, done, nil
}

// Stop cancels the running loop. It reports whether there was one.
func (s *Session) Stop() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Running reports whether a loop is in flight.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Override reports the session's override flag.
func (s *Session) Override() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.override
}

// SetOverride sets the override flag.
func (s *Session) SetOverride(v bool) {
	s.mu.Lock()
	s.override = v
	s.mu.Unlock()
}

// SetPending stores the confirmation the loop paused on.
func (s *Session) SetPending(pc *agent.PendingConfirmation) {
	s.mu.Lock()
	s.pending = pc
	s.mu.Unlock()
}

// HasPending reports whether a confirmation is outstanding.
func (s *Session) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// TakePending consumes the pending confirmation. A second call returns
// ErrNoPendingConfirmation.
func (s *Session) TakePending() (*agent.PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil, ErrNoPendingConfirmation
	}
	pc := s.pending
	s.pending = nil
	return pc, nil
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		LastActive: s.lastActive,
		Running:    s.running,
		Override:   s.override,
	}
	if s.pending != nil {
		info.Pending = s.pending.ID
	}
	return info
}

// ─── Registry ────────────────────────────────────────────────────────────────

// Registry maps session ids to sessions for the lifetime of the process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	onRemove func(id string)
	logger   *zap.Logger
}

// NewRegistry creates a registry. onRemove runs after a session is torn
// down, e.g. to drop its context state.
func NewRegistry(onRemove func(id string), logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		onRemove: onRemove,
		logger:   logger,
	}
}

// GetOrCreate returns the session for id, creating it on first use. An
// empty id gets a fresh random one.
func (r *Registry) GetOrCreate(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.sessions[id]; ok {
		return s
	}
	now := time.Now()
	s = &Session{ID: id, CreatedAt: now, lastActive: now}
	r.sessions[id] = s
	metrics.ActiveSessions.Inc()
	r.logger.Debug("session created", zap.String("session_id", id))
	return s
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove tears a session down: the running loop is cancelled and the
// pending confirmation dropped. It returns the dropped confirmation, if any.
func (r *Registry) Remove(id string) *agent.PendingConfirmation {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	metrics.ActiveSessions.Dec()
	s.Stop()
	pc, _ := s.TakePending()
	if r.onRemove != nil {
		r.onRemove(id)
	}
	r.logger.Debug("session removed", zap.String("session_id", id))
	return pc
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of every session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
