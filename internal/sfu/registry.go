package sfu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mkrasnov/confbridge/internal/domain"
	"github.com/mkrasnov/confbridge/internal/engine"
)

// DefaultCodecs is the fixed codec set every router is built with: one audio
// codec and one video codec. A deliberate simplification boundary, not a
// negotiation engine.
func DefaultCodecs() engine.CodecConfig {
	return engine.CodecConfig{Codecs: []engine.Codec{
		{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: "video", MimeType: "video/VP8", ClockRate: 90000},
	}}
}

// SessionRegistry maps session ids to sessions and owns their lifecycle. It is
// the only component other subsystems address directly.
//
// Empty-session policy: when the last member leaves, the session is closed
// after EmptyGrace. The default of zero closes immediately; a positive grace
// window arms a timer that re-checks membership when it fires, so a rejoin
// within the window keeps the session alive.
type SessionRegistry struct {
	pool       *WorkerPool
	timeout    time.Duration
	emptyGrace time.Duration
	codecs     engine.CodecConfig
	presence   PresenceNotifier

	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
}

func NewSessionRegistry(pool *WorkerPool, timeout, emptyGrace time.Duration, presence PresenceNotifier) *SessionRegistry {
	r := &SessionRegistry{
		pool:       pool,
		timeout:    timeout,
		emptyGrace: emptyGrace,
		codecs:     DefaultCodecs(),
		presence:   presence,
		sessions:   make(map[domain.SessionID]*Session),
	}
	pool.SetOnWorkerLost(r.onWorkerLost)
	return r
}

// CreateSession acquires a worker, builds the router context and stores a new
// session under a freshly issued opaque id.
func (r *SessionRegistry) CreateSession(ctx context.Context) (domain.SessionID, error) {
	w, err := r.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	router, err := w.CreateRouter(cctx, r.codecs)
	if err != nil {
		return "", engineErr(err)
	}
	if cctx.Err() != nil {
		_ = router.Close()
		return "", fmt.Errorf("%w: router creation", ErrEngineTimeout)
	}

	id := domain.SessionID(domain.NewID())
	s := newSession(id, w, router, r.timeout, r.presence, r.onSessionEmpty)
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	log.Info().Str("module", "sfu.registry").Str("session", string(id)).Str("worker", w.ID()).Msg("session created")
	return id, nil
}

func (r *SessionRegistry) Get(id domain.SessionID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// CloseSession removes and cascades the session. Idempotent: closing an
// unknown or already-closed id is a no-op, so racing teardown triggers
// (last-leave, admin close, engine failure) are all safe.
func (r *SessionRegistry) CloseSession(id domain.SessionID) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
}

// Sessions returns the current session set; used by stats collection.
func (r *SessionRegistry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *SessionRegistry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close tears down every session; used on shutdown.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[domain.SessionID]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func (r *SessionRegistry) onSessionEmpty(s *Session) {
	if r.emptyGrace <= 0 {
		log.Info().Str("module", "sfu.registry").Str("session", string(s.id)).Msg("last member left, closing session")
		r.CloseSession(s.id)
		return
	}
	log.Info().Str("module", "sfu.registry").Str("session", string(s.id)).Dur("grace", r.emptyGrace).Msg("last member left, grace timer armed")
	time.AfterFunc(r.emptyGrace, func() {
		if s.Empty() {
			r.CloseSession(s.id)
		}
	})
}

// onWorkerLost marks every session bound to the dead worker degraded. No
// migration is attempted; callers see ErrWorkerLost on their next resource
// operation.
func (r *SessionRegistry) onWorkerLost(w engine.Worker) {
	r.mu.RLock()
	var affected []*Session
	for _, s := range r.sessions {
		if s.worker == w {
			affected = append(affected, s)
		}
	}
	r.mu.RUnlock()
	for _, s := range affected {
		s.markDegraded()
	}
	log.Warn().Str("module", "sfu.registry").Str("worker", w.ID()).Int("sessions", len(affected)).Msg("sessions degraded after worker loss")
}
