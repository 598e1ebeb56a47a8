package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mkrasnov/confbridge/internal/domain"
	"github.com/mkrasnov/confbridge/internal/engine"
)

// PresenceNotifier receives membership side effects. The manager itself holds
// no presence state; whatever cares about it subscribes here.
type PresenceNotifier interface {
	UserJoined(sessionID domain.SessionID, userID domain.UserID)
	UserLeft(sessionID domain.SessionID, userID domain.UserID)
}

// DetailedStats is the slow, engine-backed statistics view of one session.
// One unreachable resource does not abort the whole report; its failure is
// recorded in Failed instead.
type DetailedStats struct {
	SessionID  domain.SessionID                    `json:"sessionId"`
	Transports map[domain.TransportID]engine.Stats `json:"transports"`
	Producers  map[domain.ProducerID]engine.Stats  `json:"producers"`
	Consumers  map[domain.ConsumerID]engine.Stats  `json:"consumers"`
	Failed     []string                            `json:"failed,omitempty"`
}

// Session is one conferencing room. It owns the router context and the full
// resource graph for the room, and serializes every mutation of that graph
// behind its own mutex. The mutex is held across engine round trips so a
// concurrent close of the same session can never race a half-finished
// creation; sessions never block one another.
type Session struct {
	id     domain.SessionID
	worker engine.Worker
	router engine.Router

	timeout  time.Duration
	presence PresenceNotifier
	onEmpty  func(*Session)

	mu        sync.Mutex
	ledger    *resourceLedger
	closing   bool
	degraded  bool
	createdAt time.Time
}

func newSession(id domain.SessionID, worker engine.Worker, router engine.Router, timeout time.Duration, presence PresenceNotifier, onEmpty func(*Session)) *Session {
	return &Session{
		id:        id,
		worker:    worker,
		router:    router,
		timeout:   timeout,
		presence:  presence,
		onEmpty:   onEmpty,
		ledger:    newResourceLedger(),
		createdAt: time.Now(),
	}
}

func (s *Session) ID() domain.SessionID { return s.id }

// engineErr maps raw engine failures onto the taxonomy.
func engineErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrEngineTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrEngineCallFailed, err)
}

// markDegraded flags the session after its worker died. Subsequent engine
// operations fail with ErrWorkerLost; teardown still proceeds best effort.
func (s *Session) markDegraded() {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
	log.Warn().Str("module", "sfu.session").Str("session", string(s.id)).Msg("session degraded, worker lost")
}

// Join creates an empty user context. Rejoining is a no-op.
func (s *Session) Join(userID domain.UserID) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrSessionClosing
	}
	if _, ok := s.ledger.users[userID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.ledger.addUser(userID)
	s.mu.Unlock()

	log.Info().Str("module", "sfu.session").Str("session", string(s.id)).Str("user", string(userID)).Msg("user joined")
	if s.presence != nil {
		s.presence.UserJoined(s.id, userID)
	}
	return nil
}

// Leave tears down every resource the user owns and deletes the user context.
// Unknown users are a silent no-op so racing teardown triggers stay cheap.
func (s *Session) Leave(userID domain.UserID) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	uc, ok := s.ledger.users[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	for tid := range uc.transports {
		s.teardownTransport(tid)
	}
	delete(s.ledger.users, userID)
	empty := len(s.ledger.users) == 0
	s.mu.Unlock()

	log.Info().Str("module", "sfu.session").Str("session", string(s.id)).Str("user", string(userID)).Msg("user left")
	if s.presence != nil {
		s.presence.UserLeft(s.id, userID)
	}
	if empty && s.onEmpty != nil {
		s.onEmpty(s)
	}
}

// ListProducers returns a consistent snapshot of live producers, excluding the
// caller's own. Serialized through the session mutex like every mutation, so
// it is never interleaved with an in-flight producer creation or close.
func (s *Session) ListProducers(excluding domain.UserID) []domain.ProducerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.producerList(excluding)
}

func (s *Session) CreateTransport(ctx context.Context, userID domain.UserID, opts engine.TransportOptions) (domain.TransportID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return "", ErrSessionClosing
	}
	if s.degraded {
		return "", ErrWorkerLost
	}
	if _, ok := s.ledger.users[userID]; !ok {
		return "", ErrUserNotInSession
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	et, err := s.router.CreateTransport(cctx, opts)
	if err != nil {
		return "", engineErr(err)
	}
	if cctx.Err() != nil {
		// Created engine-side after the deadline passed: release it before
		// surfacing the timeout so no orphaned engine state is left behind.
		_ = et.Close()
		return "", fmt.Errorf("%w: transport creation", ErrEngineTimeout)
	}

	id := domain.TransportID(domain.NewID())
	rec := newTransportRec(id, userID, et)
	et.OnClosed(func() { go s.onEngineTransportClosed(id) })
	s.ledger.addTransport(rec)
	log.Info().Str("module", "sfu.session").Str("session", string(s.id)).Str("user", string(userID)).Str("transport", string(id)).Msg("transport created")
	return id, nil
}

func (s *Session) ConnectTransport(ctx context.Context, userID domain.UserID, transportID domain.TransportID, params engine.ConnectParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrSessionClosing
	}
	if s.degraded {
		return ErrWorkerLost
	}
	if _, ok := s.ledger.users[userID]; !ok {
		return ErrUserNotInSession
	}
	rec, ok := s.ledger.transports[transportID]
	if !ok {
		return ErrResourceNotFound
	}
	if !rec.state.Can(evConnect) {
		return fmt.Errorf("%w: transport already connected", ErrEngineCallFailed)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := rec.eng.Connect(cctx, params); err != nil {
		return engineErr(err)
	}
	_ = rec.state.Event(ctx, evConnect)
	return nil
}

func (s *Session) CreateProducer(ctx context.Context, userID domain.UserID, transportID domain.TransportID, kind domain.MediaKind, params engine.MediaParams) (domain.ProducerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return "", ErrSessionClosing
	}
	if s.degraded {
		return "", ErrWorkerLost
	}
	if _, ok := s.ledger.users[userID]; !ok {
		return "", ErrUserNotInSession
	}
	rec, ok := s.ledger.transports[transportID]
	if !ok {
		return "", ErrResourceNotFound
	}
	if rec.userID != userID {
		return "", ErrNotOwner
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown media kind %q", ErrEngineCallFailed, kind)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ep, err := rec.eng.Produce(cctx, string(kind), params)
	if err != nil {
		return "", engineErr(err)
	}
	if cctx.Err() != nil {
		_ = ep.Close()
		return "", fmt.Errorf("%w: producer creation", ErrEngineTimeout)
	}

	id := domain.ProducerID(domain.NewID())
	prec := newProducerRec(id, userID, transportID, kind, ep)
	ep.OnClosed(func() { go s.onEngineProducerClosed(id) })
	s.ledger.addProducer(prec)
	log.Info().Str("module", "sfu.session").Str("session", string(s.id)).Str("user", string(userID)).Str("producer", string(id)).Str("kind", string(kind)).Msg("producer created")
	return id, nil
}

func (s *Session) CreateConsumer(ctx context.Context, userID domain.UserID, transportID domain.TransportID, producerID domain.ProducerID, caps engine.Capabilities) (domain.ConsumerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return "", ErrSessionClosing
	}
	if s.degraded {
		return "", ErrWorkerLost
	}
	if _, ok := s.ledger.users[userID]; !ok {
		return "", ErrUserNotInSession
	}
	rec, ok := s.ledger.transports[transportID]
	if !ok {
		return "", ErrResourceNotFound
	}
	if rec.userID != userID {
		return "", ErrNotOwner
	}
	// The producer may have closed between discovery and this call; that race
	// is expected and surfaces as a normal not-found error.
	prec, ok := s.ledger.producers[producerID]
	if !ok {
		return "", ErrResourceNotFound
	}
	if !s.router.CanConsume(prec.eng.ID(), caps) {
		return "", ErrIncompatibleCodec
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ec, err := rec.eng.Consume(cctx, prec.eng.ID(), caps)
	if err != nil {
		return "", engineErr(err)
	}
	if cctx.Err() != nil {
		_ = ec.Close()
		return "", fmt.Errorf("%w: consumer creation", ErrEngineTimeout)
	}

	id := domain.ConsumerID(domain.NewID())
	crec := newConsumerRec(id, userID, transportID, producerID, ec)
	ec.OnClosed(func() { go s.onEngineConsumerClosed(id) })
	s.ledger.addConsumer(crec)
	log.Info().Str("module", "sfu.session").Str("session", string(s.id)).Str("user", string(userID)).Str("consumer", string(id)).Str("producer", string(producerID)).Msg("consumer created")
	return id, nil
}

func (s *Session) PauseProducer(ctx context.Context, producerID domain.ProducerID) error {
	return s.toggleProducer(ctx, producerID, evPause)
}

func (s *Session) ResumeProducer(ctx context.Context, producerID domain.ProducerID) error {
	return s.toggleProducer(ctx, producerID, evResume)
}

func (s *Session) toggleProducer(ctx context.Context, producerID domain.ProducerID, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrSessionClosing
	}
	if s.degraded {
		return ErrWorkerLost
	}
	rec, ok := s.ledger.producers[producerID]
	if !ok {
		return ErrResourceNotFound
	}
	if !rec.state.Can(event) {
		// Already in the requested state.
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var err error
	if event == evPause {
		err = rec.eng.Pause(cctx)
	} else {
		err = rec.eng.Resume(cctx)
	}
	if err != nil {
		return engineErr(err)
	}
	_ = rec.state.Event(ctx, event)
	return nil
}

func (s *Session) CloseProducer(producerID domain.ProducerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger.producers[producerID]; !ok {
		return ErrResourceNotFound
	}
	s.teardownProducer(producerID)
	return nil
}

func (s *Session) PauseConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	return s.toggleConsumer(ctx, consumerID, evPause)
}

func (s *Session) ResumeConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	return s.toggleConsumer(ctx, consumerID, evResume)
}

func (s *Session) toggleConsumer(ctx context.Context, consumerID domain.ConsumerID, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrSessionClosing
	}
	if s.degraded {
		return ErrWorkerLost
	}
	rec, ok := s.ledger.consumers[consumerID]
	if !ok {
		return ErrResourceNotFound
	}
	if !rec.state.Can(event) {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var err error
	if event == evPause {
		err = rec.eng.Pause(cctx)
	} else {
		err = rec.eng.Resume(cctx)
	}
	if err != nil {
		return engineErr(err)
	}
	_ = rec.state.Event(ctx, event)
	return nil
}

func (s *Session) CloseConsumer(consumerID domain.ConsumerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger.consumers[consumerID]; !ok {
		return ErrResourceNotFound
	}
	s.teardownConsumer(consumerID)
	return nil
}

// CloseTransport is idempotent: the engine may have reported the transport
// closed already, in which case the ledger is clean and this is a no-op.
func (s *Session) CloseTransport(transportID domain.TransportID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownTransport(transportID)
	return nil
}

// Counts reports ledger sizes. Cheap by construction, no engine round trip.
func (s *Session) Counts() domain.SessionCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.counts(s.id)
}

// Empty reports whether the session currently has no members.
func (s *Session) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger.users) == 0 && !s.closing
}

// DetailedStats fans out to the engine for live per-resource statistics.
// Partial failure is expected: an unreachable resource lands in Failed and
// the rest of the report is still returned.
func (s *Session) DetailedStats(ctx context.Context) *DetailedStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &DetailedStats{
		SessionID:  s.id,
		Transports: make(map[domain.TransportID]engine.Stats, len(s.ledger.transports)),
		Producers:  make(map[domain.ProducerID]engine.Stats, len(s.ledger.producers)),
		Consumers:  make(map[domain.ConsumerID]engine.Stats, len(s.ledger.consumers)),
	}
	for id, rec := range s.ledger.transports {
		st, err := s.statsCall(ctx, rec.eng.GetStats)
		if err != nil {
			out.Failed = append(out.Failed, fmt.Sprintf("transport %s: %v", id, err))
			continue
		}
		out.Transports[id] = st
	}
	for id, rec := range s.ledger.producers {
		st, err := s.statsCall(ctx, rec.eng.GetStats)
		if err != nil {
			out.Failed = append(out.Failed, fmt.Sprintf("producer %s: %v", id, err))
			continue
		}
		out.Producers[id] = st
	}
	for id, rec := range s.ledger.consumers {
		st, err := s.statsCall(ctx, rec.eng.GetStats)
		if err != nil {
			out.Failed = append(out.Failed, fmt.Sprintf("consumer %s: %v", id, err))
			continue
		}
		out.Consumers[id] = st
	}
	return out
}

func (s *Session) statsCall(ctx context.Context, fn func(context.Context) (engine.Stats, error)) (engine.Stats, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(cctx)
}

// Close cascades full teardown: every user context, every resource, then the
// router context. Safe to call concurrently with in-flight operations; they
// either finish before the closing flag is set or fail with ErrSessionClosing.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	for userID, uc := range s.ledger.users {
		for tid := range uc.transports {
			s.teardownTransport(tid)
		}
		delete(s.ledger.users, userID)
	}
	// Anything unowned left behind would be a ledger bug; sweep regardless.
	for tid := range s.ledger.transports {
		s.teardownTransport(tid)
	}
	if err := s.router.Close(); err != nil {
		log.Warn().Str("module", "sfu.session").Str("session", string(s.id)).Err(err).Msg("router close failed")
	}
	s.mu.Unlock()
	log.Info().Str("module", "sfu.session").Str("session", string(s.id)).Msg("session closed")
}

// Teardown functions below are the single close path per resource type,
// invoked from every trigger: explicit request, parent cascade, engine-side
// close. The "still in the ledger" check is the idempotency guard; a repeat
// invocation finds nothing and returns. Callers hold s.mu.

func (s *Session) teardownTransport(id domain.TransportID) {
	rec, ok := s.ledger.removeTransport(id)
	if !ok {
		return
	}
	for pid := range rec.producers {
		s.teardownProducer(pid)
	}
	for cid := range rec.consumers {
		s.teardownConsumer(cid)
	}
	_ = rec.state.Event(context.Background(), evClose)
	if err := rec.eng.Close(); err != nil {
		log.Warn().Str("module", "sfu.session").Str("session", string(s.id)).Str("transport", string(id)).Err(err).Msg("engine transport close failed, cascade continues")
	}
	log.Debug().Str("module", "sfu.session").Str("session", string(s.id)).Str("transport", string(id)).Msg("transport torn down")
}

func (s *Session) teardownProducer(id domain.ProducerID) {
	rec, ok := s.ledger.removeProducer(id)
	if !ok {
		return
	}
	// Consumers are never kept alive against a closed producer, wherever they
	// are owned.
	for _, crec := range s.ledger.consumersOf(id) {
		s.teardownConsumer(crec.id)
	}
	_ = rec.state.Event(context.Background(), evClose)
	if err := rec.eng.Close(); err != nil {
		log.Warn().Str("module", "sfu.session").Str("session", string(s.id)).Str("producer", string(id)).Err(err).Msg("engine producer close failed, cascade continues")
	}
	log.Debug().Str("module", "sfu.session").Str("session", string(s.id)).Str("producer", string(id)).Msg("producer torn down")
}

func (s *Session) teardownConsumer(id domain.ConsumerID) {
	rec, ok := s.ledger.removeConsumer(id)
	if !ok {
		return
	}
	_ = rec.state.Event(context.Background(), evClose)
	if err := rec.eng.Close(); err != nil {
		log.Warn().Str("module", "sfu.session").Str("session", string(s.id)).Str("consumer", string(id)).Err(err).Msg("engine consumer close failed, cascade continues")
	}
	log.Debug().Str("module", "sfu.session").Str("session", string(s.id)).Str("consumer", string(id)).Msg("consumer torn down")
}

// Engine-side close notifications arrive on engine goroutines and may race a
// manager-initiated teardown of the same resource; the ledger check inside the
// teardown function makes the second arrival a no-op.

func (s *Session) onEngineTransportClosed(id domain.TransportID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownTransport(id)
}

func (s *Session) onEngineProducerClosed(id domain.ProducerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownProducer(id)
}

func (s *Session) onEngineConsumerClosed(id domain.ConsumerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownConsumer(id)
}
