// Package sfu is the multi-party media session and resource manager: it owns
// the worker pool, the session registry and every per-session resource ledger,
// and enforces the cascading-teardown discipline across all of them.
package sfu

import (
	"context"
	"time"

	"github.com/mkrasnov/confbridge/internal/domain"
	"github.com/mkrasnov/confbridge/internal/engine"
)

type Config struct {
	// PoolSize is the number of workers created at warm-up.
	PoolSize int
	// EngineTimeout bounds every call into the media engine.
	EngineTimeout time.Duration
	// EmptyGrace is how long an empty session lingers before it is closed.
	// Zero closes immediately.
	EmptyGrace time.Duration
	// Presence, when set, receives join/leave notifications.
	Presence PresenceNotifier
}

// Manager is the outward surface invoked by the signaling layer. Everything it
// takes and returns is plain data; engine types never cross this boundary.
type Manager struct {
	pool     *WorkerPool
	registry *SessionRegistry
	stats    *StatsCollector
	poolSize int
}

func New(eng engine.Engine, cfg Config) *Manager {
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 5 * time.Second
	}
	pool := NewWorkerPool(eng, cfg.EngineTimeout)
	registry := NewSessionRegistry(pool, cfg.EngineTimeout, cfg.EmptyGrace, cfg.Presence)
	return &Manager{
		pool:     pool,
		registry: registry,
		stats:    NewStatsCollector(pool, registry),
		poolSize: cfg.PoolSize,
	}
}

// WarmUp pre-creates the configured number of workers.
func (m *Manager) WarmUp(ctx context.Context) error {
	if m.poolSize <= 0 {
		return nil
	}
	return m.pool.WarmUp(ctx, m.poolSize)
}

func (m *Manager) Stats() *StatsCollector { return m.stats }

func (m *Manager) CreateSession(ctx context.Context) (domain.SessionID, error) {
	return m.registry.CreateSession(ctx)
}

func (m *Manager) CloseSession(id domain.SessionID) {
	m.registry.CloseSession(id)
}

func (m *Manager) Join(sessionID domain.SessionID, userID domain.UserID) error {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Join(userID)
}

func (m *Manager) Leave(sessionID domain.SessionID, userID domain.UserID) error {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return err
	}
	s.Leave(userID)
	return nil
}

func (m *Manager) ListProducers(sessionID domain.SessionID, excluding domain.UserID) ([]domain.ProducerInfo, error) {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.ListProducers(excluding), nil
}

func (m *Manager) CreateTransport(ctx context.Context, sessionID domain.SessionID, userID domain.UserID, opts engine.TransportOptions) (domain.TransportID, error) {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return "", err
	}
	return s.CreateTransport(ctx, userID, opts)
}

func (m *Manager) ConnectTransport(ctx context.Context, sessionID domain.SessionID, userID domain.UserID, transportID domain.TransportID, params engine.ConnectParams) error {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return s.ConnectTransport(ctx, userID, transportID, params)
}

func (m *Manager) CloseTransport(sessionID domain.SessionID, transportID domain.TransportID) error {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return s.CloseTransport(transportID)
}

func (m *Manager) CreateProducer(ctx context.Context, sessionID domain.SessionID, userID domain.UserID, transportID domain.TransportID, kind domain.MediaKind, params engine.MediaParams) (domain.ProducerID, error) {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return "", err
	}
	return s.CreateProducer(ctx, userID, transportID, kind, params)
}

func (m *Manager) PauseProducer(ctx context.Context, sessionID domain.SessionID, producerID domain.ProducerID) error {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return s.PauseProducer(ctx, producerID)
}

func (m *Manager) ResumeProducer(ctx context.Context, sessionID domain.SessionID, producerID domain.ProducerID) error {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return s.ResumeProducer(ctx, producerID)
}

func (m *Manager) CloseProducer(sessionID domain.SessionID, producerID domain.ProducerID) error {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return s.CloseProducer(producerID)
}

func (m *Manager) CreateConsumer(ctx context.Context, sessionID domain.SessionID, userID domain.UserID, transportID domain.TransportID, producerID domain.ProducerID, caps engine.Capabilities) (domain.ConsumerID, error) {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return "", err
	}
	return s.CreateConsumer(ctx, userID, transportID, producerID, caps)
}

func (m *Manager) PauseConsumer(ctx context.Context, sessionID domain.SessionID, consumerID domain.ConsumerID) error {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return s.PauseConsumer(ctx, consumerID)
}

func (m *Manager) ResumeConsumer(ctx context.Context, sessionID domain.SessionID, consumerID domain.ConsumerID) error {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return s.ResumeConsumer(ctx, consumerID)
}

func (m *Manager) CloseConsumer(sessionID domain.SessionID, consumerID domain.ConsumerID) error {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return s.CloseConsumer(consumerID)
}

func (m *Manager) Snapshot() domain.Snapshot {
	return m.stats.Snapshot()
}

func (m *Manager) DetailedStats(ctx context.Context, sessionID domain.SessionID) (*DetailedStats, error) {
	return m.stats.DetailedStats(ctx, sessionID)
}

// Shutdown closes every session and worker. Best effort, used on exit.
func (m *Manager) Shutdown() {
	m.registry.Close()
	m.pool.Close()
}
