// Package pionrtc is the reference engine.Engine implementation backed by
// pion/webrtc. A worker is one webrtc.API with its own media and setting
// engines; a router is the per-session codec scope; transports wrap
// PeerConnections; producers relay inbound RTP onto a local static track that
// consumers attach to.
package pionrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mkrasnov/confbridge/internal/engine"
)

type Config struct {
	// PublicIP, when set, is announced as a NAT 1:1 host candidate.
	PublicIP string
	// MinPort/MaxPort bound the ephemeral UDP range used for media.
	MinPort uint16
	MaxPort uint16
	// STUNServers in URL form, e.g. "stun:stun.l.google.com:19302".
	STUNServers []string
}

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) CreateWorker(ctx context.Context) (engine.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	if e.cfg.MinPort > 0 && e.cfg.MaxPort > e.cfg.MinPort {
		if err := se.SetEphemeralUDPPortRange(e.cfg.MinPort, e.cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}
	if e.cfg.PublicIP != "" {
		se.SetNAT1To1IPs([]string{e.cfg.PublicIP}, webrtc.ICECandidateTypeHost)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))

	w := &worker{id: uuid.NewString(), api: api, cfg: e.cfg}
	log.Info().Str("module", "pionrtc").Str("worker", w.id).Msg("worker created")
	return w, nil
}

type worker struct {
	id  string
	api *webrtc.API
	cfg Config

	mu     sync.Mutex
	closed bool
	onDied func()
}

func (w *worker) ID() string { return w.id }

func (w *worker) CreateRouter(ctx context.Context, cfg engine.CodecConfig) (engine.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("worker %s closed", w.id)
	}
	return &router{
		worker:    w,
		codecs:    cfg,
		producers: make(map[string]*producer),
	}, nil
}

// OnDied is part of the engine contract. An in-process worker has no separate
// process to die, so the callback is stored but never fired.
func (w *worker) OnDied(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDied = fn
}

func (w *worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *worker) rtcConfig() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, u := range w.cfg.STUNServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}
	return cfg
}
