package pionrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mkrasnov/confbridge/internal/engine"
)

type transport struct {
	id     string
	pc     *webrtc.PeerConnection
	router *router

	mu       sync.Mutex
	closed   bool
	onClosed func()
	// Remote tracks that arrived before a matching Produce call, and producer
	// binders waiting for a track of their kind.
	pending map[string][]*webrtc.TrackRemote
	waiters map[string][]func(*webrtc.TrackRemote)
}

func (t *transport) ID() string { return t.id }

// Connect applies the remote peer's description and produces the local
// answer. The answer SDP travels back out of band; it is also exposed in
// GetStats under "localDescription".
func (t *transport) Connect(ctx context.Context, params engine.ConnectParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: params.SDP}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *transport) Produce(ctx context.Context, kind string, params engine.MediaParams) (engine.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	t.mu.Unlock()

	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: params.MimeType, ClockRate: params.ClockRate, Channels: params.Channels},
		uuid.NewString(), uuid.NewString(),
	)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	p := &producer{
		id:     uuid.NewString(),
		kind:   kind,
		mime:   params.MimeType,
		track:  local,
		router: t.router,
	}
	t.router.registerProducer(p)
	t.bindRemote(kind, p.start)
	log.Debug().Str("module", "pionrtc").Str("transport", t.id).Str("producer", p.id).Str("kind", kind).Msg("producer created")
	return p, nil
}

func (t *transport) Consume(ctx context.Context, producerEngineID string, caps engine.Capabilities) (engine.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := t.router.producerByID(producerEngineID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found", producerEngineID)
	}
	sender, err := t.pc.AddTrack(p.track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	c := &consumer{
		id:     uuid.NewString(),
		kind:   p.kind,
		pc:     t.pc,
		sender: sender,
		track:  p.track,
	}
	log.Debug().Str("module", "pionrtc").Str("transport", t.id).Str("consumer", c.id).Str("producer", producerEngineID).Msg("consumer created")
	return c, nil
}

func (t *transport) GetStats(ctx context.Context) (engine.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report := t.pc.GetStats()
	st := engine.Stats{
		"id":              t.id,
		"connectionState": t.pc.ConnectionState().String(),
		"statsEntries":    len(report),
	}
	if ld := t.pc.LocalDescription(); ld != nil {
		st["localDescription"] = ld.SDP
	}
	return st, nil
}

func (t *transport) OnClosed(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.onClosed = nil // manager-initiated close, no notification back
	t.mu.Unlock()
	return t.pc.Close()
}

func (t *transport) fireClosed() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	fn := t.onClosed
	t.onClosed = nil
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// dispatchRemote hands an incoming remote track to a waiting producer, or
// parks it until Produce claims it.
func (t *transport) dispatchRemote(track *webrtc.TrackRemote) {
	kind := track.Kind().String()
	t.mu.Lock()
	if ws := t.waiters[kind]; len(ws) > 0 {
		bind := ws[0]
		t.waiters[kind] = ws[1:]
		t.mu.Unlock()
		bind(track)
		return
	}
	t.pending[kind] = append(t.pending[kind], track)
	t.mu.Unlock()
}

func (t *transport) bindRemote(kind string, bind func(*webrtc.TrackRemote)) {
	t.mu.Lock()
	if ps := t.pending[kind]; len(ps) > 0 {
		track := ps[0]
		t.pending[kind] = ps[1:]
		t.mu.Unlock()
		bind(track)
		return
	}
	t.waiters[kind] = append(t.waiters[kind], bind)
	t.mu.Unlock()
}

// producer relays RTP from the bound remote track onto its local static
// track; pausing drops packets without tearing the relay down.
type producer struct {
	id     string
	kind   string
	mime   string
	track  *webrtc.TrackLocalStaticRTP
	router *router

	paused atomic.Bool
	closed atomic.Bool

	mu       sync.Mutex
	onClosed func()
}

func (p *producer) ID() string   { return p.id }
func (p *producer) Kind() string { return p.kind }

func (p *producer) start(remote *webrtc.TrackRemote) {
	go func() {
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			if p.closed.Load() {
				return
			}
			if p.paused.Load() {
				continue
			}
			if err := p.track.WriteRTP(pkt); err != nil {
				return
			}
		}
	}()
}

func (p *producer) Pause(ctx context.Context) error {
	p.paused.Store(true)
	return nil
}

func (p *producer) Resume(ctx context.Context) error {
	p.paused.Store(false)
	return nil
}

func (p *producer) GetStats(ctx context.Context) (engine.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return engine.Stats{"id": p.id, "kind": p.kind, "mimeType": p.mime, "paused": p.paused.Load()}, nil
}

func (p *producer) OnClosed(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClosed = fn
}

func (p *producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.router.deregisterProducer(p.id)
	p.mu.Lock()
	p.onClosed = nil
	p.mu.Unlock()
	return nil
}

type consumer struct {
	id     string
	kind   string
	pc     *webrtc.PeerConnection
	sender *webrtc.RTPSender
	track  *webrtc.TrackLocalStaticRTP

	mu       sync.Mutex
	paused   bool
	closed   bool
	onClosed func()
}

func (c *consumer) ID() string   { return c.id }
func (c *consumer) Kind() string { return c.kind }

func (c *consumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s closed", c.id)
	}
	if err := c.sender.ReplaceTrack(nil); err != nil {
		return err
	}
	c.paused = true
	return nil
}

func (c *consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s closed", c.id)
	}
	if err := c.sender.ReplaceTrack(c.track); err != nil {
		return err
	}
	c.paused = false
	return nil
}

func (c *consumer) GetStats(ctx context.Context) (engine.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return engine.Stats{"id": c.id, "kind": c.kind, "paused": c.paused}, nil
}

func (c *consumer) OnClosed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

func (c *consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onClosed = nil
	c.mu.Unlock()
	return c.pc.RemoveTrack(c.sender)
}
