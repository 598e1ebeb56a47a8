package pionrtc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mkrasnov/confbridge/internal/engine"
)

// router scopes producers to one session so consumers can only attach to
// tracks published in the same room.
type router struct {
	worker *worker
	codecs engine.CodecConfig

	mu         sync.Mutex
	closed     bool
	transports []*transport
	producers  map[string]*producer // engine producer id -> producer
}

func (r *router) CreateTransport(ctx context.Context, opts engine.TransportOptions) (engine.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("router closed")
	}
	r.mu.Unlock()

	pc, err := r.worker.api.NewPeerConnection(r.worker.rtcConfig())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &transport{
		id:      uuid.NewString(),
		pc:      pc,
		router:  r,
		pending: make(map[string][]*webrtc.TrackRemote),
		waiters: make(map[string][]func(*webrtc.TrackRemote)),
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.dispatchRemote(track)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "pionrtc").Str("transport", t.id).Str("state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			t.fireClosed()
		}
	})

	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	return t, nil
}

func (r *router) CanConsume(producerEngineID string, caps engine.Capabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerEngineID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	for _, m := range caps.MimeTypes {
		if strings.EqualFold(m, p.mime) {
			return true
		}
	}
	return false
}

func (r *router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := r.transports
	r.transports = nil
	r.mu.Unlock()
	for _, t := range transports {
		_ = t.Close()
	}
	return nil
}

func (r *router) registerProducer(p *producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *router) deregisterProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *router) producerByID(id string) (*producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}
