// Package enginetest provides a deterministic in-memory media engine used by
// tests and by the dev loopback mode: sequential ids, injectable failures and
// manual triggers for engine-side close/death events.
package enginetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mkrasnov/confbridge/internal/engine"
)

// Engine implements engine.Engine. The injectable error fields apply to every
// subsequent call of the matching kind; tests set them directly.
type Engine struct {
	mu         sync.Mutex
	seq        int
	workers    []*Worker
	transports []*Transport
	producers  []*Producer
	consumers  []*Consumer

	WorkerErr    error
	RouterErr    error
	TransportErr error
	ProduceErr   error
	ConsumeErr   error
	// Delay is applied before every creation call and aborts on ctx expiry,
	// which is how tests exercise the bounded-timeout path.
	Delay time.Duration
}

func New() *Engine { return &Engine{} }

func (e *Engine) nextID(prefix string) string {
	e.seq++
	return fmt.Sprintf("%s-%d", prefix, e.seq)
}

func (e *Engine) wait(ctx context.Context) error {
	if e.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(e.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) CreateWorker(ctx context.Context) (engine.Worker, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.WorkerErr != nil {
		return nil, e.WorkerErr
	}
	w := &Worker{eng: e, id: e.nextID("worker")}
	e.workers = append(e.workers, w)
	return w, nil
}

// Workers returns every worker ever created, in creation order.
func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Worker, len(e.workers))
	copy(out, e.workers)
	return out
}

// Transports returns every engine transport ever created, in creation order.
func (e *Engine) Transports() []*Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Transport, len(e.transports))
	copy(out, e.transports)
	return out
}

// Producers returns every engine producer ever created, in creation order.
func (e *Engine) Producers() []*Producer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Producer, len(e.producers))
	copy(out, e.producers)
	return out
}

// Consumers returns every engine consumer ever created, in creation order.
func (e *Engine) Consumers() []*Consumer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Consumer, len(e.consumers))
	copy(out, e.consumers)
	return out
}

type Worker struct {
	eng    *Engine
	id     string
	mu     sync.Mutex
	closed bool
	onDied func()

	routersCreated int
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) CreateRouter(ctx context.Context, cfg engine.CodecConfig) (engine.Router, error) {
	if err := w.eng.wait(ctx); err != nil {
		return nil, err
	}
	w.eng.mu.Lock()
	routerErr := w.eng.RouterErr
	id := w.eng.nextID("router")
	w.eng.mu.Unlock()
	if routerErr != nil {
		return nil, routerErr
	}
	w.mu.Lock()
	w.routersCreated++
	w.mu.Unlock()
	return &Router{eng: w.eng, id: id, codecs: cfg, producers: make(map[string]string)}, nil
}

func (w *Worker) OnDied(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDied = fn
}

func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// FireDied simulates the engine reporting the worker process dead.
func (w *Worker) FireDied() {
	w.mu.Lock()
	fn := w.onDied
	w.onDied = nil
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// RoutersCreated reports how many routers this worker has built, which is what
// round-robin tests count.
func (w *Worker) RoutersCreated() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.routersCreated
}

type Router struct {
	eng    *Engine
	id     string
	codecs engine.CodecConfig

	mu        sync.Mutex
	closed    bool
	producers map[string]string // engine producer id -> mime type
}

func (r *Router) CreateTransport(ctx context.Context, opts engine.TransportOptions) (engine.Transport, error) {
	if err := r.eng.wait(ctx); err != nil {
		return nil, err
	}
	r.eng.mu.Lock()
	transportErr := r.eng.TransportErr
	id := r.eng.nextID("transport")
	r.eng.mu.Unlock()
	if transportErr != nil {
		return nil, transportErr
	}
	t := &Transport{eng: r.eng, router: r, id: id}
	r.eng.mu.Lock()
	r.eng.transports = append(r.eng.transports, t)
	r.eng.mu.Unlock()
	return t, nil
}

func (r *Router) CanConsume(producerEngineID string, caps engine.Capabilities) bool {
	r.mu.Lock()
	mime, ok := r.producers[producerEngineID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	for _, m := range caps.MimeTypes {
		if strings.EqualFold(m, mime) {
			return true
		}
	}
	return false
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type Transport struct {
	eng    *Engine
	router *Router
	id     string

	mu        sync.Mutex
	connected bool
	closed    bool
	onClosed  func()

	StatsErr error
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Connect(ctx context.Context, params engine.ConnectParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport %s closed", t.id)
	}
	t.connected = true
	return nil
}

func (t *Transport) Produce(ctx context.Context, kind string, params engine.MediaParams) (engine.Producer, error) {
	if err := t.eng.wait(ctx); err != nil {
		return nil, err
	}
	t.eng.mu.Lock()
	produceErr := t.eng.ProduceErr
	id := t.eng.nextID("producer")
	t.eng.mu.Unlock()
	if produceErr != nil {
		return nil, produceErr
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	t.mu.Unlock()
	p := &Producer{eng: t.eng, router: t.router, id: id, kind: kind, mime: params.MimeType}
	t.router.mu.Lock()
	t.router.producers[id] = params.MimeType
	t.router.mu.Unlock()
	t.eng.mu.Lock()
	t.eng.producers = append(t.eng.producers, p)
	t.eng.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerEngineID string, caps engine.Capabilities) (engine.Consumer, error) {
	if err := t.eng.wait(ctx); err != nil {
		return nil, err
	}
	t.eng.mu.Lock()
	consumeErr := t.eng.ConsumeErr
	id := t.eng.nextID("consumer")
	t.eng.mu.Unlock()
	if consumeErr != nil {
		return nil, consumeErr
	}
	t.router.mu.Lock()
	_, live := t.router.producers[producerEngineID]
	t.router.mu.Unlock()
	if !live {
		return nil, fmt.Errorf("producer %s not found", producerEngineID)
	}
	c := &Consumer{id: id, kind: "audio", source: producerEngineID}
	t.eng.mu.Lock()
	t.eng.consumers = append(t.eng.consumers, c)
	t.eng.mu.Unlock()
	return c, nil
}

func (t *Transport) GetStats(ctx context.Context) (engine.Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StatsErr != nil {
		return nil, t.StatsErr
	}
	return engine.Stats{"id": t.id, "connected": t.connected}, nil
}

func (t *Transport) OnClosed(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.onClosed = nil
	t.mu.Unlock()
	return nil
}

// FireClosed simulates an engine-initiated transport close, e.g. DTLS failure.
func (t *Transport) FireClosed() { t.fireClosed() }

func (t *Transport) fireClosed() {
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

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type Producer struct {
	eng    *Engine
	router *Router
	id     string
	kind   string
	mime   string

	mu       sync.Mutex
	paused   bool
	closed   bool
	onClosed func()

	StatsErr error
}

func (p *Producer) ID() string   { return p.id }
func (p *Producer) Kind() string { return p.kind }

func (p *Producer) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("producer %s closed", p.id)
	}
	p.paused = true
	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("producer %s closed", p.id)
	}
	p.paused = false
	return nil
}

func (p *Producer) GetStats(ctx context.Context) (engine.Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StatsErr != nil {
		return nil, p.StatsErr
	}
	return engine.Stats{"id": p.id, "kind": p.kind, "paused": p.paused}, nil
}

func (p *Producer) OnClosed(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClosed = fn
}

func (p *Producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.onClosed = nil
	p.mu.Unlock()
	p.router.mu.Lock()
	delete(p.router.producers, p.id)
	p.router.mu.Unlock()
	return nil
}

// FireClosed simulates an engine-initiated producer close.
func (p *Producer) FireClosed() { p.fireClosed() }

func (p *Producer) fireClosed() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fn := p.onClosed
	p.onClosed = nil
	p.mu.Unlock()
	p.router.mu.Lock()
	delete(p.router.producers, p.id)
	p.router.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type Consumer struct {
	id     string
	kind   string
	source string

	mu       sync.Mutex
	paused   bool
	closed   bool
	onClosed func()

	StatsErr error
}

func (c *Consumer) ID() string   { return c.id }
func (c *Consumer) Kind() string { return c.kind }

func (c *Consumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s closed", c.id)
	}
	c.paused = true
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s closed", c.id)
	}
	c.paused = false
	return nil
}

func (c *Consumer) GetStats(ctx context.Context) (engine.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StatsErr != nil {
		return nil, c.StatsErr
	}
	return engine.Stats{"id": c.id, "source": c.source, "paused": c.paused}, nil
}

func (c *Consumer) OnClosed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.onClosed = nil
	c.mu.Unlock()
	return nil
}

// FireClosed simulates an engine-initiated consumer close.
func (c *Consumer) FireClosed() { c.fireClosed() }

func (c *Consumer) fireClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClosed
	c.onClosed = nil
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
