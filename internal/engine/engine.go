// Package engine defines the narrow contract this service consumes from the
// external media-processing engine. Implementations live in subpackages; only
// plain data crosses this boundary, engine types never leak upward.
package engine

import "context"

// Codec describes one entry of a router's fixed codec set.
type Codec struct {
	Kind      string `json:"kind"`
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

type CodecConfig struct {
	Codecs []Codec `json:"codecs"`
}

// TransportOptions are user-facing transport preferences forwarded to the
// engine as-is.
type TransportOptions struct {
	EnableUDP bool `json:"enableUdp"`
	EnableTCP bool `json:"enableTcp"`
	PreferUDP bool `json:"preferUdp"`
}

// ConnectParams carries the remote peer's connection/DTLS parameters. The
// encoding is engine-defined and opaque to the manager.
type ConnectParams struct {
	SDP string `json:"sdp"`
}

// MediaParams describes the track a user wants to publish.
type MediaParams struct {
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

// Capabilities lists what a receiving endpoint can decode.
type Capabilities struct {
	MimeTypes []string `json:"mimeTypes"`
}

// Stats is a flattened engine statistics report for one resource.
type Stats map[string]any

// Engine creates isolated media-processing units.
type Engine interface {
	CreateWorker(ctx context.Context) (Worker, error)
}

// Worker is one isolated media-processing unit. Workers are shared across
// sessions and owned exclusively by the worker pool.
type Worker interface {
	ID() string
	CreateRouter(ctx context.Context, cfg CodecConfig) (Router, error)
	// OnDied registers the callback fired when the engine reports the worker
	// process is gone. Fired at most once.
	OnDied(fn func())
	Close() error
}

// Router is the per-session routing context obtained from a worker.
type Router interface {
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	// CanConsume reports whether a receiver with the given capabilities can
	// decode the producer identified by its engine-side id.
	CanConsume(producerEngineID string, caps Capabilities) bool
	Close() error
}

// Transport is one bidirectional engine-level media connection.
type Transport interface {
	ID() string
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, kind string, params MediaParams) (Producer, error)
	Consume(ctx context.Context, producerEngineID string, caps Capabilities) (Consumer, error)
	GetStats(ctx context.Context) (Stats, error)
	// OnClosed registers the callback fired when the engine closes the
	// transport on its own (failure, remote hangup). Fired at most once and
	// never re-entered from Close.
	OnClosed(fn func())
	Close() error
}

// Producer is an engine-level inbound media stream.
type Producer interface {
	ID() string
	Kind() string
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	GetStats(ctx context.Context) (Stats, error)
	OnClosed(fn func())
	Close() error
}

// Consumer is an engine-level outbound media stream.
type Consumer interface {
	ID() string
	Kind() string
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	GetStats(ctx context.Context) (Stats, error)
	OnClosed(fn func())
	Close() error
}
