package signal

import "github.com/mkrasnov/confbridge/internal/engine"

// Request is one signaling command. Op selects the operation; only the fields
// that operation needs are set. Ids are opaque strings end to end.
type Request struct {
	Op        string `json:"op"`
	RequestID string `json:"requestId,omitempty"`

	SessionID   string `json:"sessionId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	TransportID string `json:"transportId,omitempty"`
	ProducerID  string `json:"producerId,omitempty"`
	ConsumerID  string `json:"consumerId,omitempty"`
	Kind        string `json:"kind,omitempty"`

	TransportOptions *engine.TransportOptions `json:"transportOptions,omitempty"`
	ConnectParams    *engine.ConnectParams    `json:"connectParams,omitempty"`
	MediaParams      *engine.MediaParams      `json:"mediaParams,omitempty"`
	Capabilities     *engine.Capabilities     `json:"capabilities,omitempty"`
}

// Response echoes the request id so callers can correlate replies on the
// multiplexed socket.
type Response struct {
	Op        string `json:"op"`
	RequestID string `json:"requestId,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

const (
	OpCreateSession    = "createSession"
	OpCloseSession     = "closeSession"
	OpJoin             = "join"
	OpLeave            = "leave"
	OpCreateTransport  = "createTransport"
	OpConnectTransport = "connectTransport"
	OpCloseTransport   = "closeTransport"
	OpCreateProducer   = "createProducer"
	OpPauseProducer    = "pauseProducer"
	OpResumeProducer   = "resumeProducer"
	OpCloseProducer    = "closeProducer"
	OpListProducers    = "listProducers"
	OpCreateConsumer   = "createConsumer"
	OpPauseConsumer    = "pauseConsumer"
	OpResumeConsumer   = "resumeConsumer"
	OpCloseConsumer    = "closeConsumer"
	OpSnapshot         = "snapshot"
	OpDetailedStats    = "detailedStats"
)
