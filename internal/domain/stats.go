package domain

// SessionCounts are the cheap per-session counters taken from ledger sizes.
type SessionCounts struct {
	SessionID      SessionID `json:"sessionId"`
	UserCount      int       `json:"userCount"`
	TransportCount int       `json:"transportCount"`
	ProducerCount  int       `json:"producerCount"`
	ConsumerCount  int       `json:"consumerCount"`
}

// Snapshot is a point-in-time view over all sessions. It is assembled from
// in-memory indices only and never requires an engine round trip.
type Snapshot struct {
	WorkerCount  int             `json:"workerCount"`
	SessionCount int             `json:"sessionCount"`
	PerSession   []SessionCounts `json:"perSession"`
}
