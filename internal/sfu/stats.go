package sfu

import (
	"context"
	"sort"

	"github.com/mkrasnov/confbridge/internal/domain"
)

// StatsCollector is a read-only aggregation over the registry and the session
// ledgers. Snapshot is cheap and never touches the engine; DetailedStats is
// the explicitly slower engine-backed variant.
type StatsCollector struct {
	pool     *WorkerPool
	registry *SessionRegistry
}

func NewStatsCollector(pool *WorkerPool, registry *SessionRegistry) *StatsCollector {
	return &StatsCollector{pool: pool, registry: registry}
}

func (c *StatsCollector) Snapshot() domain.Snapshot {
	sessions := c.registry.Sessions()
	per := make([]domain.SessionCounts, 0, len(sessions))
	for _, s := range sessions {
		per = append(per, s.Counts())
	}
	sort.Slice(per, func(i, j int) bool { return per[i].SessionID < per[j].SessionID })
	return domain.Snapshot{
		WorkerCount:  c.pool.WorkerCount(),
		SessionCount: len(per),
		PerSession:   per,
	}
}

func (c *StatsCollector) DetailedStats(ctx context.Context, id domain.SessionID) (*DetailedStats, error) {
	s, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return s.DetailedStats(ctx), nil
}
