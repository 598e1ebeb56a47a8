package sfu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrasnov/confbridge/internal/domain"
	"github.com/mkrasnov/confbridge/internal/engine"
	"github.com/mkrasnov/confbridge/internal/engine/enginetest"
)

func newStatsRig(t *testing.T) (*enginetest.Engine, *SessionRegistry, *StatsCollector) {
	t.Helper()
	eng := enginetest.New()
	pool := NewWorkerPool(eng, time.Second)
	reg := NewSessionRegistry(pool, time.Second, time.Hour, nil)
	return eng, reg, NewStatsCollector(pool, reg)
}

func TestSnapshotMatchesLedgers(t *testing.T) {
	_, reg, stats := newStatsRig(t)
	ctx := context.Background()

	id, err := reg.CreateSession(ctx)
	require.NoError(t, err)
	s, err := reg.Get(id)
	require.NoError(t, err)
	require.NoError(t, s.Join(userA))
	require.NoError(t, s.Join(userB))

	tid, err := s.CreateTransport(ctx, userA, engine.TransportOptions{})
	require.NoError(t, err)
	pid, err := s.CreateProducer(ctx, userA, tid, domain.KindAudio, audioParams())
	require.NoError(t, err)
	tb, err := s.CreateTransport(ctx, userB, engine.TransportOptions{})
	require.NoError(t, err)
	_, err = s.CreateConsumer(ctx, userB, tb, pid, opusCaps)
	require.NoError(t, err)

	snap := stats.Snapshot()
	assert.Equal(t, 1, snap.WorkerCount)
	assert.Equal(t, 1, snap.SessionCount)
	require.Len(t, snap.PerSession, 1)
	per := snap.PerSession[0]
	assert.Equal(t, id, per.SessionID)
	assert.Equal(t, 2, per.UserCount)
	assert.Equal(t, 2, per.TransportCount)
	assert.Equal(t, 1, per.ProducerCount)
	assert.Equal(t, 1, per.ConsumerCount)
}

// Disjoint sessions do not serialize against each other, so a snapshot taken
// during concurrent churn still adds up session by session.
func TestSnapshotDuringConcurrentSessions(t *testing.T) {
	_, reg, stats := newStatsRig(t)
	ctx := context.Background()

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id, err := reg.CreateSession(ctx)
		require.NoError(t, err)
		wg.Add(1)
		go func(id domain.SessionID, i int) {
			defer wg.Done()
			s, err := reg.Get(id)
			if err != nil {
				return
			}
			u := domain.UserID(fmt.Sprintf("user-%d", i))
			if err := s.Join(u); err != nil {
				return
			}
			tid, err := s.CreateTransport(ctx, u, engine.TransportOptions{})
			if err != nil {
				return
			}
			_, _ = s.CreateProducer(ctx, u, tid, domain.KindAudio, audioParams())
		}(id, i)
	}
	wg.Wait()

	snap := stats.Snapshot()
	assert.Equal(t, n, snap.SessionCount)
	for _, per := range snap.PerSession {
		assert.Equal(t, 1, per.UserCount)
		assert.Equal(t, 1, per.TransportCount)
		assert.Equal(t, 1, per.ProducerCount)
	}
}

func TestDetailedStatsPartialFailure(t *testing.T) {
	eng, reg, stats := newStatsRig(t)
	ctx := context.Background()

	id, err := reg.CreateSession(ctx)
	require.NoError(t, err)
	s, err := reg.Get(id)
	require.NoError(t, err)
	require.NoError(t, s.Join(userA))

	tid, err := s.CreateTransport(ctx, userA, engine.TransportOptions{})
	require.NoError(t, err)
	pid, err := s.CreateProducer(ctx, userA, tid, domain.KindAudio, audioParams())
	require.NoError(t, err)

	eng.Producers()[0].StatsErr = errors.New("stats channel broken")

	ds, err := stats.DetailedStats(ctx, id)
	require.NoError(t, err)
	assert.Len(t, ds.Transports, 1)
	assert.Contains(t, ds.Transports, tid)
	assert.Empty(t, ds.Producers)
	require.Len(t, ds.Failed, 1)
	assert.Contains(t, ds.Failed[0], string(pid))
}

func TestDetailedStatsUnknownSession(t *testing.T) {
	_, _, stats := newStatsRig(t)

	_, err := stats.DetailedStats(context.Background(), domain.SessionID("missing"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMetricsCollectorExportsGauges(t *testing.T) {
	_, reg, stats := newStatsRig(t)
	ctx := context.Background()

	id, err := reg.CreateSession(ctx)
	require.NoError(t, err)
	s, err := reg.Get(id)
	require.NoError(t, err)
	require.NoError(t, s.Join(userA))

	col := NewMetricsCollector(stats)
	// Two scalar gauges plus four per-session gauges for the one session.
	assert.Equal(t, 6, testutil.CollectAndCount(col))

	want := fmt.Sprintf(`
# HELP confbridge_session_users Users per session.
# TYPE confbridge_session_users gauge
confbridge_session_users{session=%q} 1
`, string(id))
	require.NoError(t, testutil.CollectAndCompare(col, strings.NewReader(want), "confbridge_session_users"))
}
