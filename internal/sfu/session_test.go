package sfu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrasnov/confbridge/internal/domain"
	"github.com/mkrasnov/confbridge/internal/engine"
	"github.com/mkrasnov/confbridge/internal/engine/enginetest"
)

const (
	userA = domain.UserID("user-a")
	userB = domain.UserID("user-b")
)

var opusCaps = engine.Capabilities{MimeTypes: []string{"audio/opus", "video/VP8"}}

func newTestRig(t *testing.T, grace time.Duration) (*enginetest.Engine, *SessionRegistry) {
	t.Helper()
	eng := enginetest.New()
	pool := NewWorkerPool(eng, time.Second)
	return eng, NewSessionRegistry(pool, time.Second, grace, nil)
}

// newTestSession creates a session with two joined users.
func newTestSession(t *testing.T, reg *SessionRegistry) *Session {
	t.Helper()
	id, err := reg.CreateSession(context.Background())
	require.NoError(t, err)
	s, err := reg.Get(id)
	require.NoError(t, err)
	require.NoError(t, s.Join(userA))
	require.NoError(t, s.Join(userB))
	return s
}

func audioParams() engine.MediaParams {
	return engine.MediaParams{MimeType: "audio/opus", ClockRate: 48000, Channels: 2}
}

func TestJoinIsIdempotent(t *testing.T) {
	_, reg := newTestRig(t, 0)
	s := newTestSession(t, reg)

	require.NoError(t, s.Join(userA))
	require.NoError(t, s.Join(userA))
	assert.Equal(t, 2, s.Counts().UserCount)
}

func TestLeaveUnknownUserIsNoop(t *testing.T) {
	_, reg := newTestRig(t, 0)
	s := newTestSession(t, reg)

	s.Leave(domain.UserID("stranger"))
	assert.Equal(t, 2, s.Counts().UserCount)
}

func TestCreateTransportRequiresMembership(t *testing.T) {
	_, reg := newTestRig(t, 0)
	s := newTestSession(t, reg)

	_, err := s.CreateTransport(context.Background(), domain.UserID("stranger"), engine.TransportOptions{})
	assert.ErrorIs(t, err, ErrUserNotInSession)
}

func TestProducerOwnershipEnforced(t *testing.T) {
	_, reg := newTestRig(t, 0)
	s := newTestSession(t, reg)

	tid, err := s.CreateTransport(context.Background(), userA, engine.TransportOptions{})
	require.NoError(t, err)

	_, err = s.CreateProducer(context.Background(), userB, tid, domain.KindAudio, audioParams())
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = s.CreateConsumer(context.Background(), userB, tid, domain.ProducerID("any"), opusCaps)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestLeaveCascadesExactlyOwnedResources(t *testing.T) {
	eng, reg := newTestRig(t, time.Hour)
	s := newTestSession(t, reg)
	ctx := context.Background()

	t1, err := s.CreateTransport(ctx, userA, engine.TransportOptions{})
	require.NoError(t, err)
	_, err = s.CreateProducer(ctx, userA, t1, domain.KindAudio, audioParams())
	require.NoError(t, err)

	t2, err := s.CreateTransport(ctx, userB, engine.TransportOptions{})
	require.NoError(t, err)
	p2, err := s.CreateProducer(ctx, userB, t2, domain.KindAudio, audioParams())
	require.NoError(t, err)

	s.Leave(userA)

	counts := s.Counts()
	assert.Equal(t, 1, counts.UserCount)
	assert.Equal(t, 1, counts.TransportCount)
	assert.Equal(t, 1, counts.ProducerCount)

	list := s.ListProducers("")
	require.Len(t, list, 1)
	assert.Equal(t, p2, list[0].ProducerID)
	assert.Equal(t, userB, list[0].UserID)

	// Engine-side objects of the leaver are closed; the survivor's are not.
	transports := eng.Transports()
	require.Len(t, transports, 2)
	assert.True(t, transports[0].Closed(), "t1 engine transport should be closed")
	assert.False(t, transports[1].Closed(), "t2 engine transport should stay open")

	assert.True(t, eng.Producers()[0].Closed())
	assert.False(t, eng.Producers()[1].Closed())
}

func TestTransportCloseCascadesToStreams(t *testing.T) {
	eng, reg := newTestRig(t, 0)
	s := newTestSession(t, reg)
	ctx := context.Background()

	ta, err := s.CreateTransport(ctx, userA, engine.TransportOptions{})
	require.NoError(t, err)
	_, err = s.CreateProducer(ctx, userA, ta, domain.KindAudio, audioParams())
	require.NoError(t, err)

	tb, err := s.CreateTransport(ctx, userB, engine.TransportOptions{})
	require.NoError(t, err)
	list := s.ListProducers(userB)
	require.Len(t, list, 1)
	_, err = s.CreateConsumer(ctx, userB, tb, list[0].ProducerID, opusCaps)
	require.NoError(t, err)

	// Closing A's transport kills A's producer, and with it B's consumer.
	require.NoError(t, s.CloseTransport(ta))

	counts := s.Counts()
	assert.Equal(t, 1, counts.TransportCount)
	assert.Equal(t, 0, counts.ProducerCount)
	assert.Equal(t, 0, counts.ConsumerCount)
	assert.True(t, eng.Consumers()[0].Closed())
}

func TestProducerCloseClosesDependentConsumers(t *testing.T) {
	eng, reg := newTestRig(t, 0)
	s := newTestSession(t, reg)
	ctx := context.Background()

	ta, err := s.CreateTransport(ctx, userA, engine.TransportOptions{})
	require.NoError(t, err)
	pid, err := s.CreateProducer(ctx, userA, ta, domain.KindAudio, audioParams())
	require.NoError(t, err)

	tb, err := s.CreateTransport(ctx, userB, engine.TransportOptions{})
	require.NoError(t, err)
	cid, err := s.CreateConsumer(ctx, userB, tb, pid, opusCaps)
	require.NoError(t, err)

	require.NoError(t, s.CloseProducer(pid))

	counts := s.Counts()
	assert.Equal(t, 0, counts.ProducerCount)
	assert.Equal(t, 0, counts.ConsumerCount)
	// B keeps the transport, only the consumer died.
	assert.Equal(t, 2, counts.TransportCount)
	assert.True(t, eng.Consumers()[0].Closed())

	// The consumer is gone from the ledger as well.
	err = s.CloseConsumer(cid)
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestConsumerRaceAgainstClosingProducer(t *testing.T) {
	_, reg := newTestRig(t, 0)
	s := newTestSession(t, reg)
	ctx := context.Background()

	ta, err := s.CreateTransport(ctx, userA, engine.TransportOptions{})
	require.NoError(t, err)
	pid, err := s.CreateProducer(ctx, userA, ta, domain.KindAudio, audioParams())
	require.NoError(t, err)

	tb, err := s.CreateTransport(ctx, userB, engine.TransportOptions{})
	require.NoError(t, err)

	// Producer closes between discovery and consumption: a normal error, not
	// a crash, and no orphaned consumer.
	require.NoError(t, s.CloseProducer(pid))
	_, err = s.CreateConsumer(ctx, userB, tb, pid, opusCaps)
	assert.ErrorIs(t, err, ErrResourceNotFound)
	assert.Equal(t, 0, s.Counts().ConsumerCount)
}

func TestConsumerCodecCompatibilityChecked(t *testing.T) {
	_, reg := newTestRig(t, 0)
	s := newTestSession(t, reg)
	ctx := context.Background()

	ta, err := s.CreateTransport(ctx, userA, engine.TransportOptions{})
	require.NoError(t, err)
	pid, err := s.CreateProducer(ctx, userA, ta, domain.KindAudio, audioParams())
	require.NoError(t, err)

	tb, err := s.CreateTransport(ctx, userB, engine.TransportOptions{})
	require.NoError(t, err)

	_, err = s.CreateConsumer(ctx, userB, tb, pid, engine.Capabilities{MimeTypes: []string{"audio/PCMU"}})
	assert.ErrorIs(t, err, ErrIncompatibleCodec)
}

func TestEngineReportedCloseIsIdempotent(t *testing.T) {
	eng, reg := newTestRig(t, 0)
	s := newTestSession(t, reg)
	ctx := context.Background()

	tid, err := s.CreateTransport(ctx, userA, engine.TransportOptions{})
	require.NoError(t, err)
	_, err = s.CreateProducer(ctx, userA, tid, domain.KindAudio, audioParams())
	require.NoError(t, err)

	// The engine reports the transport closed on its own.
	eng.Transports()[0].FireClosed()
	require.Eventually(t, func() bool {
		return s.Counts().TransportCount == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Counts().ProducerCount)

	// A manager-side close arriving afterwards is a clean no-op.
	require.NoError(t, s.CloseTransport(tid))
	assert.Equal(t, 0, s.Counts().TransportCount)
}

func TestPauseResumeProducer(t *testing.T) {
	eng, reg := newTestRig(t, 0)
	s := newTestSession(t, reg)
	ctx := context.Background()

	tid, err := s.CreateTransport(ctx, userA, engine.TransportOptions{})
	require.NoError(t, err)
	pid, err := s.CreateProducer(ctx, userA, tid, domain.KindAudio, audioParams())
	require.NoError(t, err)

	require.NoError(t, s.PauseProducer(ctx, pid))
	assert.True(t, eng.Producers()[0].Paused())

	// Pausing twice is harmless.
	require.NoError(t, s.PauseProducer(ctx, pid))

	require.NoError(t, s.ResumeProducer(ctx, pid))
	assert.False(t, eng.Producers()[0].Paused())

	err = s.PauseProducer(ctx, domain.ProducerID("missing"))
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestOperationsFailFastWhileClosing(t *testing.T) {
	_, reg := newTestRig(t, 0)
	s := newTestSession(t, reg)

	s.Close()

	assert.ErrorIs(t, s.Join(domain.UserID("late")), ErrSessionClosing)
	_, err := s.CreateTransport(context.Background(), userA, engine.TransportOptions{})
	assert.ErrorIs(t, err, ErrSessionClosing)
}

func TestEngineTimeoutSurfacedOnCreation(t *testing.T) {
	eng := enginetest.New()
	pool := NewWorkerPool(eng, 20*time.Millisecond)
	reg := NewSessionRegistry(pool, 20*time.Millisecond, 0, nil)
	s := newTestSession(t, reg)

	eng.Delay = 200 * time.Millisecond
	_, err := s.CreateTransport(context.Background(), userA, engine.TransportOptions{})
	assert.ErrorIs(t, err, ErrEngineTimeout)
	assert.Equal(t, 0, s.Counts().TransportCount)
}

func TestLedgerConsistency(t *testing.T) {
	_, reg := newTestRig(t, time.Hour)
	s := newTestSession(t, reg)
	ctx := context.Background()

	for _, u := range []domain.UserID{userA, userB} {
		tid, err := s.CreateTransport(ctx, u, engine.TransportOptions{})
		require.NoError(t, err)
		_, err = s.CreateProducer(ctx, u, tid, domain.KindAudio, audioParams())
		require.NoError(t, err)
		_, err = s.CreateProducer(ctx, u, tid, domain.KindVideo, engine.MediaParams{MimeType: "video/VP8", ClockRate: 90000})
		require.NoError(t, err)
	}
	s.Leave(userA)

	// The session-level producer index must equal the union of the per-user
	// owned sets, with no duplicates.
	s.mu.Lock()
	defer s.mu.Unlock()
	union := make(map[domain.ProducerID]int)
	for _, uc := range s.ledger.users {
		for pid := range uc.producers {
			union[pid]++
		}
	}
	require.Len(t, union, len(s.ledger.producers))
	for pid, n := range union {
		assert.Equal(t, 1, n)
		_, ok := s.ledger.producers[pid]
		assert.Truef(t, ok, "producer %s missing from session ledger", pid)
	}
}

func TestEngineCallFailureSurfaced(t *testing.T) {
	eng, reg := newTestRig(t, 0)
	s := newTestSession(t, reg)
	ctx := context.Background()

	eng.TransportErr = errors.New("no ports left")
	_, err := s.CreateTransport(ctx, userA, engine.TransportOptions{})
	assert.ErrorIs(t, err, ErrEngineCallFailed)
	assert.Equal(t, 0, s.Counts().TransportCount)
}
