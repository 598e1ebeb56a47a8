package sfu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrasnov/confbridge/internal/domain"
	"github.com/mkrasnov/confbridge/internal/engine"
	"github.com/mkrasnov/confbridge/internal/engine/enginetest"
)

func TestRegistryCreateGetClose(t *testing.T) {
	_, reg := newTestRig(t, 0)

	id, err := reg.CreateSession(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID())
	assert.Equal(t, 1, reg.SessionCount())

	reg.CloseSession(id)
	_, err = reg.Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, reg.SessionCount())
}

func TestRegistryGetUnknownSession(t *testing.T) {
	_, reg := newTestRig(t, 0)

	_, err := reg.Get(domain.SessionID("no-such-session"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryCloseSessionIsIdempotent(t *testing.T) {
	_, reg := newTestRig(t, 0)

	id, err := reg.CreateSession(context.Background())
	require.NoError(t, err)

	reg.CloseSession(id)
	reg.CloseSession(id)
	reg.CloseSession(domain.SessionID("never-existed"))
	assert.Equal(t, 0, reg.SessionCount())
}

func TestRegistryDistributesSessionsRoundRobin(t *testing.T) {
	eng := enginetest.New()
	pool := NewWorkerPool(eng, time.Second)
	require.NoError(t, pool.WarmUp(context.Background(), 2))
	reg := NewSessionRegistry(pool, time.Second, 0, nil)

	for i := 0; i < 4; i++ {
		_, err := reg.CreateSession(context.Background())
		require.NoError(t, err)
	}

	workers := eng.Workers()
	require.Len(t, workers, 2)
	assert.Equal(t, 2, workers[0].RoutersCreated())
	assert.Equal(t, 2, workers[1].RoutersCreated())
}

func TestRegistryClosesSessionWhenLastUserLeaves(t *testing.T) {
	_, reg := newTestRig(t, 0)

	id, err := reg.CreateSession(context.Background())
	require.NoError(t, err)
	s, err := reg.Get(id)
	require.NoError(t, err)

	require.NoError(t, s.Join(userA))
	require.NoError(t, s.Join(userB))
	s.Leave(userA)
	assert.Equal(t, 1, reg.SessionCount())

	s.Leave(userB)
	_, err = reg.Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryGraceWindowSurvivesRejoin(t *testing.T) {
	_, reg := newTestRig(t, 30*time.Millisecond)

	id, err := reg.CreateSession(context.Background())
	require.NoError(t, err)
	s, err := reg.Get(id)
	require.NoError(t, err)

	require.NoError(t, s.Join(userA))
	s.Leave(userA)

	// Rejoin before the grace timer fires keeps the session alive.
	require.NoError(t, s.Join(userA))
	time.Sleep(60 * time.Millisecond)
	_, err = reg.Get(id)
	assert.NoError(t, err)
}

func TestRegistryGraceWindowExpiry(t *testing.T) {
	_, reg := newTestRig(t, 20*time.Millisecond)

	id, err := reg.CreateSession(context.Background())
	require.NoError(t, err)
	s, err := reg.Get(id)
	require.NoError(t, err)

	require.NoError(t, s.Join(userA))
	s.Leave(userA)

	require.Eventually(t, func() bool {
		_, err := reg.Get(id)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestRegistryDegradesSessionsOnWorkerDeath(t *testing.T) {
	eng := enginetest.New()
	pool := NewWorkerPool(eng, time.Second)
	require.NoError(t, pool.WarmUp(context.Background(), 2))
	reg := NewSessionRegistry(pool, time.Second, 0, nil)
	ctx := context.Background()

	id1, err := reg.CreateSession(ctx)
	require.NoError(t, err)
	id2, err := reg.CreateSession(ctx)
	require.NoError(t, err)

	s1, err := reg.Get(id1)
	require.NoError(t, err)
	s2, err := reg.Get(id2)
	require.NoError(t, err)
	require.NoError(t, s1.Join(userA))
	require.NoError(t, s2.Join(userA))

	// Sessions alternate workers, so the first worker carries s1 only.
	eng.Workers()[0].FireDied()

	_, err = s1.CreateTransport(ctx, userA, engine.TransportOptions{})
	assert.ErrorIs(t, err, ErrWorkerLost)

	// The sibling session on the surviving worker is unaffected.
	_, err = s2.CreateTransport(ctx, userA, engine.TransportOptions{})
	assert.NoError(t, err)
}

func TestRegistryCloseTearsDownAllSessions(t *testing.T) {
	_, reg := newTestRig(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := reg.CreateSession(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 3, reg.SessionCount())

	reg.Close()
	assert.Equal(t, 0, reg.SessionCount())
}
