package sfu

import (
	"time"

	"github.com/mkrasnov/confbridge/internal/domain"
)

// userContext is the membership record for one user in one session, holding
// the id sets of every resource the user owns.
type userContext struct {
	userID   domain.UserID
	joinedAt time.Time

	transports map[domain.TransportID]struct{}
	producers  map[domain.ProducerID]struct{}
	consumers  map[domain.ConsumerID]struct{}
}

func newUserContext(userID domain.UserID) *userContext {
	return &userContext{
		userID:     userID,
		joinedAt:   time.Now(),
		transports: make(map[domain.TransportID]struct{}),
		producers:  make(map[domain.ProducerID]struct{}),
		consumers:  make(map[domain.ConsumerID]struct{}),
	}
}

// resourceLedger indexes every resource of one session by id and by owner.
// It has no locking of its own: the owning session serializes all access.
// Removal helpers return false when the id is already gone, which is the
// idempotency guard every close path relies on.
type resourceLedger struct {
	users      map[domain.UserID]*userContext
	transports map[domain.TransportID]*transportRec
	producers  map[domain.ProducerID]*producerRec
	consumers  map[domain.ConsumerID]*consumerRec
}

func newResourceLedger() *resourceLedger {
	return &resourceLedger{
		users:      make(map[domain.UserID]*userContext),
		transports: make(map[domain.TransportID]*transportRec),
		producers:  make(map[domain.ProducerID]*producerRec),
		consumers:  make(map[domain.ConsumerID]*consumerRec),
	}
}

func (l *resourceLedger) addUser(userID domain.UserID) *userContext {
	uc := newUserContext(userID)
	l.users[userID] = uc
	return uc
}

func (l *resourceLedger) addTransport(rec *transportRec) {
	l.transports[rec.id] = rec
	if uc, ok := l.users[rec.userID]; ok {
		uc.transports[rec.id] = struct{}{}
	}
}

func (l *resourceLedger) addProducer(rec *producerRec) {
	l.producers[rec.id] = rec
	if uc, ok := l.users[rec.userID]; ok {
		uc.producers[rec.id] = struct{}{}
	}
	if t, ok := l.transports[rec.transportID]; ok {
		t.producers[rec.id] = struct{}{}
	}
}

func (l *resourceLedger) addConsumer(rec *consumerRec) {
	l.consumers[rec.id] = rec
	if uc, ok := l.users[rec.userID]; ok {
		uc.consumers[rec.id] = struct{}{}
	}
	if t, ok := l.transports[rec.transportID]; ok {
		t.consumers[rec.id] = struct{}{}
	}
}

// removeTransport detaches the transport from every index that references it.
// The record keeps its owned sets so the caller can cascade.
func (l *resourceLedger) removeTransport(id domain.TransportID) (*transportRec, bool) {
	rec, ok := l.transports[id]
	if !ok {
		return nil, false
	}
	delete(l.transports, id)
	if uc, ok := l.users[rec.userID]; ok {
		delete(uc.transports, id)
	}
	return rec, true
}

func (l *resourceLedger) removeProducer(id domain.ProducerID) (*producerRec, bool) {
	rec, ok := l.producers[id]
	if !ok {
		return nil, false
	}
	delete(l.producers, id)
	if uc, ok := l.users[rec.userID]; ok {
		delete(uc.producers, id)
	}
	if t, ok := l.transports[rec.transportID]; ok {
		delete(t.producers, id)
	}
	return rec, true
}

func (l *resourceLedger) removeConsumer(id domain.ConsumerID) (*consumerRec, bool) {
	rec, ok := l.consumers[id]
	if !ok {
		return nil, false
	}
	delete(l.consumers, id)
	if uc, ok := l.users[rec.userID]; ok {
		delete(uc.consumers, id)
	}
	if t, ok := l.transports[rec.transportID]; ok {
		delete(t.consumers, id)
	}
	return rec, true
}

// consumersOf returns the consumers sourced from the given producer. A
// producer does not own its consumers, but a consumer is never kept alive
// against a closed producer, so producer teardown needs this view.
func (l *resourceLedger) consumersOf(producerID domain.ProducerID) []*consumerRec {
	var out []*consumerRec
	for _, rec := range l.consumers {
		if rec.producerID == producerID {
			out = append(out, rec)
		}
	}
	return out
}

func (l *resourceLedger) producerList(excluding domain.UserID) []domain.ProducerInfo {
	out := make([]domain.ProducerInfo, 0, len(l.producers))
	for id, rec := range l.producers {
		if rec.userID == excluding {
			continue
		}
		out = append(out, domain.ProducerInfo{ProducerID: id, UserID: rec.userID, Kind: rec.kind})
	}
	return out
}

func (l *resourceLedger) counts(sessionID domain.SessionID) domain.SessionCounts {
	return domain.SessionCounts{
		SessionID:      sessionID,
		UserCount:      len(l.users),
		TransportCount: len(l.transports),
		ProducerCount:  len(l.producers),
		ConsumerCount:  len(l.consumers),
	}
}
