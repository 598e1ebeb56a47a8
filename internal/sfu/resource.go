package sfu

import (
	"github.com/looplab/fsm"

	"github.com/mkrasnov/confbridge/internal/domain"
	"github.com/mkrasnov/confbridge/internal/engine"
)

// Resource lifecycle states. Transports connect once and close; producers and
// consumers toggle between active and paused until closed.
const (
	stateCreated   = "created"
	stateConnected = "connected"
	stateActive    = "active"
	statePaused    = "paused"
	stateClosed    = "closed"
)

const (
	evConnect = "connect"
	evPause   = "pause"
	evResume  = "resume"
	evClose   = "close"
)

func newTransportFSM() *fsm.FSM {
	return fsm.NewFSM(
		stateCreated,
		fsm.Events{
			{Name: evConnect, Src: []string{stateCreated}, Dst: stateConnected},
			{Name: evClose, Src: []string{stateCreated, stateConnected}, Dst: stateClosed},
		},
		fsm.Callbacks{},
	)
}

func newStreamFSM() *fsm.FSM {
	return fsm.NewFSM(
		stateActive,
		fsm.Events{
			{Name: evPause, Src: []string{stateActive}, Dst: statePaused},
			{Name: evResume, Src: []string{statePaused}, Dst: stateActive},
			{Name: evClose, Src: []string{stateActive, statePaused}, Dst: stateClosed},
		},
		fsm.Callbacks{},
	)
}

// transportRec is the ledger entry for one transport. The owned producer and
// consumer id sets drive the cascade when the transport closes.
type transportRec struct {
	id     domain.TransportID
	userID domain.UserID
	eng    engine.Transport
	state  *fsm.FSM

	producers map[domain.ProducerID]struct{}
	consumers map[domain.ConsumerID]struct{}
}

func newTransportRec(id domain.TransportID, userID domain.UserID, eng engine.Transport) *transportRec {
	return &transportRec{
		id:        id,
		userID:    userID,
		eng:       eng,
		state:     newTransportFSM(),
		producers: make(map[domain.ProducerID]struct{}),
		consumers: make(map[domain.ConsumerID]struct{}),
	}
}

type producerRec struct {
	id          domain.ProducerID
	userID      domain.UserID
	transportID domain.TransportID
	kind        domain.MediaKind
	eng         engine.Producer
	state       *fsm.FSM
}

func newProducerRec(id domain.ProducerID, userID domain.UserID, transportID domain.TransportID, kind domain.MediaKind, eng engine.Producer) *producerRec {
	return &producerRec{id: id, userID: userID, transportID: transportID, kind: kind, eng: eng, state: newStreamFSM()}
}

type consumerRec struct {
	id          domain.ConsumerID
	userID      domain.UserID
	transportID domain.TransportID
	producerID  domain.ProducerID
	eng         engine.Consumer
	state       *fsm.FSM
}

func newConsumerRec(id domain.ConsumerID, userID domain.UserID, transportID domain.TransportID, producerID domain.ProducerID, eng engine.Consumer) *consumerRec {
	return &consumerRec{id: id, userID: userID, transportID: transportID, producerID: producerID, eng: eng, state: newStreamFSM()}
}
