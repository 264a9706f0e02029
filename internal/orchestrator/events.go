package orchestrator

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

type EventKind string

const (
	EventStarted      EventKind = "operation_started"
	EventRegistration EventKind = "registration"
	EventFee          EventKind = "fee"
	EventLeg          EventKind = "leg"
	EventFinished     EventKind = "operation_finished"
)

// Event is a progress notification for one orchestration.
type Event struct {
	OperationID string           `json:"operation_id"`
	Side        Side             `json:"side"`
	Wallet      solana.PublicKey `json:"wallet"`
	Kind        EventKind        `json:"kind"`
	LegIndex    *int             `json:"leg_index,omitempty"`
	Status      string           `json:"status"`
	Signature   string           `json:"signature,omitempty"`
	Message     string           `json:"message,omitempty"`
	Time        time.Time        `json:"time"`
}

// EventSink must not block.
type EventSink interface {
	Publish(Event)
}

type NopSink struct{}

func (NopSink) Publish(Event) {}

func (o *Orchestrator) emit(res *Result, kind EventKind, legIndex *int, status string, sig solana.Signature, msg string) {
	ev := Event{
		OperationID: res.OperationID,
		Side:        res.Side,
		Wallet:      res.Wallet,
		Kind:        kind,
		LegIndex:    legIndex,
		Status:      status,
		Message:     msg,
		Time:        o.now(),
	}
	if !sig.IsZero() {
		ev.Signature = sig.String()
	}
	o.events.Publish(ev)
}
