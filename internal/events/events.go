// Package events fans approval and chain lifecycle events out to the admin
// dashboard and the event stream.
package events

import (
	"context"
	"time"
)

const (
	ApprovalRequested       = "approval.requested"
	ApprovalApproved        = "approval.approved"
	ApprovalRejected        = "approval.rejected"
	ApprovalExecuted        = "approval.executed"
	ApprovalExecutionFailed = "approval.execution_failed"
	ChainTxRecorded         = "chain_tx.recorded"
	ChainTxResolved         = "chain_tx.resolved"
	ReconciliationAlert     = "reconciliation.alert"
)

// Event is the envelope written to every sink.
type Event struct {
	Type       string      `json:"type"`
	EntityID   string      `json:"entity_id"`
	Data       interface{} `json:"data,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// New stamps an event with the current time.
func New(eventType, entityID string, data interface{}) Event {
	return Event{Type: eventType, EntityID: entityID, Data: data, OccurredAt: time.Now().UTC()}
}

// Publisher delivers events on a best-effort basis. Failures are logged by the
// implementation and never reach the caller.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Multi publishes every event to each of its publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, evt)
		}
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
