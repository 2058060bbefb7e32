package service

import (
	"context"
	"time"

	"github.com/DenisMakokha/kechita-approvals/internal/repository"
)

// EventType discriminates lifecycle events published to the event sink.
type EventType string

const (
	EventInstanceCreated   EventType = "instance_created"
	EventStepAdvanced      EventType = "step_advanced"
	EventInstanceApproved  EventType = "instance_approved"
	EventInstanceRejected  EventType = "instance_rejected"
	EventInstanceCancelled EventType = "instance_cancelled"
	EventInstanceHalted    EventType = "instance_halted"
	EventStepDelegated     EventType = "step_delegated"
	EventStepEscalated     EventType = "step_escalated"
	EventStepReassigned    EventType = "step_reassigned"
)

// Event is one lifecycle transition, published after the transition has been
// committed. Approvers lists the users whose action is awaited next, for
// notification fan-out.
type Event struct {
	Type        EventType             `json:"type"`
	InstanceID  string                `json:"instance_id"`
	TargetType  repository.TargetType `json:"target_type"`
	TargetID    string                `json:"target_id"`
	RequesterID string                `json:"requester_id"`
	StepOrder   int                   `json:"step_order"`
	ActorID     string                `json:"actor_id,omitempty"`
	Approvers   []string              `json:"approvers,omitempty"`
	Comment     string                `json:"comment,omitempty"`
	OccurredAt  time.Time             `json:"occurred_at"`
}

// EventPublisher is the event sink boundary. Publishing is best-effort: the
// engine never inspects failures and never rolls back a committed transition
// because of one.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

// NopPublisher discards events. Used when no sink is configured and in tests.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(context.Context, Event) {}
