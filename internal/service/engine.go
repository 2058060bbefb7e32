package service

import (
	"context"
	"fmt"
	"time"

	"github.com/DenisMakokha/kechita-approvals/internal/apperrors"
	"github.com/DenisMakokha/kechita-approvals/internal/logger"
	"github.com/DenisMakokha/kechita-approvals/internal/repository"
)

// InstanceStore is the persistence surface the engine drives. Implemented by
// repository.InstanceRepository; every Apply* method is an atomic conditional
// transition that fails with a conflict when a concurrent caller won the race.
type InstanceStore interface {
	Create(ctx context.Context, inst *repository.ApprovalInstance, steps []*repository.ApprovalStepInstance) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalInstance, error)
	GetActiveByTarget(ctx context.Context, targetType repository.TargetType, targetID string) (*repository.ApprovalInstance, error)
	ListByRequester(ctx context.Context, requesterID string) ([]*repository.ApprovalInstance, error)
	ApplyApproval(ctx context.Context, t repository.ApproveTransition) error
	ApplyRejection(ctx context.Context, t repository.RejectTransition) error
	ApplyDelegation(ctx context.Context, t repository.DelegateTransition) error
	ApplyCancellation(ctx context.Context, t repository.CancelTransition) error
	ApplyReassignment(ctx context.Context, t repository.ReassignTransition) error
	Halt(ctx context.Context, instanceID, reason string) error
	ListPending(ctx context.Context, targetType *repository.TargetType) ([]*repository.PendingApproval, error)
	ListOverdue(ctx context.Context, asOf time.Time) ([]*repository.PendingApproval, error)
}

// StepStore reads materialized step instances.
type StepStore interface {
	GetByInstanceID(ctx context.Context, instanceID string) ([]*repository.ApprovalStepInstance, error)
	GetCurrent(ctx context.Context, instanceID string, stepOrder int) (*repository.ApprovalStepInstance, error)
}

// DecisionStore reads the append-only decision trail.
type DecisionStore interface {
	ListByInstance(ctx context.Context, instanceID string) ([]*repository.ApprovalDecision, error)
}

// DecisionAction is the caller-facing action verb for Decide.
type DecisionAction string

const (
	Approve  DecisionAction = "approve"
	Reject   DecisionAction = "reject"
	Delegate DecisionAction = "delegate"
)

// SubmitRequest starts an approval process for one business object.
type SubmitRequest struct {
	TargetType  repository.TargetType `json:"target_type"`
	TargetID    string                `json:"target_id"`
	RequesterID string                `json:"requester_id"`
	IsUrgent    bool                  `json:"is_urgent"`
}

// DecideRequest applies one human decision on an instance's current step.
type DecideRequest struct {
	InstanceID string         `json:"instance_id"`
	ActorID    string         `json:"actor_id"`
	Action     DecisionAction `json:"action"`
	Comment    string         `json:"comment"`
	DelegateTo string         `json:"delegate_to"` // required for delegate
}

// EscalateRequest is invoked by the external SLA job against an overdue step.
type EscalateRequest struct {
	InstanceID  string `json:"instance_id"`
	ActorID     string `json:"actor_id"`
	EscalateTo  string `json:"escalate_to"`
	Reason      string `json:"reason"`
	ExtendHours int    `json:"extend_hours"`
}

// ReassignRequest is the administrative remediation for halted instances.
type ReassignRequest struct {
	InstanceID string `json:"instance_id"`
	ActorID    string `json:"actor_id"`
	AssignTo   string `json:"assign_to"`
	Reason     string `json:"reason"`
}

// InstanceSnapshot is the authoritative view returned to callers, complete
// enough to reconcile UIs without re-deriving state.
type InstanceSnapshot struct {
	Instance  *repository.ApprovalInstance      `json:"instance"`
	Steps     []*repository.ApprovalStepInstance `json:"steps"`
	Decisions []*repository.ApprovalDecision     `json:"decisions"`
}

// PendingItem is one entry in an approver's inbox.
type PendingItem struct {
	Instance *repository.ApprovalInstance     `json:"instance"`
	Step     *repository.ApprovalStepInstance `json:"step"`
	StepName string                           `json:"step_name"`
}

// ApprovalEngine orchestrates the approval lifecycle: it creates instances
// from the flow registry, authorizes actors via the approver resolver, and
// applies decisions through the instance store's atomic transitions. It is
// invoked synchronously per request and holds no timers.
type ApprovalEngine struct {
	registry  *FlowRegistry
	resolver  *ApproverResolver
	instances InstanceStore
	steps     StepStore
	decisions DecisionStore
	events    EventPublisher
	log       *logger.Logger
}

// NewApprovalEngine creates a new ApprovalEngine.
func NewApprovalEngine(
	registry *FlowRegistry,
	resolver *ApproverResolver,
	instances InstanceStore,
	steps StepStore,
	decisions DecisionStore,
	events EventPublisher,
	log *logger.Logger,
) *ApprovalEngine {
	if events == nil {
		events = NopPublisher{}
	}
	return &ApprovalEngine{
		registry:  registry,
		resolver:  resolver,
		instances: instances,
		steps:     steps,
		decisions: decisions,
		events:    events,
		log:       log,
	}
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit creates an approval instance for a target object: selects the
// applicable flow, materializes every step instance up front and activates
// the first step. At most one non-terminal instance may exist per target.
func (e *ApprovalEngine) Submit(ctx context.Context, req SubmitRequest) (*repository.ApprovalInstance, error) {
	if req.TargetID == "" {
		return nil, apperrors.InvalidInput("target_id", "must not be empty")
	}
	if req.RequesterID == "" {
		return nil, apperrors.InvalidInput("requester_id", "must not be empty")
	}

	existing, err := e.instances.GetActiveByTarget(ctx, req.TargetType, req.TargetID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("target %s/%s already has active instance %s",
				req.TargetType, req.TargetID, existing.ID)).
			WithReason("DUPLICATE_INSTANCE")
	}

	flow, err := e.registry.SelectFlow(ctx, req.TargetType)
	if err != nil {
		return nil, err
	}
	templates, err := e.registry.LoadSteps(ctx, flow.ID)
	if err != nil {
		return nil, err
	}

	first := templates[0]
	inst := &repository.ApprovalInstance{
		FlowID:           flow.ID,
		TargetType:       req.TargetType,
		TargetID:         req.TargetID,
		RequesterID:      req.RequesterID,
		Status:           repository.InstancePending,
		CurrentStepOrder: first.StepOrder,
		IsUrgent:         req.IsUrgent,
	}

	stepInstances := make([]*repository.ApprovalStepInstance, 0, len(templates))
	for _, tmpl := range templates {
		step := &repository.ApprovalStepInstance{
			StepOrder: tmpl.StepOrder,
			Status:    repository.StepPending,
		}
		if tmpl.StepOrder == first.StepOrder {
			step.DueAt = dueAt(tmpl, time.Now())
		}
		stepInstances = append(stepInstances, step)
	}

	if err := e.instances.Create(ctx, inst, stepInstances); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("flow_code", flow.Code).
		Str("target_type", string(req.TargetType)).
		Str("target_id", req.TargetID).
		Int("steps", len(stepInstances)).
		Msg("approval instance created")

	// Resolve the first step's approvers for notification fan-out. The
	// instance exists regardless of the outcome, so sinks always learn
	// about it.
	approvers, rerr := e.resolver.Resolve(ctx, first, stepInstances[0], req.RequesterID)

	e.publish(ctx, Event{
		Type:        EventInstanceCreated,
		InstanceID:  inst.ID,
		TargetType:  inst.TargetType,
		TargetID:    inst.TargetID,
		RequesterID: inst.RequesterID,
		StepOrder:   inst.CurrentStepOrder,
		Approvers:   approvers,
	})

	if rerr != nil {
		// Only genuine resolution outcomes (no manager, chain exhausted, no
		// eligible approver) park the instance for administrative
		// remediation. Transient directory failures leave it un-halted; the
		// caller retries fan-out once the directory is back.
		if apperrors.CodeOf(rerr) == apperrors.ErrCodeUnprocessable {
			if halted, herr := e.haltOnResolutionError(ctx, inst, rerr); herr == nil {
				return halted, nil
			}
		}
		return inst, rerr
	}
	return inst, nil
}

// ── Decide ────────────────────────────────────────────────────────────────────

// Decide applies one decision to the instance's current step. The transition
// itself is atomic in the store; concurrent decisions on the same step yield
// exactly one success, the rest fail with STEP_MISMATCH.
func (e *ApprovalEngine) Decide(ctx context.Context, req DecideRequest) (*repository.ApprovalInstance, error) {
	inst, err := e.instances.GetByID(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("instance is already %s", inst.Status)).
			WithReason("INSTANCE_ALREADY_TERMINAL")
	}
	if inst.Halted() {
		return nil, apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("instance is halted: %s", *inst.HaltReason)).
			WithReason("INSTANCE_HALTED")
	}

	step, err := e.steps.GetCurrent(ctx, inst.ID, inst.CurrentStepOrder)
	if err != nil {
		return nil, err
	}
	if step.Status != repository.StepPending {
		return nil, apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("current step is %s, not pending", step.Status)).
			WithReason("STEP_MISMATCH")
	}

	tmpl, next, err := e.currentTemplate(ctx, inst)
	if err != nil {
		return nil, err
	}

	approvers, err := e.resolver.Resolve(ctx, tmpl, step, inst.RequesterID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrCodeUnprocessable {
			if _, herr := e.haltOnResolutionError(ctx, inst, err); herr != nil {
				e.log.Error().Err(herr).Str("instance_id", inst.ID).Msg("failed to halt instance")
			}
		}
		return nil, err
	}
	if !contains(approvers, req.ActorID) {
		return nil, apperrors.New(apperrors.ErrCodeUnauthorized,
			"user is not an eligible approver for the current step").
			WithReason("NOT_AUTHORIZED")
	}

	comment := optional(req.Comment)
	switch req.Action {
	case Approve:
		err = e.applyApproval(ctx, inst, tmpl, next, req.ActorID, comment)
	case Reject:
		if req.Comment == "" {
			return nil, apperrors.InvalidInput("comment", "a rejection comment is required")
		}
		err = e.applyRejection(ctx, inst, req.ActorID, comment)
	case Delegate:
		err = e.applyDelegation(ctx, inst, req)
	default:
		return nil, apperrors.InvalidInput("action", fmt.Sprintf("unknown action %q", req.Action))
	}
	if err != nil {
		return nil, err
	}

	return e.instances.GetByID(ctx, inst.ID)
}

func (e *ApprovalEngine) applyApproval(
	ctx context.Context,
	inst *repository.ApprovalInstance,
	tmpl, next *repository.ApprovalFlowStep,
	actorID string,
	comment *string,
) error {
	t := repository.ApproveTransition{
		InstanceID: inst.ID,
		StepOrder:  inst.CurrentStepOrder,
		ActorID:    actorID,
		Comment:    comment,
		Final:      tmpl.IsFinal,
	}
	if !tmpl.IsFinal {
		if next == nil {
			return malformedFlow(fmt.Sprintf(
				"step %d is not final but has no successor", tmpl.StepOrder))
		}
		t.NextStepOrder = next.StepOrder
		t.NextDueAt = dueAt(next, time.Now())
	}

	if err := e.instances.ApplyApproval(ctx, t); err != nil {
		return err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Int("step_order", tmpl.StepOrder).
		Str("actor_id", actorID).
		Bool("final", tmpl.IsFinal).
		Msg("step approved")

	if tmpl.IsFinal {
		e.publish(ctx, Event{
			Type:        EventInstanceApproved,
			InstanceID:  inst.ID,
			TargetType:  inst.TargetType,
			TargetID:    inst.TargetID,
			RequesterID: inst.RequesterID,
			StepOrder:   tmpl.StepOrder,
			ActorID:     actorID,
		})
		return nil
	}

	evt := Event{
		Type:        EventStepAdvanced,
		InstanceID:  inst.ID,
		TargetType:  inst.TargetType,
		TargetID:    inst.TargetID,
		RequesterID: inst.RequesterID,
		StepOrder:   next.StepOrder,
		ActorID:     actorID,
	}
	// Best effort: resolve the next step's approvers for fan-out. A
	// resolution failure here halts the instance; the approval itself has
	// already committed.
	if nextStep, serr := e.steps.GetCurrent(ctx, inst.ID, next.StepOrder); serr == nil {
		if approvers, rerr := e.resolver.Resolve(ctx, next, nextStep, inst.RequesterID); rerr == nil {
			evt.Approvers = approvers
		} else if apperrors.CodeOf(rerr) == apperrors.ErrCodeUnprocessable {
			if _, herr := e.haltOnResolutionError(ctx, inst, rerr); herr != nil {
				e.log.Error().Err(herr).Str("instance_id", inst.ID).Msg("failed to halt instance")
			}
		}
	}
	e.publish(ctx, evt)
	return nil
}

func (e *ApprovalEngine) applyRejection(
	ctx context.Context,
	inst *repository.ApprovalInstance,
	actorID string,
	comment *string,
) error {
	err := e.instances.ApplyRejection(ctx, repository.RejectTransition{
		InstanceID: inst.ID,
		StepOrder:  inst.CurrentStepOrder,
		ActorID:    actorID,
		Comment:    comment,
	})
	if err != nil {
		return err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Int("step_order", inst.CurrentStepOrder).
		Str("actor_id", actorID).
		Msg("instance rejected")

	e.publish(ctx, Event{
		Type:        EventInstanceRejected,
		InstanceID:  inst.ID,
		TargetType:  inst.TargetType,
		TargetID:    inst.TargetID,
		RequesterID: inst.RequesterID,
		StepOrder:   inst.CurrentStepOrder,
		ActorID:     actorID,
		Comment:     deref(comment),
	})
	return nil
}

func (e *ApprovalEngine) applyDelegation(
	ctx context.Context,
	inst *repository.ApprovalInstance,
	req DecideRequest,
) error {
	if req.DelegateTo == "" {
		return apperrors.InvalidInput("delegate_to", "must not be empty")
	}
	if req.DelegateTo == inst.RequesterID {
		return apperrors.New(apperrors.ErrCodeInvalidInput,
			"cannot delegate a step to the requester").WithReason("NOT_AUTHORIZED")
	}
	if req.Comment == "" {
		return apperrors.InvalidInput("comment", "a delegation reason is required")
	}

	err := e.instances.ApplyDelegation(ctx, repository.DelegateTransition{
		InstanceID: inst.ID,
		StepOrder:  inst.CurrentStepOrder,
		ActorID:    req.ActorID,
		DelegateTo: req.DelegateTo,
		Reason:     req.Comment,
	})
	if err != nil {
		return err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Int("step_order", inst.CurrentStepOrder).
		Str("actor_id", req.ActorID).
		Str("delegate_to", req.DelegateTo).
		Msg("step delegated")

	e.publish(ctx, Event{
		Type:        EventStepDelegated,
		InstanceID:  inst.ID,
		TargetType:  inst.TargetType,
		TargetID:    inst.TargetID,
		RequesterID: inst.RequesterID,
		StepOrder:   inst.CurrentStepOrder,
		ActorID:     req.ActorID,
		Approvers:   []string{req.DelegateTo},
	})
	return nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel lets the requester withdraw a pending instance. It goes through the
// same atomic path as decisions and cannot race past a concurrent decide that
// already reached a terminal state.
func (e *ApprovalEngine) Cancel(ctx context.Context, instanceID, actorID, reason string) (*repository.ApprovalInstance, error) {
	inst, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("instance is already %s", inst.Status)).
			WithReason("INSTANCE_ALREADY_TERMINAL")
	}
	if inst.RequesterID != actorID {
		return nil, apperrors.New(apperrors.ErrCodeUnauthorized,
			"only the requester can cancel an instance").WithReason("NOT_AUTHORIZED")
	}

	err = e.instances.ApplyCancellation(ctx, repository.CancelTransition{
		InstanceID: inst.ID,
		StepOrder:  inst.CurrentStepOrder,
		ActorID:    actorID,
		Reason:     optional(reason),
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("actor_id", actorID).
		Msg("instance cancelled")

	e.publish(ctx, Event{
		Type:        EventInstanceCancelled,
		InstanceID:  inst.ID,
		TargetType:  inst.TargetType,
		TargetID:    inst.TargetID,
		RequesterID: inst.RequesterID,
		StepOrder:   inst.CurrentStepOrder,
		ActorID:     actorID,
		Comment:     reason,
	})
	return e.instances.GetByID(ctx, inst.ID)
}

// ── Escalate / Reassign ───────────────────────────────────────────────────────

// Escalate is called by the external SLA job for an overdue step. It makes
// the escalation target eligible on the current step, optionally extends the
// deadline, and records an ESCALATE decision. The engine itself holds no
// timers; overdue detection is the caller's concern (see ListOverdue).
func (e *ApprovalEngine) Escalate(ctx context.Context, req EscalateRequest) (*repository.ApprovalInstance, error) {
	inst, err := e.instances.GetByID(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("instance is already %s", inst.Status)).
			WithReason("INSTANCE_ALREADY_TERMINAL")
	}
	if inst.Halted() {
		// Halted instances are remediated through Reassign; escalating one
		// would add an approver who still cannot decide.
		return nil, apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("instance is halted: %s", *inst.HaltReason)).
			WithReason("INSTANCE_HALTED")
	}
	if req.EscalateTo == "" {
		return nil, apperrors.InvalidInput("escalate_to", "must not be empty")
	}

	var newDue *time.Time
	if req.ExtendHours > 0 {
		d := time.Now().Add(time.Duration(req.ExtendHours) * time.Hour)
		newDue = &d
	}

	err = e.instances.ApplyDelegation(ctx, repository.DelegateTransition{
		InstanceID: inst.ID,
		StepOrder:  inst.CurrentStepOrder,
		ActorID:    req.ActorID,
		DelegateTo: req.EscalateTo,
		Reason:     req.Reason,
		Escalation: true,
		NewDueAt:   newDue,
	})
	if err != nil {
		return nil, err
	}

	e.log.Warn().
		Str("instance_id", inst.ID).
		Int("step_order", inst.CurrentStepOrder).
		Str("escalate_to", req.EscalateTo).
		Msg("step escalated")

	e.publish(ctx, Event{
		Type:        EventStepEscalated,
		InstanceID:  inst.ID,
		TargetType:  inst.TargetType,
		TargetID:    inst.TargetID,
		RequesterID: inst.RequesterID,
		StepOrder:   inst.CurrentStepOrder,
		ActorID:     req.ActorID,
		Approvers:   []string{req.EscalateTo},
	})
	return e.instances.GetByID(ctx, inst.ID)
}

// Reassign is the administrative remediation for halted instances: it pins a
// specific approver onto the current step and clears the halt.
func (e *ApprovalEngine) Reassign(ctx context.Context, req ReassignRequest) (*repository.ApprovalInstance, error) {
	inst, err := e.instances.GetByID(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("instance is already %s", inst.Status)).
			WithReason("INSTANCE_ALREADY_TERMINAL")
	}
	if req.AssignTo == "" {
		return nil, apperrors.InvalidInput("assign_to", "must not be empty")
	}
	if req.AssignTo == inst.RequesterID {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput,
			"cannot assign a step to the requester").WithReason("NOT_AUTHORIZED")
	}

	err = e.instances.ApplyReassignment(ctx, repository.ReassignTransition{
		InstanceID: inst.ID,
		StepOrder:  inst.CurrentStepOrder,
		ActorID:    req.ActorID,
		AssignTo:   req.AssignTo,
		Reason:     optional(req.Reason),
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Int("step_order", inst.CurrentStepOrder).
		Str("assign_to", req.AssignTo).
		Msg("step reassigned")

	e.publish(ctx, Event{
		Type:        EventStepReassigned,
		InstanceID:  inst.ID,
		TargetType:  inst.TargetType,
		TargetID:    inst.TargetID,
		RequesterID: inst.RequesterID,
		StepOrder:   inst.CurrentStepOrder,
		ActorID:     req.ActorID,
		Approvers:   []string{req.AssignTo},
	})
	return e.instances.GetByID(ctx, inst.ID)
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetInstance returns the full authoritative snapshot of an instance.
func (e *ApprovalEngine) GetInstance(ctx context.Context, id string) (*InstanceSnapshot, error) {
	inst, err := e.instances.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := e.steps.GetByInstanceID(ctx, id)
	if err != nil {
		return nil, err
	}
	decisions, err := e.decisions.ListByInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return &InstanceSnapshot{Instance: inst, Steps: steps, Decisions: decisions}, nil
}

// ListPending returns the instances whose current step the given user may
// decide, urgent first. Items whose approver set cannot be resolved are
// logged and skipped rather than failing the whole inbox.
func (e *ApprovalEngine) ListPending(ctx context.Context, userID string) ([]*PendingItem, error) {
	pending, err := e.instances.ListPending(ctx, nil)
	if err != nil {
		return nil, err
	}

	var items []*PendingItem
	for _, p := range pending {
		approvers, rerr := e.resolver.Resolve(ctx, &p.Template, &p.Step, p.Instance.RequesterID)
		if rerr != nil {
			e.log.Warn().Err(rerr).
				Str("instance_id", p.Instance.ID).
				Int("step_order", p.Step.StepOrder).
				Msg("skipping unresolvable pending step")
			continue
		}
		if contains(approvers, userID) {
			inst, step := p.Instance, p.Step
			items = append(items, &PendingItem{
				Instance: &inst,
				Step:     &step,
				StepName: p.Template.Name,
			})
		}
	}
	return items, nil
}

// ListOverdue exposes overdue pending steps to the external escalation job.
func (e *ApprovalEngine) ListOverdue(ctx context.Context, asOf time.Time) ([]*repository.PendingApproval, error) {
	return e.instances.ListOverdue(ctx, asOf)
}

// ListByRequester returns a requester's own instances, newest first.
func (e *ApprovalEngine) ListByRequester(ctx context.Context, requesterID string) ([]*repository.ApprovalInstance, error) {
	return e.instances.ListByRequester(ctx, requesterID)
}

// ── internal helpers ──────────────────────────────────────────────────────────

// currentTemplate loads the validated step templates of the instance's flow
// and returns the current one plus its successor (nil when current is last).
func (e *ApprovalEngine) currentTemplate(ctx context.Context, inst *repository.ApprovalInstance) (current, next *repository.ApprovalFlowStep, err error) {
	templates, err := e.registry.LoadSteps(ctx, inst.FlowID)
	if err != nil {
		return nil, nil, err
	}
	for i, tmpl := range templates {
		if tmpl.StepOrder == inst.CurrentStepOrder {
			if i+1 < len(templates) {
				return tmpl, templates[i+1], nil
			}
			return tmpl, nil, nil
		}
	}
	return nil, nil, malformedFlow(fmt.Sprintf(
		"instance %s points at step order %d which does not exist in flow %s",
		inst.ID, inst.CurrentStepOrder, inst.FlowID))
}

// haltOnResolutionError flags the instance for administrative remediation and
// emits an InstanceHalted event. Never silently skips a step.
func (e *ApprovalEngine) haltOnResolutionError(ctx context.Context, inst *repository.ApprovalInstance, cause error) (*repository.ApprovalInstance, error) {
	reason := apperrors.ReasonOf(cause)
	if reason == "" {
		reason = cause.Error()
	}
	if err := e.instances.Halt(ctx, inst.ID, reason); err != nil {
		return nil, err
	}

	e.log.Warn().
		Str("instance_id", inst.ID).
		Str("reason", reason).
		Msg("instance halted pending administrative remediation")

	e.publish(ctx, Event{
		Type:        EventInstanceHalted,
		InstanceID:  inst.ID,
		TargetType:  inst.TargetType,
		TargetID:    inst.TargetID,
		RequesterID: inst.RequesterID,
		StepOrder:   inst.CurrentStepOrder,
		Comment:     reason,
	})
	return e.instances.GetByID(ctx, inst.ID)
}

// publish sends a lifecycle event. Failures inside the publisher are its own
// concern; approval state is authoritative and never rolled back.
func (e *ApprovalEngine) publish(ctx context.Context, evt Event) {
	evt.OccurredAt = time.Now()
	e.events.Publish(ctx, evt)
}

func dueAt(tmpl *repository.ApprovalFlowStep, from time.Time) *time.Time {
	if tmpl.SLAHours == nil {
		return nil
	}
	d := from.Add(time.Duration(*tmpl.SLAHours) * time.Hour)
	return &d
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
