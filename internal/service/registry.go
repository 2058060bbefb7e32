package service

import (
	"context"
	"fmt"

	"github.com/DenisMakokha/kechita-approvals/internal/apperrors"
	"github.com/DenisMakokha/kechita-approvals/internal/repository"
)

// FlowStore is the flow configuration surface the registry reads. Implemented
// by repository.FlowRepository.
type FlowStore interface {
	// ListActive returns active flows for a target type ordered by the
	// selection policy (priority ascending, then id ascending).
	ListActive(ctx context.Context, targetType repository.TargetType) ([]*repository.ApprovalFlow, error)
	// GetSteps returns a flow's step templates ordered by step_order ascending.
	GetSteps(ctx context.Context, flowID string) ([]*repository.ApprovalFlowStep, error)
}

// Flow selection policy: among active flows for a target type, the lowest
// priority value wins; ties break on lowest id. Never nondeterministic.
const SelectionOrder = "priority ASC, id ASC"

// FlowRegistry selects the applicable flow for new requests and loads
// validated step sequences. Flow definitions are read-only at runtime.
type FlowRegistry struct {
	flows FlowStore
}

// NewFlowRegistry creates a new FlowRegistry.
func NewFlowRegistry(flows FlowStore) *FlowRegistry {
	return &FlowRegistry{flows: flows}
}

// SelectFlow returns the single best-matching active flow for a target type.
// No applicable flow is a hard stop, never a silent default.
func (r *FlowRegistry) SelectFlow(ctx context.Context, targetType repository.TargetType) (*repository.ApprovalFlow, error) {
	flows, err := r.flows.ListActive(ctx, targetType)
	if err != nil {
		return nil, err
	}
	if len(flows) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeUnprocessable,
			fmt.Sprintf("no active approval flow configured for target type %q", targetType)).
			WithReason("NO_APPLICABLE_FLOW")
	}
	return flows[0], nil
}

// LoadSteps loads and validates a flow's step templates.
func (r *FlowRegistry) LoadSteps(ctx context.Context, flowID string) ([]*repository.ApprovalFlowStep, error) {
	steps, err := r.flows.GetSteps(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// ValidateSteps checks the structural invariants of a step sequence:
// step_order strictly increasing and positive, exactly one final step, the
// final step last, and each approver strategy carrying its required fields.
// Shared by the registry (read path) and flow administration (write path).
func ValidateSteps(steps []*repository.ApprovalFlowStep) error {
	if len(steps) == 0 {
		return malformedFlow("flow has no steps")
	}

	prevOrder := 0
	finals := 0
	for i, step := range steps {
		if step.StepOrder <= prevOrder {
			return malformedFlow(fmt.Sprintf(
				"step_order must be strictly increasing: step %d has order %d after %d",
				i+1, step.StepOrder, prevOrder))
		}
		prevOrder = step.StepOrder

		if step.IsFinal {
			finals++
			if i != len(steps)-1 {
				return malformedFlow(fmt.Sprintf(
					"final step must be last: step at order %d is marked final", step.StepOrder))
			}
		}

		if err := validateStrategy(step); err != nil {
			return err
		}
	}
	if finals != 1 {
		return malformedFlow(fmt.Sprintf("flow must have exactly one final step, found %d", finals))
	}
	return nil
}

func validateStrategy(step *repository.ApprovalFlowStep) error {
	switch step.ApproverType {
	case repository.ApproverRole:
		if step.ApproverRoleCode == nil || *step.ApproverRoleCode == "" {
			return malformedFlow(fmt.Sprintf(
				"step %d uses ROLE but has no approver_role_code", step.StepOrder))
		}
	case repository.ApproverSpecificUser:
		if step.ApproverUserID == nil || *step.ApproverUserID == "" {
			return malformedFlow(fmt.Sprintf(
				"step %d uses SPECIFIC_USER but has no approver_user_id", step.StepOrder))
		}
	case repository.ApproverRequesterManager:
		// no extra configuration
	case repository.ApproverManagerChain:
		if step.ManagerChainLevel == nil || *step.ManagerChainLevel < 1 {
			return malformedFlow(fmt.Sprintf(
				"step %d uses MANAGER_CHAIN_LEVEL_N but has no positive manager_chain_level", step.StepOrder))
		}
	default:
		return malformedFlow(fmt.Sprintf(
			"step %d has unknown approver_type %q", step.StepOrder, step.ApproverType))
	}
	return nil
}

func malformedFlow(msg string) error {
	return apperrors.New(apperrors.ErrCodeUnprocessable, msg).WithReason("MALFORMED_FLOW")
}
