package service

import (
	"context"

	"github.com/DenisMakokha/kechita-approvals/internal/apperrors"
	"github.com/DenisMakokha/kechita-approvals/internal/logger"
	"github.com/DenisMakokha/kechita-approvals/internal/repository"
)

// FlowAdminStore is the write surface for flow administration. Implemented by
// repository.FlowRepository.
type FlowAdminStore interface {
	FlowStore
	Create(ctx context.Context, flow *repository.ApprovalFlow, steps []*repository.ApprovalFlowStep) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalFlow, error)
	GetByCode(ctx context.Context, code string) (*repository.ApprovalFlow, error)
	List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalFlow, error)
	Update(ctx context.Context, flow *repository.ApprovalFlow, steps []*repository.ApprovalFlowStep) error
	SetActive(ctx context.Context, id string, active bool) error
}

// FlowStepInput is one step template in a flow definition request.
type FlowStepInput struct {
	StepOrder         int     `json:"step_order"`
	Name              string  `json:"name"`
	ApproverType      string  `json:"approver_type"`
	ApproverRoleCode  *string `json:"approver_role_code,omitempty"`
	ApproverUserID    *string `json:"approver_user_id,omitempty"`
	ManagerChainLevel *int    `json:"manager_chain_level,omitempty"`
	IsFinal           bool    `json:"is_final"`
	SLAHours          *int    `json:"sla_hours,omitempty"`
}

// FlowInput is a flow definition create/update request.
type FlowInput struct {
	ID         string          `json:"id,omitempty"`
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	TargetType string          `json:"target_type"`
	IsActive   bool            `json:"is_active"`
	Priority   int             `json:"priority"`
	Steps      []FlowStepInput `json:"steps"`
}

// FlowWithSteps pairs a flow with its step templates for API responses.
type FlowWithSteps struct {
	Flow  *repository.ApprovalFlow       `json:"flow"`
	Steps []*repository.ApprovalFlowStep `json:"steps"`
}

// FlowAdmin manages flow definitions. Step sequences are validated before
// they are persisted, so the registry's read-path validation only ever trips
// on configuration edited outside this service.
type FlowAdmin struct {
	flows FlowAdminStore
	log   *logger.Logger
}

// NewFlowAdmin creates a new FlowAdmin.
func NewFlowAdmin(flows FlowAdminStore, log *logger.Logger) *FlowAdmin {
	return &FlowAdmin{flows: flows, log: log}
}

// CreateFlow validates and persists a new flow definition.
func (a *FlowAdmin) CreateFlow(ctx context.Context, in FlowInput) (*FlowWithSteps, error) {
	flow, steps, err := buildFlow(in)
	if err != nil {
		return nil, err
	}
	if err := a.flows.Create(ctx, flow, steps); err != nil {
		return nil, err
	}

	a.log.Info().
		Str("flow_id", flow.ID).
		Str("code", flow.Code).
		Str("target_type", string(flow.TargetType)).
		Int("steps", len(steps)).
		Msg("approval flow created")

	return &FlowWithSteps{Flow: flow, Steps: steps}, nil
}

// UpdateFlow validates and replaces an existing flow definition. Fails with a
// conflict while the flow has in-flight instances.
func (a *FlowAdmin) UpdateFlow(ctx context.Context, in FlowInput) (*FlowWithSteps, error) {
	if in.ID == "" {
		return nil, apperrors.InvalidInput("id", "must not be empty")
	}
	flow, steps, err := buildFlow(in)
	if err != nil {
		return nil, err
	}
	flow.ID = in.ID
	if err := a.flows.Update(ctx, flow, steps); err != nil {
		return nil, err
	}

	a.log.Info().
		Str("flow_id", flow.ID).
		Str("code", flow.Code).
		Msg("approval flow updated")

	return &FlowWithSteps{Flow: flow, Steps: steps}, nil
}

// GetFlow loads a flow and its steps by id or code.
func (a *FlowAdmin) GetFlow(ctx context.Context, id, code string) (*FlowWithSteps, error) {
	var (
		flow *repository.ApprovalFlow
		err  error
	)
	switch {
	case id != "":
		flow, err = a.flows.GetByID(ctx, id)
	case code != "":
		flow, err = a.flows.GetByCode(ctx, code)
	default:
		return nil, apperrors.InvalidInput("id", "id or code is required")
	}
	if err != nil {
		return nil, err
	}

	steps, err := a.flows.GetSteps(ctx, flow.ID)
	if err != nil {
		return nil, err
	}
	return &FlowWithSteps{Flow: flow, Steps: steps}, nil
}

// ListFlows lists flow definitions.
func (a *FlowAdmin) ListFlows(ctx context.Context, activeOnly bool) ([]*repository.ApprovalFlow, error) {
	return a.flows.List(ctx, activeOnly)
}

// SetActive toggles whether a flow participates in selection.
func (a *FlowAdmin) SetActive(ctx context.Context, id string, active bool) error {
	if err := a.flows.SetActive(ctx, id, active); err != nil {
		return err
	}
	a.log.Info().Str("flow_id", id).Bool("active", active).Msg("approval flow activation changed")
	return nil
}

func buildFlow(in FlowInput) (*repository.ApprovalFlow, []*repository.ApprovalFlowStep, error) {
	if in.Code == "" {
		return nil, nil, apperrors.InvalidInput("code", "must not be empty")
	}
	if in.Name == "" {
		return nil, nil, apperrors.InvalidInput("name", "must not be empty")
	}

	flow := &repository.ApprovalFlow{
		Code:       in.Code,
		Name:       in.Name,
		TargetType: repository.TargetType(in.TargetType),
		IsActive:   in.IsActive,
		Priority:   in.Priority,
	}

	steps := make([]*repository.ApprovalFlowStep, 0, len(in.Steps))
	for _, s := range in.Steps {
		steps = append(steps, &repository.ApprovalFlowStep{
			StepOrder:         s.StepOrder,
			Name:              s.Name,
			ApproverType:      repository.ApproverType(s.ApproverType),
			ApproverRoleCode:  s.ApproverRoleCode,
			ApproverUserID:    s.ApproverUserID,
			ManagerChainLevel: s.ManagerChainLevel,
			IsFinal:           s.IsFinal,
			SLAHours:          s.SLAHours,
		})
	}

	if err := ValidateSteps(steps); err != nil {
		return nil, nil, err
	}
	return flow, steps, nil
}
