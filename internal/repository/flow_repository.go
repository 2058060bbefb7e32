package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/DenisMakokha/kechita-approvals/internal/apperrors"
	"github.com/DenisMakokha/kechita-approvals/internal/database"
)

// FlowRepository handles CRUD for approval flows and their step templates.
// Flow + step creation and replacement are always done in a single transaction.
type FlowRepository struct {
	db *database.DB
}

// NewFlowRepository creates a new FlowRepository.
func NewFlowRepository(db *database.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

// Create inserts a flow and its step templates in one transaction.
func (r *FlowRepository) Create(ctx context.Context, flow *ApprovalFlow, steps []*ApprovalFlowStep) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		flowQuery := `
			INSERT INTO approval_flows
			    (code, name, target_type, is_active, priority)
			VALUES ($1, $2, $3::approval_target_type, $4, $5)
			RETURNING id, created_at, updated_at
		`

		err := tx.QueryRow(ctx, flowQuery,
			flow.Code,
			flow.Name,
			flow.TargetType,
			flow.IsActive,
			flow.Priority,
		).Scan(&flow.ID, &flow.CreatedAt, &flow.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval flow")
		}

		return r.insertSteps(ctx, tx, flow.ID, steps)
	})
}

// GetByID retrieves a flow by primary key.
func (r *FlowRepository) GetByID(ctx context.Context, id string) (*ApprovalFlow, error) {
	query := `
		SELECT id, code, name, target_type, is_active, priority, created_at, updated_at
		FROM approval_flows
		WHERE id = $1
	`

	flow, err := r.scanFlow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_flow", id)
	}
	return flow, err
}

// GetByCode retrieves a flow by its unique code.
func (r *FlowRepository) GetByCode(ctx context.Context, code string) (*ApprovalFlow, error) {
	query := `
		SELECT id, code, name, target_type, is_active, priority, created_at, updated_at
		FROM approval_flows
		WHERE code = $1
	`

	flow, err := r.scanFlow(r.db.QueryRow(ctx, query, code))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_flow", code)
	}
	return flow, err
}

// ListActive returns the active flows for a target type ordered by priority
// ascending then id ascending. The ordering is the selection tie-break: the
// first row is the flow the registry picks.
func (r *FlowRepository) ListActive(ctx context.Context, targetType TargetType) ([]*ApprovalFlow, error) {
	query := `
		SELECT id, code, name, target_type, is_active, priority, created_at, updated_at
		FROM approval_flows
		WHERE target_type = $1::approval_target_type
		  AND is_active = TRUE
		ORDER BY priority ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, targetType)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list active flows")
	}
	defer rows.Close()

	return r.scanFlowRows(rows)
}

// List returns all flows, optionally filtered to active only.
func (r *FlowRepository) List(ctx context.Context, activeOnly bool) ([]*ApprovalFlow, error) {
	query := `
		SELECT id, code, name, target_type, is_active, priority, created_at, updated_at
		FROM approval_flows
	`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY target_type ASC, priority ASC, code ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list flows")
	}
	defer rows.Close()

	return r.scanFlowRows(rows)
}

// GetSteps returns a flow's step templates ordered by step_order ascending.
func (r *FlowRepository) GetSteps(ctx context.Context, flowID string) ([]*ApprovalFlowStep, error) {
	query := `
		SELECT id, flow_id, step_order, name, approver_type,
		       approver_role_code, approver_user_id, manager_chain_level,
		       is_final, sla_hours, created_at, updated_at
		FROM approval_flow_steps
		WHERE flow_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, flowID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get flow steps")
	}
	defer rows.Close()

	var steps []*ApprovalFlowStep
	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// Update replaces a flow's attributes and step templates in one transaction.
// Rejected with a conflict while any non-terminal instance references the
// flow, so in-flight instances never see their configuration change.
func (r *FlowRepository) Update(ctx context.Context, flow *ApprovalFlow, steps []*ApprovalFlowStep) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var inFlight bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM approval_instances
				WHERE flow_id = $1 AND status = 'pending'
			)
		`, flow.ID).Scan(&inFlight)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to check in-flight instances")
		}
		if inFlight {
			return apperrors.New(apperrors.ErrCodeConflict,
				"flow has in-flight instances and cannot be edited").WithReason("FLOW_IN_FLIGHT")
		}

		query := `
			UPDATE approval_flows
			SET code        = $2,
			    name        = $3,
			    target_type = $4::approval_target_type,
			    is_active   = $5,
			    priority    = $6,
			    updated_at  = NOW()
			WHERE id = $1
			RETURNING updated_at
		`

		err = tx.QueryRow(ctx, query,
			flow.ID,
			flow.Code,
			flow.Name,
			flow.TargetType,
			flow.IsActive,
			flow.Priority,
		).Scan(&flow.UpdatedAt)
		if err == pgx.ErrNoRows {
			return apperrors.NotFound("approval_flow", flow.ID)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update approval flow")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM approval_flow_steps WHERE flow_id = $1`, flow.ID); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to replace flow steps")
		}
		return r.insertSteps(ctx, tx, flow.ID, steps)
	})
}

// SetActive toggles a flow's is_active. Deactivation only affects future
// selection; in-flight instances keep their materialized configuration.
func (r *FlowRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `
		UPDATE approval_flows
		SET is_active = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, active).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_flow", id)
	}
	return err
}

// ── internal helpers ──────────────────────────────────────────────────────────

func (r *FlowRepository) insertSteps(ctx context.Context, tx pgx.Tx, flowID string, steps []*ApprovalFlowStep) error {
	stepQuery := `
		INSERT INTO approval_flow_steps
		    (flow_id, step_order, name, approver_type,
		     approver_role_code, approver_user_id, manager_chain_level,
		     is_final, sla_hours)
		VALUES ($1, $2, $3, $4::approver_type,
		        $5, $6, $7,
		        $8, $9)
		RETURNING id, created_at, updated_at
	`

	for _, step := range steps {
		step.FlowID = flowID

		err := tx.QueryRow(ctx, stepQuery,
			step.FlowID,
			step.StepOrder,
			step.Name,
			step.ApproverType,
			step.ApproverRoleCode,
			step.ApproverUserID,
			step.ManagerChainLevel,
			step.IsFinal,
			step.SLAHours,
		).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create flow step")
		}
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type flowScanner interface {
	Scan(dest ...any) error
}

func (r *FlowRepository) scanFlow(row flowScanner) (*ApprovalFlow, error) {
	flow := &ApprovalFlow{}
	err := row.Scan(
		&flow.ID,
		&flow.Code,
		&flow.Name,
		&flow.TargetType,
		&flow.IsActive,
		&flow.Priority,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return flow, nil
}

func (r *FlowRepository) scanFlowRows(rows pgx.Rows) ([]*ApprovalFlow, error) {
	var flows []*ApprovalFlow
	for rows.Next() {
		flow := &ApprovalFlow{}
		err := rows.Scan(
			&flow.ID,
			&flow.Code,
			&flow.Name,
			&flow.TargetType,
			&flow.IsActive,
			&flow.Priority,
			&flow.CreatedAt,
			&flow.UpdatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval flow")
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

func (r *FlowRepository) scanStep(sc flowScanner) (*ApprovalFlowStep, error) {
	step := &ApprovalFlowStep{}
	err := sc.Scan(
		&step.ID,
		&step.FlowID,
		&step.StepOrder,
		&step.Name,
		&step.ApproverType,
		&step.ApproverRoleCode,
		&step.ApproverUserID,
		&step.ManagerChainLevel,
		&step.IsFinal,
		&step.SLAHours,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan flow step")
	}
	return step, nil
}
