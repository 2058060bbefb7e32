package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/DenisMakokha/kechita-approvals/internal/apperrors"
	"github.com/DenisMakokha/kechita-approvals/internal/database"
)

// uniqueViolation is the PostgreSQL error code raised by the partial unique
// index that allows at most one non-terminal instance per target.
const uniqueViolation = "23505"

// InstanceRepository is the sole writer of approval instance and step
// instance state. Every transition is an atomic conditional update inside a
// single transaction: a concurrent caller that loses the race observes zero
// affected rows and gets a conflict, never a silent no-op.
type InstanceRepository struct {
	db *database.DB
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *database.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// ── Creation ─────────────────────────────────────────────────────────────────

// Create inserts an instance and all of its materialized step instances in
// one transaction. A second active instance for the same target violates the
// partial unique index and surfaces as a DUPLICATE_INSTANCE conflict.
func (r *InstanceRepository) Create(ctx context.Context, inst *ApprovalInstance, steps []*ApprovalStepInstance) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		instQuery := `
			INSERT INTO approval_instances
			    (flow_id, target_type, target_id, requester_id,
			     status, current_step_order, is_urgent)
			VALUES ($1, $2::approval_target_type, $3, $4,
			        $5::approval_instance_status, $6, $7)
			RETURNING id, created_at, updated_at
		`

		err := tx.QueryRow(ctx, instQuery,
			inst.FlowID,
			inst.TargetType,
			inst.TargetID,
			inst.RequesterID,
			inst.Status,
			inst.CurrentStepOrder,
			inst.IsUrgent,
		).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
		if err != nil {
			return err
		}

		stepQuery := `
			INSERT INTO approval_step_instances
			    (instance_id, step_order, status, due_at)
			VALUES ($1, $2, $3::approval_step_status, $4)
			RETURNING id, created_at, updated_at
		`

		for _, step := range steps {
			step.InstanceID = inst.ID

			err := tx.QueryRow(ctx, stepQuery,
				step.InstanceID,
				step.StepOrder,
				step.Status,
				step.DueAt,
			).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.New(apperrors.ErrCodeConflict,
				"an active approval instance already exists for this target").
				WithReason("DUPLICATE_INSTANCE")
		}
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval instance")
	}
	return nil
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// GetByID retrieves an instance by primary key.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*ApprovalInstance, error) {
	query := selectInstance + ` WHERE id = $1`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_instance", id).WithReason("INSTANCE_NOT_FOUND")
	}
	return inst, err
}

// GetActiveByTarget returns the non-terminal instance for a target, or nil
// when none exists.
func (r *InstanceRepository) GetActiveByTarget(ctx context.Context, targetType TargetType, targetID string) (*ApprovalInstance, error) {
	query := selectInstance + `
		WHERE target_type = $1::approval_target_type
		  AND target_id = $2
		  AND status = 'pending'
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, targetType, targetID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// ListByRequester returns a requester's instances, newest first.
func (r *InstanceRepository) ListByRequester(ctx context.Context, requesterID string) ([]*ApprovalInstance, error) {
	query := selectInstance + `
		WHERE requester_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, requesterID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list instances")
	}
	defer rows.Close()

	return r.scanInstanceRows(rows)
}

// ── Transitions ──────────────────────────────────────────────────────────────

// ApproveTransition applies one APPROVE decision.
type ApproveTransition struct {
	InstanceID    string
	StepOrder     int
	ActorID       string
	Comment       *string
	Final         bool
	NextStepOrder int        // used when Final is false
	NextDueAt     *time.Time // stamped on the next step instance
}

// ApplyApproval marks the current step approved and either advances the
// instance or completes it when the step is final.
func (r *InstanceRepository) ApplyApproval(ctx context.Context, t ApproveTransition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := r.decideStep(ctx, tx, t.InstanceID, t.StepOrder, StepApproved, t.ActorID, t.Comment); err != nil {
			return err
		}

		if t.Final {
			if err := r.completeInstance(ctx, tx, t.InstanceID, t.StepOrder, InstanceApproved); err != nil {
				return err
			}
		} else {
			advQuery := `
				UPDATE approval_instances
				SET current_step_order = $3,
				    updated_at         = NOW()
				WHERE id = $1
				  AND status = 'pending'
				  AND current_step_order = $2
				  AND halt_reason IS NULL
				RETURNING id
			`
			var id string
			err := tx.QueryRow(ctx, advQuery, t.InstanceID, t.StepOrder, t.NextStepOrder).Scan(&id)
			if err == pgx.ErrNoRows {
				return stepMismatch()
			}
			if err != nil {
				return err
			}

			if t.NextDueAt != nil {
				_, err = tx.Exec(ctx, `
					UPDATE approval_step_instances
					SET due_at = $3, updated_at = NOW()
					WHERE instance_id = $1 AND step_order = $2
				`, t.InstanceID, t.NextStepOrder, t.NextDueAt)
				if err != nil {
					return err
				}
			}
		}

		return insertDecision(ctx, tx, &ApprovalDecision{
			InstanceID: t.InstanceID,
			StepOrder:  t.StepOrder,
			ActorID:    t.ActorID,
			Action:     ActionApprove,
			Comment:    t.Comment,
		})
	})
}

// RejectTransition applies one REJECT decision.
type RejectTransition struct {
	InstanceID string
	StepOrder  int
	ActorID    string
	Comment    *string
}

// ApplyRejection marks the current step rejected, rejects the instance
// immediately and skips every later pending step. current_step_order is left
// frozen at the rejecting step.
func (r *InstanceRepository) ApplyRejection(ctx context.Context, t RejectTransition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := r.decideStep(ctx, tx, t.InstanceID, t.StepOrder, StepRejected, t.ActorID, t.Comment); err != nil {
			return err
		}
		if err := r.completeInstance(ctx, tx, t.InstanceID, t.StepOrder, InstanceRejected); err != nil {
			return err
		}
		if err := r.skipPendingSteps(ctx, tx, t.InstanceID); err != nil {
			return err
		}

		return insertDecision(ctx, tx, &ApprovalDecision{
			InstanceID: t.InstanceID,
			StepOrder:  t.StepOrder,
			ActorID:    t.ActorID,
			Action:     ActionReject,
			Comment:    t.Comment,
		})
	})
}

// DelegateTransition makes another user eligible to decide the current step
// without changing step order or step status.
type DelegateTransition struct {
	InstanceID  string
	StepOrder   int
	ActorID     string
	DelegateTo  string
	Reason      string
	Escalation  bool // records ESCALATE instead of DELEGATE
	NewDueAt    *time.Time
}

// ApplyDelegation records a delegation (or escalation) on the current step.
func (r *InstanceRepository) ApplyDelegation(ctx context.Context, t DelegateTransition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_step_instances
			SET delegated_to     = $3,
			    delegated_at     = NOW(),
			    delegated_reason = $4,
			    due_at           = COALESCE($5, due_at),
			    updated_at       = NOW()
			WHERE instance_id = $1
			  AND step_order = $2
			  AND status = 'pending'
			RETURNING id
		`

		var id string
		err := tx.QueryRow(ctx, query, t.InstanceID, t.StepOrder, t.DelegateTo, t.Reason, t.NewDueAt).Scan(&id)
		if err == pgx.ErrNoRows {
			return stepMismatch()
		}
		if err != nil {
			return err
		}

		action := ActionDelegate
		if t.Escalation {
			action = ActionEscalate
		}
		return insertDecision(ctx, tx, &ApprovalDecision{
			InstanceID: t.InstanceID,
			StepOrder:  t.StepOrder,
			ActorID:    t.ActorID,
			Action:     action,
			Comment:    &t.Reason,
		})
	})
}

// CancelTransition cancels a pending instance.
type CancelTransition struct {
	InstanceID string
	StepOrder  int
	ActorID    string
	Reason     *string
}

// ApplyCancellation moves a pending instance to cancelled and skips every
// pending step. It is guarded the same way as decisions: a concurrent decide
// that already reached a terminal state wins the race.
func (r *InstanceRepository) ApplyCancellation(ctx context.Context, t CancelTransition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := r.completeInstance(ctx, tx, t.InstanceID, t.StepOrder, InstanceCancelled); err != nil {
			return err
		}
		if err := r.skipPendingSteps(ctx, tx, t.InstanceID); err != nil {
			return err
		}

		return insertDecision(ctx, tx, &ApprovalDecision{
			InstanceID: t.InstanceID,
			StepOrder:  t.StepOrder,
			ActorID:    t.ActorID,
			Action:     ActionCancel,
			Comment:    t.Reason,
		})
	})
}

// Halt flags a pending instance for administrative remediation. Idempotent
// refusals: an already-halted or terminal instance is left untouched.
func (r *InstanceRepository) Halt(ctx context.Context, instanceID, reason string) error {
	query := `
		UPDATE approval_instances
		SET halt_reason = $2, updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		  AND halt_reason IS NULL
		RETURNING id
	`

	var id string
	err := r.db.QueryRow(ctx, query, instanceID, reason).Scan(&id)
	if err == pgx.ErrNoRows {
		return apperrors.New(apperrors.ErrCodeConflict,
			"instance is not pending or already halted").WithReason("STEP_MISMATCH")
	}
	return err
}

// ReassignTransition assigns a specific user to the current step and clears
// any administrative halt.
type ReassignTransition struct {
	InstanceID string
	StepOrder  int
	ActorID    string
	AssignTo   string
	Reason     *string
}

// ApplyReassignment is the administrative remediation path for halted
// instances (for example after NO_ELIGIBLE_APPROVER).
func (r *InstanceRepository) ApplyReassignment(ctx context.Context, t ReassignTransition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		stepQuery := `
			UPDATE approval_step_instances
			SET assigned_to = $3, updated_at = NOW()
			WHERE instance_id = $1
			  AND step_order = $2
			  AND status = 'pending'
			RETURNING id
		`
		var id string
		err := tx.QueryRow(ctx, stepQuery, t.InstanceID, t.StepOrder, t.AssignTo).Scan(&id)
		if err == pgx.ErrNoRows {
			return stepMismatch()
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE approval_instances
			SET halt_reason = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
		`, t.InstanceID)
		if err != nil {
			return err
		}

		return insertDecision(ctx, tx, &ApprovalDecision{
			InstanceID: t.InstanceID,
			StepOrder:  t.StepOrder,
			ActorID:    t.ActorID,
			Action:     ActionReassign,
			Comment:    t.Reason,
		})
	})
}

// ── Inbox / SLA queries ───────────────────────────────────────────────────────

// ListPending returns every pending instance joined with its current step
// instance and flow step template, urgent first, then by due date. The engine
// filters the result by resolved approver sets.
func (r *InstanceRepository) ListPending(ctx context.Context, targetType *TargetType) ([]*PendingApproval, error) {
	query := selectPending + `
		WHERE i.status = 'pending'
		  AND i.halt_reason IS NULL
	`
	var args []any
	if targetType != nil {
		query += ` AND i.target_type = $1::approval_target_type`
		args = append(args, *targetType)
	}
	query += ` ORDER BY i.is_urgent DESC, s.due_at ASC NULLS LAST, i.created_at ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return r.scanPendingRows(rows)
}

// ListOverdue returns pending current steps whose due_at has passed. Consumed
// by the external escalation job; the engine holds no timers.
func (r *InstanceRepository) ListOverdue(ctx context.Context, asOf time.Time) ([]*PendingApproval, error) {
	query := selectPending + `
		WHERE i.status = 'pending'
		  AND i.halt_reason IS NULL
		  AND s.due_at IS NOT NULL
		  AND s.due_at < $1
		ORDER BY s.due_at ASC
	`

	rows, err := r.db.Query(ctx, query, asOf)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list overdue approvals")
	}
	defer rows.Close()

	return r.scanPendingRows(rows)
}

// ── internal SQL helpers ──────────────────────────────────────────────────────

// stepMismatch is the conflict returned when a conditional update affects zero
// rows: the step was already decided or the instance moved on concurrently.
func stepMismatch() error {
	return apperrors.New(apperrors.ErrCodeConflict,
		"step is no longer pending at this position").WithReason("STEP_MISMATCH")
}

// decideStep flips one pending step instance to a decided status. Zero rows
// affected means a concurrent decision already won.
func (r *InstanceRepository) decideStep(ctx context.Context, tx pgx.Tx, instanceID string, stepOrder int, status StepStatus, actorID string, comment *string) error {
	query := `
		UPDATE approval_step_instances
		SET status     = $3::approval_step_status,
		    decided_by = $4,
		    decided_at = NOW(),
		    comment    = $5,
		    updated_at = NOW()
		WHERE instance_id = $1
		  AND step_order = $2
		  AND status = 'pending'
		RETURNING id
	`

	var id string
	err := tx.QueryRow(ctx, query, instanceID, stepOrder, status, actorID, comment).Scan(&id)
	if err == pgx.ErrNoRows {
		return stepMismatch()
	}
	return err
}

// completeInstance moves a pending instance to a terminal status, guarded on
// the expected current step order.
func (r *InstanceRepository) completeInstance(ctx context.Context, tx pgx.Tx, instanceID string, stepOrder int, status InstanceStatus) error {
	query := `
		UPDATE approval_instances
		SET status       = $3::approval_instance_status,
		    completed_at = NOW(),
		    updated_at   = NOW()
		WHERE id = $1
		  AND status = 'pending'
		  AND current_step_order = $2
		RETURNING id
	`

	var id string
	err := tx.QueryRow(ctx, query, instanceID, stepOrder, status).Scan(&id)
	if err == pgx.ErrNoRows {
		return stepMismatch()
	}
	return err
}

func (r *InstanceRepository) skipPendingSteps(ctx context.Context, tx pgx.Tx, instanceID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE approval_step_instances
		SET status = 'skipped'::approval_step_status,
		    updated_at = NOW()
		WHERE instance_id = $1
		  AND status = 'pending'
	`, instanceID)
	return err
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectInstance = `
	SELECT id, flow_id, target_type, target_id, requester_id,
	       status, current_step_order, is_urgent, halt_reason,
	       created_at, updated_at, completed_at
	FROM approval_instances
`

const selectPending = `
	SELECT i.id, i.flow_id, i.target_type, i.target_id, i.requester_id,
	       i.status, i.current_step_order, i.is_urgent, i.halt_reason,
	       i.created_at, i.updated_at, i.completed_at,
	       s.id, s.instance_id, s.step_order, s.status,
	       s.assigned_to, s.delegated_to, s.delegated_at, s.delegated_reason,
	       s.decided_by, s.decided_at, s.comment, s.due_at,
	       s.created_at, s.updated_at,
	       t.id, t.flow_id, t.step_order, t.name, t.approver_type,
	       t.approver_role_code, t.approver_user_id, t.manager_chain_level,
	       t.is_final, t.sla_hours, t.created_at, t.updated_at
	FROM approval_instances i
	JOIN approval_step_instances s
	  ON s.instance_id = i.id AND s.step_order = i.current_step_order
	JOIN approval_flow_steps t
	  ON t.flow_id = i.flow_id AND t.step_order = i.current_step_order
`

type instanceScanner interface {
	Scan(dest ...any) error
}

func (r *InstanceRepository) scanInstance(row instanceScanner) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	err := row.Scan(
		&inst.ID,
		&inst.FlowID,
		&inst.TargetType,
		&inst.TargetID,
		&inst.RequesterID,
		&inst.Status,
		&inst.CurrentStepOrder,
		&inst.IsUrgent,
		&inst.HaltReason,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (r *InstanceRepository) scanInstanceRows(rows pgx.Rows) ([]*ApprovalInstance, error) {
	var instances []*ApprovalInstance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval instance")
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (r *InstanceRepository) scanPendingRows(rows pgx.Rows) ([]*PendingApproval, error) {
	var items []*PendingApproval
	for rows.Next() {
		p := &PendingApproval{}
		err := rows.Scan(
			&p.Instance.ID,
			&p.Instance.FlowID,
			&p.Instance.TargetType,
			&p.Instance.TargetID,
			&p.Instance.RequesterID,
			&p.Instance.Status,
			&p.Instance.CurrentStepOrder,
			&p.Instance.IsUrgent,
			&p.Instance.HaltReason,
			&p.Instance.CreatedAt,
			&p.Instance.UpdatedAt,
			&p.Instance.CompletedAt,
			&p.Step.ID,
			&p.Step.InstanceID,
			&p.Step.StepOrder,
			&p.Step.Status,
			&p.Step.AssignedTo,
			&p.Step.DelegatedTo,
			&p.Step.DelegatedAt,
			&p.Step.DelegatedReason,
			&p.Step.DecidedBy,
			&p.Step.DecidedAt,
			&p.Step.Comment,
			&p.Step.DueAt,
			&p.Step.CreatedAt,
			&p.Step.UpdatedAt,
			&p.Template.ID,
			&p.Template.FlowID,
			&p.Template.StepOrder,
			&p.Template.Name,
			&p.Template.ApproverType,
			&p.Template.ApproverRoleCode,
			&p.Template.ApproverUserID,
			&p.Template.ManagerChainLevel,
			&p.Template.IsFinal,
			&p.Template.SLAHours,
			&p.Template.CreatedAt,
			&p.Template.UpdatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan pending approval")
		}
		items = append(items, p)
	}
	return items, nil
}
