package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/DenisMakokha/kechita-approvals/internal/apperrors"
	"github.com/DenisMakokha/kechita-approvals/internal/database"
)

// StepRepository reads materialized step instances. All writes go through
// the transition methods on InstanceRepository.
type StepRepository struct {
	db *database.DB
}

// NewStepRepository creates a new StepRepository.
func NewStepRepository(db *database.DB) *StepRepository {
	return &StepRepository{db: db}
}

// GetByInstanceID returns all step instances for an instance ordered by
// step_order ascending.
func (r *StepRepository) GetByInstanceID(ctx context.Context, instanceID string) ([]*ApprovalStepInstance, error) {
	query := selectStepInstance + `
		WHERE instance_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get step instances")
	}
	defer rows.Close()

	var steps []*ApprovalStepInstance
	for rows.Next() {
		step, err := scanStepInstance(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan step instance")
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// GetCurrent returns the step instance at the given order within an instance.
func (r *StepRepository) GetCurrent(ctx context.Context, instanceID string, stepOrder int) (*ApprovalStepInstance, error) {
	query := selectStepInstance + `
		WHERE instance_id = $1 AND step_order = $2
	`

	step, err := scanStepInstance(r.db.QueryRow(ctx, query, instanceID, stepOrder))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_step_instance", instanceID)
	}
	return step, err
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectStepInstance = `
	SELECT id, instance_id, step_order, status,
	       assigned_to, delegated_to, delegated_at, delegated_reason,
	       decided_by, decided_at, comment, due_at,
	       created_at, updated_at
	FROM approval_step_instances
`

type stepInstanceScanner interface {
	Scan(dest ...any) error
}

func scanStepInstance(sc stepInstanceScanner) (*ApprovalStepInstance, error) {
	s := &ApprovalStepInstance{}
	err := sc.Scan(
		&s.ID,
		&s.InstanceID,
		&s.StepOrder,
		&s.Status,
		&s.AssignedTo,
		&s.DelegatedTo,
		&s.DelegatedAt,
		&s.DelegatedReason,
		&s.DecidedBy,
		&s.DecidedAt,
		&s.Comment,
		&s.DueAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
