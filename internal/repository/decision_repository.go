package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/DenisMakokha/kechita-approvals/internal/apperrors"
	"github.com/DenisMakokha/kechita-approvals/internal/database"
)

// DecisionRepository reads the append-only decision audit trail. Writes only
// happen inside transition transactions via insertDecision; the table has a
// delete-prevention trigger, so no update or delete path is exposed.
type DecisionRepository struct {
	db *database.DB
}

// NewDecisionRepository creates a new DecisionRepository.
func NewDecisionRepository(db *database.DB) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// ListByInstance returns the full decision trail for an instance, oldest first.
func (r *DecisionRepository) ListByInstance(ctx context.Context, instanceID string) ([]*ApprovalDecision, error) {
	query := `
		SELECT id, instance_id, step_order, actor_id, action, comment, created_at
		FROM approval_decisions
		WHERE instance_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list decisions")
	}
	defer rows.Close()

	var decisions []*ApprovalDecision
	for rows.Next() {
		d := &ApprovalDecision{}
		err := rows.Scan(
			&d.ID,
			&d.InstanceID,
			&d.StepOrder,
			&d.ActorID,
			&d.Action,
			&d.Comment,
			&d.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan decision")
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// insertDecision appends one decision row inside a transition transaction.
func insertDecision(ctx context.Context, tx pgx.Tx, d *ApprovalDecision) error {
	query := `
		INSERT INTO approval_decisions
		    (instance_id, step_order, actor_id, action, comment)
		VALUES ($1, $2, $3, $4::decision_action, $5)
		RETURNING id, created_at
	`

	return tx.QueryRow(ctx, query,
		d.InstanceID,
		d.StepOrder,
		d.ActorID,
		d.Action,
		d.Comment,
	).Scan(&d.ID, &d.CreatedAt)
}
