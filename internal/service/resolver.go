package service

import (
	"context"
	"fmt"

	"github.com/DenisMakokha/kechita-approvals/internal/apperrors"
	"github.com/DenisMakokha/kechita-approvals/internal/repository"
)

// DirectoryClient resolves users from the staff directory service. The real
// implementation lives in internal/client.
type DirectoryClient interface {
	// GetManager returns the user's direct manager, or "" when none is assigned.
	GetManager(ctx context.Context, userID string) (string, error)
	// GetUsersByRole returns the active users holding a role code.
	GetUsersByRole(ctx context.Context, roleCode string) ([]string, error)
	// GetManagerChain walks up to depth levels of the reporting chain,
	// nearest manager first. Shorter chains return fewer entries.
	GetManagerChain(ctx context.Context, userID string, depth int) ([]string, error)
}

// ApproverResolver computes the concrete user set authorized to decide a
// step. It is a pure function of (step template, step instance, requester):
// strategy dispatch plus delegation, reassignment and the self-approval guard.
type ApproverResolver struct {
	directory DirectoryClient
}

// NewApproverResolver creates a new ApproverResolver.
func NewApproverResolver(directory DirectoryClient) *ApproverResolver {
	return &ApproverResolver{directory: directory}
}

// Resolve returns the user ids allowed to decide the given step. The
// requester is always excluded; an empty result after exclusion is a
// NO_ELIGIBLE_APPROVER resolution error.
func (r *ApproverResolver) Resolve(
	ctx context.Context,
	tmpl *repository.ApprovalFlowStep,
	step *repository.ApprovalStepInstance,
	requesterID string,
) ([]string, error) {
	base, err := r.resolveStrategy(ctx, tmpl, requesterID)
	if err != nil {
		// An administrative reassignment or delegation keeps the step
		// decidable even when the strategy itself cannot resolve.
		if !pinned(step) {
			return nil, err
		}
		base = nil
	}

	// Administrative reassignment and delegation extend the set.
	if step != nil {
		if step.AssignedTo != nil && *step.AssignedTo != "" {
			base = append(base, *step.AssignedTo)
		}
		if step.DelegatedTo != nil && *step.DelegatedTo != "" {
			base = append(base, *step.DelegatedTo)
		}
	}

	// A requester may never approve their own request.
	seen := make(map[string]struct{}, len(base))
	approvers := make([]string, 0, len(base))
	for _, id := range base {
		if id == "" || id == requesterID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		approvers = append(approvers, id)
	}

	if len(approvers) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeUnprocessable,
			fmt.Sprintf("no eligible approver for step %d", tmpl.StepOrder)).
			WithReason("NO_ELIGIBLE_APPROVER")
	}
	return approvers, nil
}

func pinned(step *repository.ApprovalStepInstance) bool {
	if step == nil {
		return false
	}
	return (step.AssignedTo != nil && *step.AssignedTo != "") ||
		(step.DelegatedTo != nil && *step.DelegatedTo != "")
}

func (r *ApproverResolver) resolveStrategy(
	ctx context.Context,
	tmpl *repository.ApprovalFlowStep,
	requesterID string,
) ([]string, error) {
	// Templates can arrive from DB joins without passing LoadSteps, so the
	// strategy fields are re-checked before any dereference.
	if err := validateStrategy(tmpl); err != nil {
		return nil, err
	}

	switch tmpl.ApproverType {
	case repository.ApproverRole:
		users, err := r.directory.GetUsersByRole(ctx, *tmpl.ApproverRoleCode)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "directory lookup by role failed")
		}
		return users, nil

	case repository.ApproverSpecificUser:
		return []string{*tmpl.ApproverUserID}, nil

	case repository.ApproverRequesterManager:
		manager, err := r.directory.GetManager(ctx, requesterID)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "directory manager lookup failed")
		}
		if manager == "" {
			return nil, apperrors.New(apperrors.ErrCodeUnprocessable,
				fmt.Sprintf("requester %s has no manager assigned", requesterID)).
				WithReason("NO_MANAGER_ASSIGNED")
		}
		return []string{manager}, nil

	case repository.ApproverManagerChain:
		level := *tmpl.ManagerChainLevel
		chain, err := r.directory.GetManagerChain(ctx, requesterID, level)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "directory chain lookup failed")
		}
		if len(chain) < level {
			return nil, apperrors.New(apperrors.ErrCodeUnprocessable,
				fmt.Sprintf("reporting chain of %s is shorter than %d levels", requesterID, level)).
				WithReason("CHAIN_EXHAUSTED")
		}
		return []string{chain[level-1]}, nil

	default:
		return nil, malformedFlow(fmt.Sprintf(
			"step %d has unknown approver_type %q", tmpl.StepOrder, tmpl.ApproverType))
	}
}
