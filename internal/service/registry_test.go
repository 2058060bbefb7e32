package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DenisMakokha/kechita-approvals/internal/apperrors"
	"github.com/DenisMakokha/kechita-approvals/internal/repository"
)

// fakeFlowStore returns canned flows and steps, pre-ordered the way the
// repository orders them (priority ASC, id ASC / step_order ASC).
type fakeFlowStore struct {
	flows map[repository.TargetType][]*repository.ApprovalFlow
	steps map[string][]*repository.ApprovalFlowStep
}

func (f *fakeFlowStore) ListActive(_ context.Context, tt repository.TargetType) ([]*repository.ApprovalFlow, error) {
	return f.flows[tt], nil
}

func (f *fakeFlowStore) GetSteps(_ context.Context, flowID string) ([]*repository.ApprovalFlowStep, error) {
	return f.steps[flowID], nil
}

func strptr(s string) *string { return &s }
func intptr(n int) *int       { return &n }

func roleStep(order int, role string, final bool) *repository.ApprovalFlowStep {
	return &repository.ApprovalFlowStep{
		StepOrder:        order,
		Name:             role,
		ApproverType:     repository.ApproverRole,
		ApproverRoleCode: strptr(role),
		IsFinal:          final,
	}
}

func TestSelectFlow(t *testing.T) {
	store := &fakeFlowStore{
		flows: map[repository.TargetType][]*repository.ApprovalFlow{
			repository.TargetClaim: {
				{ID: "f1", Code: "CLAIM_DEFAULT", Priority: 10},
				{ID: "f2", Code: "CLAIM_FALLBACK", Priority: 100},
			},
		},
	}
	registry := NewFlowRegistry(store)
	ctx := context.Background()

	t.Run("lowest priority value wins", func(t *testing.T) {
		flow, err := registry.SelectFlow(ctx, repository.TargetClaim)
		require.NoError(t, err)
		assert.Equal(t, "CLAIM_DEFAULT", flow.Code)
	})

	t.Run("no applicable flow is a hard stop", func(t *testing.T) {
		_, err := registry.SelectFlow(ctx, repository.TargetLeave)
		require.Error(t, err)
		assert.Equal(t, "NO_APPLICABLE_FLOW", apperrors.ReasonOf(err))
		assert.Equal(t, apperrors.ErrCodeUnprocessable, apperrors.CodeOf(err))
	})
}

func TestValidateSteps(t *testing.T) {
	tests := []struct {
		name    string
		steps   []*repository.ApprovalFlowStep
		wantErr bool
	}{
		{
			name: "valid three step flow",
			steps: []*repository.ApprovalFlowStep{
				roleStep(1, "BRANCH_MANAGER", false),
				roleStep(2, "HR_MANAGER", false),
				roleStep(3, "ACCOUNTANT", true),
			},
		},
		{
			name: "valid with gaps in order",
			steps: []*repository.ApprovalFlowStep{
				roleStep(10, "BRANCH_MANAGER", false),
				roleStep(20, "ACCOUNTANT", true),
			},
		},
		{
			name:    "empty flow",
			steps:   nil,
			wantErr: true,
		},
		{
			name: "duplicate step order",
			steps: []*repository.ApprovalFlowStep{
				roleStep(1, "BRANCH_MANAGER", false),
				roleStep(1, "HR_MANAGER", true),
			},
			wantErr: true,
		},
		{
			name: "no final step",
			steps: []*repository.ApprovalFlowStep{
				roleStep(1, "BRANCH_MANAGER", false),
				roleStep(2, "HR_MANAGER", false),
			},
			wantErr: true,
		},
		{
			name: "two final steps",
			steps: []*repository.ApprovalFlowStep{
				roleStep(1, "BRANCH_MANAGER", true),
				roleStep(2, "HR_MANAGER", true),
			},
			wantErr: true,
		},
		{
			name: "final step not last",
			steps: []*repository.ApprovalFlowStep{
				roleStep(1, "BRANCH_MANAGER", true),
				roleStep(2, "HR_MANAGER", false),
			},
			wantErr: true,
		},
		{
			name: "role step without role code",
			steps: []*repository.ApprovalFlowStep{
				{StepOrder: 1, ApproverType: repository.ApproverRole, IsFinal: true},
			},
			wantErr: true,
		},
		{
			name: "specific user step without user id",
			steps: []*repository.ApprovalFlowStep{
				{StepOrder: 1, ApproverType: repository.ApproverSpecificUser, IsFinal: true},
			},
			wantErr: true,
		},
		{
			name: "manager chain step without level",
			steps: []*repository.ApprovalFlowStep{
				{StepOrder: 1, ApproverType: repository.ApproverManagerChain, IsFinal: true},
			},
			wantErr: true,
		},
		{
			name: "requester manager needs no extras",
			steps: []*repository.ApprovalFlowStep{
				{StepOrder: 1, ApproverType: repository.ApproverRequesterManager, IsFinal: true},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSteps(tc.steps)
			if tc.wantErr {
				require.Error(t, err)
				assert.Equal(t, "MALFORMED_FLOW", apperrors.ReasonOf(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoadStepsValidates(t *testing.T) {
	store := &fakeFlowStore{
		flows: map[repository.TargetType][]*repository.ApprovalFlow{},
		steps: map[string][]*repository.ApprovalFlowStep{
			"good": {
				roleStep(1, "BRANCH_MANAGER", false),
				roleStep(2, "ACCOUNTANT", true),
			},
			"bad": {
				roleStep(1, "BRANCH_MANAGER", false),
			},
		},
	}
	registry := NewFlowRegistry(store)
	ctx := context.Background()

	steps, err := registry.LoadSteps(ctx, "good")
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	_, err = registry.LoadSteps(ctx, "bad")
	require.Error(t, err)
	assert.Equal(t, "MALFORMED_FLOW", apperrors.ReasonOf(err))
}
