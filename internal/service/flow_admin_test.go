package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DenisMakokha/kechita-approvals/internal/apperrors"
	"github.com/DenisMakokha/kechita-approvals/internal/logger"
	"github.com/DenisMakokha/kechita-approvals/internal/repository"
)

// fakeFlowAdminStore implements FlowAdminStore in memory. Flows with
// in-flight instances reject updates, mirroring the repository behavior.
type fakeFlowAdminStore struct {
	seq      int
	flows    map[string]*repository.ApprovalFlow
	steps    map[string][]*repository.ApprovalFlowStep
	inFlight map[string]bool
}

func newFakeFlowAdminStore() *fakeFlowAdminStore {
	return &fakeFlowAdminStore{
		flows:    make(map[string]*repository.ApprovalFlow),
		steps:    make(map[string][]*repository.ApprovalFlowStep),
		inFlight: make(map[string]bool),
	}
}

func (s *fakeFlowAdminStore) Create(_ context.Context, flow *repository.ApprovalFlow, steps []*repository.ApprovalFlowStep) error {
	for _, other := range s.flows {
		if other.Code == flow.Code {
			return apperrors.New(apperrors.ErrCodeConflict, "flow code already exists")
		}
	}
	s.seq++
	flow.ID = fmt.Sprintf("flow-%d", s.seq)
	s.flows[flow.ID] = flow
	s.steps[flow.ID] = steps
	return nil
}

func (s *fakeFlowAdminStore) GetByID(_ context.Context, id string) (*repository.ApprovalFlow, error) {
	flow, ok := s.flows[id]
	if !ok {
		return nil, apperrors.NotFound("approval flow", id)
	}
	return flow, nil
}

func (s *fakeFlowAdminStore) GetByCode(_ context.Context, code string) (*repository.ApprovalFlow, error) {
	for _, flow := range s.flows {
		if flow.Code == code {
			return flow, nil
		}
	}
	return nil, apperrors.NotFound("approval flow", code)
}

func (s *fakeFlowAdminStore) List(_ context.Context, activeOnly bool) ([]*repository.ApprovalFlow, error) {
	var out []*repository.ApprovalFlow
	for _, flow := range s.flows {
		if activeOnly && !flow.IsActive {
			continue
		}
		out = append(out, flow)
	}
	return out, nil
}

func (s *fakeFlowAdminStore) ListActive(_ context.Context, tt repository.TargetType) ([]*repository.ApprovalFlow, error) {
	var out []*repository.ApprovalFlow
	for _, flow := range s.flows {
		if flow.IsActive && flow.TargetType == tt {
			out = append(out, flow)
		}
	}
	return out, nil
}

func (s *fakeFlowAdminStore) GetSteps(_ context.Context, flowID string) ([]*repository.ApprovalFlowStep, error) {
	return s.steps[flowID], nil
}

func (s *fakeFlowAdminStore) Update(_ context.Context, flow *repository.ApprovalFlow, steps []*repository.ApprovalFlowStep) error {
	if _, ok := s.flows[flow.ID]; !ok {
		return apperrors.NotFound("approval flow", flow.ID)
	}
	if s.inFlight[flow.ID] {
		return apperrors.New(apperrors.ErrCodeConflict,
			"flow has in-flight instances").WithReason("FLOW_IN_FLIGHT")
	}
	s.flows[flow.ID] = flow
	s.steps[flow.ID] = steps
	return nil
}

func (s *fakeFlowAdminStore) SetActive(_ context.Context, id string, active bool) error {
	flow, ok := s.flows[id]
	if !ok {
		return apperrors.NotFound("approval flow", id)
	}
	flow.IsActive = active
	return nil
}

func validFlowInput() FlowInput {
	return FlowInput{
		Code:       "LEAVE_DEFAULT",
		Name:       "Leave default flow",
		TargetType: string(repository.TargetLeave),
		IsActive:   true,
		Priority:   10,
		Steps: []FlowStepInput{
			{StepOrder: 1, Name: "Line Manager", ApproverType: string(repository.ApproverRequesterManager)},
			{StepOrder: 2, Name: "HR Review", ApproverType: string(repository.ApproverRole),
				ApproverRoleCode: strptr("HR_MANAGER"), IsFinal: true},
		},
	}
}

func newFlowAdmin() (*FlowAdmin, *fakeFlowAdminStore) {
	store := newFakeFlowAdminStore()
	return NewFlowAdmin(store, &logger.Logger{Logger: zerolog.Nop()}), store
}

func TestCreateFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("valid flow is persisted with its steps", func(t *testing.T) {
		admin, store := newFlowAdmin()
		got, err := admin.CreateFlow(ctx, validFlowInput())
		require.NoError(t, err)
		assert.NotEmpty(t, got.Flow.ID)
		assert.Len(t, got.Steps, 2)
		assert.Len(t, store.flows, 1)
	})

	t.Run("malformed step sequence is rejected before persistence", func(t *testing.T) {
		admin, store := newFlowAdmin()
		in := validFlowInput()
		in.Steps[1].IsFinal = false

		_, err := admin.CreateFlow(ctx, in)
		require.Error(t, err)
		assert.Equal(t, "MALFORMED_FLOW", apperrors.ReasonOf(err))
		assert.Empty(t, store.flows)
	})

	t.Run("missing code", func(t *testing.T) {
		admin, _ := newFlowAdmin()
		in := validFlowInput()
		in.Code = ""
		_, err := admin.CreateFlow(ctx, in)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
	})
}

func TestUpdateFlow(t *testing.T) {
	ctx := context.Background()
	admin, store := newFlowAdmin()
	created, err := admin.CreateFlow(ctx, validFlowInput())
	require.NoError(t, err)

	t.Run("replaces the step sequence", func(t *testing.T) {
		in := validFlowInput()
		in.ID = created.Flow.ID
		in.Steps = append(in.Steps[:1], FlowStepInput{
			StepOrder: 2, Name: "Regional Manager",
			ApproverType:      string(repository.ApproverManagerChain),
			ManagerChainLevel: intptr(2), IsFinal: true,
		})

		got, err := admin.UpdateFlow(ctx, in)
		require.NoError(t, err)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, repository.ApproverManagerChain, got.Steps[1].ApproverType)
	})

	t.Run("update requires an id", func(t *testing.T) {
		_, err := admin.UpdateFlow(ctx, validFlowInput())
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
	})

	t.Run("in-flight instances block the update", func(t *testing.T) {
		store.inFlight[created.Flow.ID] = true
		in := validFlowInput()
		in.ID = created.Flow.ID

		_, err := admin.UpdateFlow(ctx, in)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))
		assert.Equal(t, "FLOW_IN_FLIGHT", apperrors.ReasonOf(err))
	})
}

func TestGetFlow(t *testing.T) {
	ctx := context.Background()
	admin, _ := newFlowAdmin()
	created, err := admin.CreateFlow(ctx, validFlowInput())
	require.NoError(t, err)

	byID, err := admin.GetFlow(ctx, created.Flow.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "LEAVE_DEFAULT", byID.Flow.Code)

	byCode, err := admin.GetFlow(ctx, "", "LEAVE_DEFAULT")
	require.NoError(t, err)
	assert.Equal(t, created.Flow.ID, byCode.Flow.ID)

	_, err = admin.GetFlow(ctx, "", "")
	require.Error(t, err)

	_, err = admin.GetFlow(ctx, "flow-missing", "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
}

func TestSetActive(t *testing.T) {
	ctx := context.Background()
	admin, store := newFlowAdmin()
	created, err := admin.CreateFlow(ctx, validFlowInput())
	require.NoError(t, err)

	require.NoError(t, admin.SetActive(ctx, created.Flow.ID, false))
	assert.False(t, store.flows[created.Flow.ID].IsActive)

	err = admin.SetActive(ctx, "flow-missing", true)
	require.Error(t, err)
}
