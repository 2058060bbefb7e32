package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DenisMakokha/kechita-approvals/internal/apperrors"
	"github.com/DenisMakokha/kechita-approvals/internal/logger"
	"github.com/DenisMakokha/kechita-approvals/internal/repository"
	"github.com/DenisMakokha/kechita-approvals/internal/service"
)

// stubStore serves one canned instance and satisfies the engine's store
// interfaces. Only the read paths the handler tests exercise are populated.
type stubStore struct {
	instance  *repository.ApprovalInstance
	steps     []*repository.ApprovalStepInstance
	decisions []*repository.ApprovalDecision
}

func (s *stubStore) Create(context.Context, *repository.ApprovalInstance, []*repository.ApprovalStepInstance) error {
	return nil
}

func (s *stubStore) GetByID(_ context.Context, id string) (*repository.ApprovalInstance, error) {
	if s.instance == nil || s.instance.ID != id {
		return nil, apperrors.NotFound("approval instance", id).WithReason("INSTANCE_NOT_FOUND")
	}
	return s.instance, nil
}

func (s *stubStore) GetActiveByTarget(context.Context, repository.TargetType, string) (*repository.ApprovalInstance, error) {
	return nil, nil
}

func (s *stubStore) ListByRequester(context.Context, string) ([]*repository.ApprovalInstance, error) {
	return nil, nil
}

func (s *stubStore) ApplyApproval(context.Context, repository.ApproveTransition) error    { return nil }
func (s *stubStore) ApplyRejection(context.Context, repository.RejectTransition) error    { return nil }
func (s *stubStore) ApplyDelegation(context.Context, repository.DelegateTransition) error { return nil }
func (s *stubStore) ApplyCancellation(context.Context, repository.CancelTransition) error { return nil }
func (s *stubStore) ApplyReassignment(context.Context, repository.ReassignTransition) error {
	return nil
}
func (s *stubStore) Halt(context.Context, string, string) error { return nil }

func (s *stubStore) ListPending(context.Context, *repository.TargetType) ([]*repository.PendingApproval, error) {
	return nil, nil
}

func (s *stubStore) ListOverdue(context.Context, time.Time) ([]*repository.PendingApproval, error) {
	return nil, nil
}

func (s *stubStore) GetByInstanceID(context.Context, string) ([]*repository.ApprovalStepInstance, error) {
	return s.steps, nil
}

func (s *stubStore) GetCurrent(_ context.Context, _ string, order int) (*repository.ApprovalStepInstance, error) {
	for _, st := range s.steps {
		if st.StepOrder == order {
			return st, nil
		}
	}
	return nil, apperrors.NotFound("step instance", "")
}

func (s *stubStore) ListByInstance(context.Context, string) ([]*repository.ApprovalDecision, error) {
	return s.decisions, nil
}

type stubFlows struct{}

func (stubFlows) ListActive(context.Context, repository.TargetType) ([]*repository.ApprovalFlow, error) {
	return nil, nil
}

func (stubFlows) GetSteps(context.Context, string) ([]*repository.ApprovalFlowStep, error) {
	return nil, nil
}

type stubDirectory struct{}

func (stubDirectory) GetManager(context.Context, string) (string, error)          { return "", nil }
func (stubDirectory) GetUsersByRole(context.Context, string) ([]string, error)    { return nil, nil }
func (stubDirectory) GetManagerChain(context.Context, string, int) ([]string, error) {
	return nil, nil
}

func newTestHandler(store *stubStore) *HTTPHandler {
	log := &logger.Logger{Logger: zerolog.Nop()}
	engine := service.NewApprovalEngine(
		service.NewFlowRegistry(stubFlows{}),
		service.NewApproverResolver(stubDirectory{}),
		store, store, store,
		service.NopPublisher{}, log,
	)
	return NewHTTPHandler(engine, nil, log)
}

func approvedInstance() *repository.ApprovalInstance {
	done := time.Now()
	return &repository.ApprovalInstance{
		ID:               "inst-1",
		FlowID:           "flow-1",
		TargetType:       repository.TargetClaim,
		TargetID:         "claim-1",
		RequesterID:      "staff-1",
		Status:           repository.InstanceApproved,
		CurrentStepOrder: 1,
		CompletedAt:      &done,
	}
}

func TestDecideConflictAttachesSnapshot(t *testing.T) {
	store := &stubStore{
		instance: approvedInstance(),
		steps: []*repository.ApprovalStepInstance{
			{ID: "step-1", InstanceID: "inst-1", StepOrder: 1, Status: repository.StepApproved},
		},
		decisions: []*repository.ApprovalDecision{
			{ID: "dec-1", InstanceID: "inst-1", StepOrder: 1, ActorID: "mgr-1", Action: repository.ActionApprove},
		},
	}
	h := newTestHandler(store)

	body := `{"instance_id":"inst-1","actor_id":"mgr-1","action":"approve"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/decide", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Decide(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)

	var got struct {
		Error struct {
			Code   string `json:"code"`
			Reason string `json:"reason"`
		} `json:"error"`
		Instance *service.InstanceSnapshot `json:"instance"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, apperrors.ErrCodeConflict, got.Error.Code)
	assert.Equal(t, "INSTANCE_ALREADY_TERMINAL", got.Error.Reason)
	require.NotNil(t, got.Instance, "conflict responses carry the authoritative snapshot")
	assert.Equal(t, "inst-1", got.Instance.Instance.ID)
	assert.Len(t, got.Instance.Steps, 1)
	assert.Len(t, got.Instance.Decisions, 1)
}

func TestErrorStatusMapping(t *testing.T) {
	h := newTestHandler(&stubStore{})

	t.Run("unknown instance is 404 without snapshot", func(t *testing.T) {
		body := `{"instance_id":"inst-missing","actor_id":"mgr-1","action":"approve"}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/decide", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.Decide(rec, req)

		require.Equal(t, http.StatusNotFound, rec.Code)

		var got struct {
			Error struct {
				Reason string `json:"reason"`
			} `json:"error"`
			Instance json.RawMessage `json:"instance"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, "INSTANCE_NOT_FOUND", got.Error.Reason)
		assert.Nil(t, got.Instance)
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/decide", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		h.Decide(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong method is 405", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals/decide", nil)
		rec := httptest.NewRecorder()
		h.Decide(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestGetInstance(t *testing.T) {
	store := &stubStore{
		instance: approvedInstance(),
		steps: []*repository.ApprovalStepInstance{
			{ID: "step-1", InstanceID: "inst-1", StepOrder: 1, Status: repository.StepApproved},
		},
	}
	h := newTestHandler(store)

	t.Run("returns the snapshot", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals/get?id=inst-1", nil)
		rec := httptest.NewRecorder()
		h.GetInstance(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var snap service.InstanceSnapshot
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
		assert.Equal(t, "inst-1", snap.Instance.ID)
		assert.Equal(t, repository.InstanceApproved, snap.Instance.Status)
	})

	t.Run("missing id is 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals/get", nil)
		rec := httptest.NewRecorder()
		h.GetInstance(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
