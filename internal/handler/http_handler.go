package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/DenisMakokha/kechita-approvals/internal/apperrors"
	"github.com/DenisMakokha/kechita-approvals/internal/logger"
	"github.com/DenisMakokha/kechita-approvals/internal/service"
)

// HTTPHandler exposes the approval engine and flow administration over HTTP.
type HTTPHandler struct {
	engine *service.ApprovalEngine
	admin  *service.FlowAdmin
	log    *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(engine *service.ApprovalEngine, admin *service.FlowAdmin, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine: engine,
		admin:  admin,
		log:    log,
	}
}

// errorBody is the structured error payload. For decision conflicts the
// current authoritative snapshot is attached so UIs can reconcile without
// re-deriving state.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Reason  string `json:"reason,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
	Instance *service.InstanceSnapshot `json:"instance,omitempty"`
}

// ── Approval operations ───────────────────────────────────────────────────────

// Submit handles POST /api/v1/approvals/submit.
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	inst, err := h.engine.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusCreated, inst)
}

// Decide handles POST /api/v1/approvals/decide.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	// actor_id comes from the request body until the portal's session
	// middleware is wired in front of this service.

	inst, err := h.engine.Decide(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err, req.InstanceID)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// Cancel handles POST /api/v1/approvals/cancel.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		InstanceID string `json:"instance_id"`
		ActorID    string `json:"actor_id"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	inst, err := h.engine.Cancel(r.Context(), req.InstanceID, req.ActorID, req.Reason)
	if err != nil {
		h.writeError(w, r, err, req.InstanceID)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// Escalate handles POST /api/v1/approvals/escalate (called by the SLA job).
func (h *HTTPHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.EscalateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	inst, err := h.engine.Escalate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err, req.InstanceID)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// Reassign handles POST /api/v1/approvals/reassign (administrators only).
func (h *HTTPHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.ReassignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	inst, err := h.engine.Reassign(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err, req.InstanceID)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// ── Approval queries ──────────────────────────────────────────────────────────

// GetInstance handles GET /api/v1/approvals/get?id=.
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Instance ID is required", http.StatusBadRequest)
		return
	}

	snap, err := h.engine.GetInstance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// ListPending handles GET /api/v1/approvals/pending?user_id=.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	items, err := h.engine.ListPending(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

// ListOverdue handles GET /api/v1/approvals/overdue?as_of= for the SLA job.
func (h *HTTPHandler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	asOf := time.Now()
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "as_of must be RFC3339", http.StatusBadRequest)
			return
		}
		asOf = t
	}

	items, err := h.engine.ListOverdue(r.Context(), asOf)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

// ListMine handles GET /api/v1/approvals/mine?requester_id=.
func (h *HTTPHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requesterID := r.URL.Query().Get("requester_id")
	if requesterID == "" {
		http.Error(w, "Requester ID is required", http.StatusBadRequest)
		return
	}

	instances, err := h.engine.ListByRequester(r.Context(), requesterID)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"instances": instances,
		"total":     len(instances),
	})
}

// History handles GET /api/v1/approvals/history?instance_id= and returns the
// immutable decision trail.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	instanceID := r.URL.Query().Get("instance_id")
	if instanceID == "" {
		http.Error(w, "Instance ID is required", http.StatusBadRequest)
		return
	}

	snap, err := h.engine.GetInstance(r.Context(), instanceID)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"decisions": snap.Decisions,
		"total":     len(snap.Decisions),
	})
}

// ── Flow administration ───────────────────────────────────────────────────────

// Flows handles GET (list) and POST (create) on /api/v1/flows.
func (h *HTTPHandler) Flows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		activeOnly := r.URL.Query().Get("active") == "true"
		flows, err := h.admin.ListFlows(r.Context(), activeOnly)
		if err != nil {
			h.writeError(w, r, err, "")
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{
			"flows": flows,
			"total": len(flows),
		})
	case http.MethodPost:
		var in service.FlowInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		out, err := h.admin.CreateFlow(r.Context(), in)
		if err != nil {
			h.writeError(w, r, err, "")
			return
		}
		h.writeJSON(w, http.StatusCreated, out)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// GetFlow handles GET /api/v1/flows/get?id= or ?code=.
func (h *HTTPHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	out, err := h.admin.GetFlow(r.Context(), r.URL.Query().Get("id"), r.URL.Query().Get("code"))
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// UpdateFlow handles PUT /api/v1/flows/update.
func (h *HTTPHandler) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in service.FlowInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	out, err := h.admin.UpdateFlow(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ActivateFlow handles POST /api/v1/flows/activate.
func (h *HTTPHandler) ActivateFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID     string `json:"id"`
		Active bool   `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.admin.SetActive(r.Context(), req.ID, req.Active); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "active": req.Active})
}

// ── response helpers ──────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("failed to encode response")
	}
}

// writeError writes the structured error body. When instanceID is known and
// the failure is a conflict, the current snapshot is attached so the caller
// can refresh instead of blindly retrying.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error, instanceID string) {
	var body errorBody
	body.Error.Code = apperrors.CodeOf(err)
	body.Error.Reason = apperrors.ReasonOf(err)
	body.Error.Message = err.Error()

	if instanceID != "" && body.Error.Code == apperrors.ErrCodeConflict {
		if snap, serr := h.engine.GetInstance(r.Context(), instanceID); serr == nil {
			body.Instance = snap
		}
	}

	h.writeJSON(w, apperrors.HTTPStatus(err), body)
}
