package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/teller-assist/internal/auth"
	"github.com/example/teller-assist/internal/promotion"
	"github.com/example/teller-assist/internal/security"
)

type changeRequestResponse struct {
	CorrelationID    string                      `json:"correlation_id"`
	ChangeRequest    *promotion.ChangeRequest    `json:"change_request"`
	Version          *promotion.PublishedVersion `json:"version,omitempty"`
	AvailableActions []promotion.Action          `json:"available_actions"`
}

type listChangeRequestsResponse struct {
	CorrelationID  string                     `json:"correlation_id"`
	ChangeRequests []*promotion.ChangeRequest `json:"change_requests"`
}

type historyResponse struct {
	CorrelationID string                       `json:"correlation_id"`
	Transitions   []*promotion.StateTransition `json:"transitions"`
	ChainValid    bool                         `json:"chain_valid"`
}

type actionsResponse struct {
	CorrelationID string             `json:"correlation_id"`
	Stage         promotion.Stage    `json:"stage"`
	Description   string             `json:"description"`
	Role          promotion.Role     `json:"role"`
	Actions       []promotion.Action `json:"actions"`
}

type listVersionsResponse struct {
	CorrelationID string                        `json:"correlation_id"`
	Versions      []*promotion.PublishedVersion `json:"versions"`
}

type rollbackResponse struct {
	CorrelationID string                      `json:"correlation_id"`
	Version       *promotion.PublishedVersion `json:"version"`
	ChangeRequest *promotion.ChangeRequest    `json:"change_request,omitempty"`
}

type actionRequest struct {
	Notes string `json:"notes"`
}

func actorFrom(r *http.Request) promotion.Actor {
	ai, ok := auth.AuthInfoFromContext(r.Context())
	if !ok {
		return promotion.Actor{}
	}
	return ai.Actor()
}

func (h *handlers) promotionReady(w http.ResponseWriter, r *http.Request) bool {
	if h.deps.Promotion == nil {
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "promotion_unavailable")
		return false
	}
	return true
}

func (h *handlers) listChangeRequests(w http.ResponseWriter, r *http.Request) {
	if !h.promotionReady(w, r) {
		return
	}

	q := r.URL.Query()
	filter := promotion.ListFilter{ServiceID: q.Get("service_id")}
	if v := q.Get("status"); v != "" {
		filter.Status = promotion.Stage(v)
		if !filter.Status.Valid() {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			filter.Limit = i
		}
	}
	if v := q.Get("offset"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			filter.Offset = i
		}
	}

	crs, err := h.deps.Promotion.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if crs == nil {
		crs = []*promotion.ChangeRequest{}
	}
	writeJSON(w, r, http.StatusOK, listChangeRequestsResponse{
		CorrelationID:  security.CorrelationIDFromContext(r.Context()),
		ChangeRequests: crs,
	})
}

func (h *handlers) createChangeRequest(w http.ResponseWriter, r *http.Request) {
	if !h.promotionReady(w, r) {
		return
	}

	var d promotion.Draft
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	actor := actorFrom(r)
	cr, err := h.deps.Promotion.Create(r.Context(), actor, d)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeChangeRequest(w, r, http.StatusCreated, cr, nil, actor.Role)
}

func (h *handlers) getChangeRequest(w http.ResponseWriter, r *http.Request) {
	if !h.promotionReady(w, r) {
		return
	}

	cr, err := h.deps.Promotion.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeChangeRequest(w, r, http.StatusOK, cr, nil, actorFrom(r).Role)
}

func (h *handlers) changeRequestHistory(w http.ResponseWriter, r *http.Request) {
	if !h.promotionReady(w, r) {
		return
	}

	history, err := h.deps.Promotion.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if history == nil {
		history = []*promotion.StateTransition{}
	}
	writeJSON(w, r, http.StatusOK, historyResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Transitions:   history,
		ChainValid:    promotion.VerifyChain(history) == nil,
	})
}

func (h *handlers) changeRequestActions(w http.ResponseWriter, r *http.Request) {
	if !h.promotionReady(w, r) {
		return
	}

	cr, err := h.deps.Promotion.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	role := actorFrom(r).Role
	writeJSON(w, r, http.StatusOK, actionsResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Stage:         cr.Status,
		Description:   promotion.StageDescription(cr.Status),
		Role:          role,
		Actions:       availableActions(cr.Status, role),
	})
}

// performAction runs submit, pick_up, run_tests, approve, reject, resubmit
// or publish. The body is optional and only carries review notes.
func (h *handlers) performAction(w http.ResponseWriter, r *http.Request) {
	if !h.promotionReady(w, r) {
		return
	}

	// create and rollback have their own routes.
	action, ok := promotion.ParseAction(chi.URLParam(r, "action"))
	if !ok || action == promotion.ActionCreate || action == promotion.ActionRollback {
		security.WriteJSONError(w, r, http.StatusBadRequest, "unknown_action")
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	actor := actorFrom(r)
	out, err := h.deps.Promotion.Perform(r.Context(), chi.URLParam(r, "id"), actor, action, req.Notes)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if out.Version != nil {
		status = http.StatusCreated
	}
	h.writeChangeRequest(w, r, status, out.Request, out.Version, actor.Role)
}

func (h *handlers) listVersions(w http.ResponseWriter, r *http.Request) {
	if !h.promotionReady(w, r) {
		return
	}

	versions, err := h.deps.Promotion.Versions(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if versions == nil {
		versions = []*promotion.PublishedVersion{}
	}
	writeJSON(w, r, http.StatusOK, listVersionsResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Versions:      versions,
	})
}

func (h *handlers) rollbackVersion(w http.ResponseWriter, r *http.Request) {
	if !h.promotionReady(w, r) {
		return
	}

	v, cr, err := h.deps.Promotion.Rollback(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rollbackResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Version:       v,
		ChangeRequest: cr,
	})
}

func (h *handlers) writeChangeRequest(w http.ResponseWriter, r *http.Request, status int, cr *promotion.ChangeRequest, v *promotion.PublishedVersion, role promotion.Role) {
	writeJSON(w, r, status, changeRequestResponse{
		CorrelationID:    security.CorrelationIDFromContext(r.Context()),
		ChangeRequest:    cr,
		Version:          v,
		AvailableActions: availableActions(cr.Status, role),
	})
}

func availableActions(stage promotion.Stage, role promotion.Role) []promotion.Action {
	actions := promotion.AvailableActions(stage, role)
	if actions == nil {
		return []promotion.Action{}
	}
	return actions
}
