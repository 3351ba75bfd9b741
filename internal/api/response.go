package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/teller-assist/internal/charges"
	"github.com/example/teller-assist/internal/pricing"
	"github.com/example/teller-assist/internal/promotion"
	"github.com/example/teller-assist/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps charge, pricing and promotion errors to responses.
// Anything unrecognised is logged and reported as a 500.
func (h *handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		forbidden  *promotion.ForbiddenTransitionError
		invalid    *promotion.InvalidTransitionError
		validation *promotion.ValidationError
		unknownSeg *charges.UnknownSegmentError
	)

	switch {
	case errors.As(err, &forbidden):
		security.WriteError(w, r, http.StatusForbidden, security.ErrorResponse{
			Error:   "forbidden_transition",
			Message: forbidden.Error(),
		})
	case errors.As(err, &invalid):
		security.WriteError(w, r, http.StatusConflict, security.ErrorResponse{
			Error:   "invalid_transition",
			Message: invalid.Error(),
			State:   invalid.State,
		})
	case errors.Is(err, promotion.ErrConcurrentModification):
		security.WriteJSONError(w, r, http.StatusConflict, "concurrent_modification")
	case errors.Is(err, promotion.ErrNotFound):
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	case errors.As(err, &validation):
		security.WriteError(w, r, http.StatusBadRequest, security.ErrorResponse{
			Error:   "invalid_request",
			Message: validation.Error(),
		})
	case errors.As(err, &unknownSeg):
		security.WriteError(w, r, http.StatusUnprocessableEntity, security.ErrorResponse{
			Error:   "unknown_segment",
			Message: unknownSeg.Error(),
		})
	case errors.Is(err, charges.ErrNoSegment):
		security.WriteJSONError(w, r, http.StatusBadRequest, "segment_required")
	case errors.Is(err, pricing.ErrReadOnly):
		security.WriteJSONError(w, r, http.StatusConflict, "pricing_read_only")
	default:
		h.log.Error("request failed",
			"cid", security.CorrelationIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}
