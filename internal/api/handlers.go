package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/teller-assist/internal/auth"
	"github.com/example/teller-assist/internal/charges"
	"github.com/example/teller-assist/internal/pricing"
	"github.com/example/teller-assist/internal/security"
)

type handlers struct {
	deps Dependencies
	log  *slog.Logger
}

type quoteRequest struct {
	ServiceID string              `json:"service_id"`
	Segment   charges.Segment     `json:"segment"`
	Customer  *charges.Customer   `json:"customer"`
	Amount    decimal.NullDecimal `json:"amount"`
}

type quoteResponse struct {
	CorrelationID string `json:"correlation_id"`
	charges.Quote
}

type inferRequest struct {
	Customer charges.Customer `json:"customer"`
}

type inferResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Segment       charges.Segment `json:"segment"`
	SegmentLabel  string          `json:"segment_label"`
}

type matrixResponse struct {
	CorrelationID string         `json:"correlation_id"`
	Services      charges.Matrix `json:"services"`
}

type segmentsResponse struct {
	CorrelationID string                `json:"correlation_id"`
	Segments      []pricing.SegmentInfo `json:"segments"`
}

type upsertServiceRequest struct {
	Fees map[charges.Segment]charges.FeeStructure `json:"fees"`
}

type upsertServiceResponse struct {
	CorrelationID string                                   `json:"correlation_id"`
	ServiceID     string                                   `json:"service_id"`
	Fees          map[charges.Segment]charges.FeeStructure `json:"fees"`
}

func (h *handlers) quote(w http.ResponseWriter, r *http.Request) {
	if h.deps.Engine == nil {
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "charges_unavailable")
		return
	}

	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	q, err := h.deps.Engine.Quote(charges.QuoteRequest{
		ServiceID: req.ServiceID,
		Segment:   req.Segment,
		Customer:  req.Customer,
		Amount:    req.Amount,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, quoteResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Quote:         q,
	})
}

func (h *handlers) inferSegment(w http.ResponseWriter, r *http.Request) {
	var req inferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	seg := charges.InferSegment(req.Customer)
	writeJSON(w, r, http.StatusOK, inferResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Segment:       seg,
		SegmentLabel:  charges.SegmentLabel(seg),
	})
}

func (h *handlers) getMatrix(w http.ResponseWriter, r *http.Request) {
	if h.deps.Engine == nil {
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "charges_unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, matrixResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Services:      h.deps.Engine.Matrix(),
	})
}

func (h *handlers) listSegments(w http.ResponseWriter, r *http.Request) {
	if h.deps.Engine == nil {
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "charges_unavailable")
		return
	}
	segs, err := pricing.ListSegments(r.Context(), h.deps.Pricing, h.deps.Engine.Matrix())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, segmentsResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Segments:      segs,
	})
}

// upsertService replaces one service's rows and reloads the engine, so the
// next quote on any replica sharing the store sees the edit.
func (h *handlers) upsertService(w http.ResponseWriter, r *http.Request) {
	if h.deps.Engine == nil || h.deps.Pricing == nil {
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "pricing_unavailable")
		return
	}

	serviceID := chi.URLParam(r, "serviceID")
	var req upsertServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := pricing.ValidateRows(serviceID, req.Fees); err != nil {
		security.WriteError(w, r, http.StatusBadRequest, security.ErrorResponse{
			Error:   "invalid_pricing",
			Message: err.Error(),
		})
		return
	}

	ai, _ := auth.AuthInfoFromContext(r.Context())
	if err := h.deps.Pricing.UpsertService(r.Context(), serviceID, req.Fees, ai.ClientID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := h.deps.Engine.Reload(r.Context(), h.deps.Pricing); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.log.Info("pricing updated",
		"cid", security.CorrelationIDFromContext(r.Context()),
		"service_id", serviceID,
		"segments", len(req.Fees),
		"by", ai.ClientID,
	)
	writeJSON(w, r, http.StatusOK, upsertServiceResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		ServiceID:     serviceID,
		Fees:          h.deps.Engine.Matrix()[serviceID],
	})
}
