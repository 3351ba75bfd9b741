package charges

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

var (
	ExciseRate = decimal.RequireFromString("0.20")
	VATRate    = decimal.RequireFromString("0.16")
)

// ErrNoSegment is returned by Quote when neither a segment nor a customer
// to infer one from was supplied.
var ErrNoSegment = errors.New("segment or customer required")

// UnknownSegmentError reports a known service that has no rule for the
// requested segment.
type UnknownSegmentError struct {
	ServiceID string
	Segment   Segment
}

func (e *UnknownSegmentError) Error() string {
	return fmt.Sprintf("service %s has no pricing for segment %s", e.ServiceID, e.Segment)
}

// ChargeResult is the itemised charge for one transaction. Excise and VAT
// are rounded to whole currency units.
type ChargeResult struct {
	ServiceFee   decimal.Decimal `json:"service_fee"`
	ExciseDuty   decimal.Decimal `json:"excise_duty"`
	VAT          decimal.Decimal `json:"vat"`
	TotalCharges decimal.Decimal `json:"total_charges"`
}

// Charge prices a transaction of the given amount. A non-positive amount
// skips the percentage component.
func (f FeeStructure) Charge(amount decimal.Decimal) ChargeResult {
	base := f.ServiceFee

	if f.PercentageFee.IsPositive() && amount.IsPositive() {
		pct := amount.Mul(f.PercentageFee)
		if !f.MinCharge.IsZero() {
			pct = decimal.Max(pct, f.MinCharge)
		}
		if !f.MaxCharge.IsZero() {
			pct = decimal.Min(pct, f.MaxCharge)
		}
		base = decimal.Max(base, pct)
	}

	excise := base.Mul(ExciseRate).Round(0)
	vat := base.Add(excise).Mul(VATRate).Round(0)

	return ChargeResult{
		ServiceFee:   base,
		ExciseDuty:   excise,
		VAT:          vat,
		TotalCharges: base.Add(excise).Add(vat),
	}
}

// Source supplies a fee matrix. Implementations live in the pricing package.
type Source interface {
	LoadMatrix(ctx context.Context) (Matrix, error)
}

// Engine computes charges against a fee matrix. It is safe for concurrent
// use; Reload swaps the matrix atomically.
type Engine struct {
	matrix atomic.Pointer[Matrix]
}

func NewEngine(m Matrix) *Engine {
	e := &Engine{}
	e.matrix.Store(&m)
	return e
}

// Matrix returns the matrix currently in use. Callers must not modify it.
func (e *Engine) Matrix() Matrix {
	if m := e.matrix.Load(); m != nil {
		return *m
	}
	return nil
}

// Reload replaces the matrix with a fresh copy from src. The current matrix
// stays in place if loading or validation fails.
func (e *Engine) Reload(ctx context.Context, src Source) error {
	m, err := src.LoadMatrix(ctx)
	if err != nil {
		return fmt.Errorf("load fee matrix: %w", err)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid fee matrix: %w", err)
	}
	e.matrix.Store(&m)
	return nil
}

// Compute returns the charges for one service, segment and amount.
func (e *Engine) Compute(serviceID string, segment Segment, amount decimal.Decimal) (ChargeResult, error) {
	fee, err := e.Matrix().Lookup(serviceID, segment)
	if err != nil {
		return ChargeResult{}, err
	}
	return fee.Charge(amount), nil
}

type QuoteRequest struct {
	ServiceID string
	// Segment wins over Customer when both are set.
	Segment  Segment
	Customer *Customer
	Amount   decimal.NullDecimal
}

type Quote struct {
	ServiceID    string          `json:"service_id"`
	Segment      Segment         `json:"segment"`
	SegmentLabel string          `json:"segment_label"`
	Amount       decimal.Decimal `json:"amount"`
	Charges      ChargeResult    `json:"charges"`
}

// Quote resolves the customer's segment if needed and computes the charges.
func (e *Engine) Quote(req QuoteRequest) (Quote, error) {
	seg := req.Segment
	if seg == "" {
		if req.Customer == nil {
			return Quote{}, ErrNoSegment
		}
		seg = InferSegment(*req.Customer)
	}

	amount := decimal.Zero
	if req.Amount.Valid {
		amount = req.Amount.Decimal
	}

	res, err := e.Compute(req.ServiceID, seg, amount)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		ServiceID:    req.ServiceID,
		Segment:      seg,
		SegmentLabel: SegmentLabel(seg),
		Amount:       amount,
		Charges:      res,
	}, nil
}
