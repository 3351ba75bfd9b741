package charges

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// FeeStructure is the pricing rule for one (service, segment) pair.
// A zero MinCharge or MaxCharge means the bound is not applied.
type FeeStructure struct {
	ServiceFee    decimal.Decimal `json:"service_fee"`
	PercentageFee decimal.Decimal `json:"percentage_fee"`
	MinCharge     decimal.Decimal `json:"min_charge"`
	MaxCharge     decimal.Decimal `json:"max_charge"`
}

// DefaultFee applies to any service the matrix does not know about.
var DefaultFee = FeeStructure{ServiceFee: decimal.NewFromInt(100)}

// Matrix maps service ID to the fee rule of each segment.
type Matrix map[string]map[Segment]FeeStructure

// Lookup resolves the rule for a service and segment. An unknown service
// falls back to DefaultFee; a known service that does not price the segment
// is an error.
func (m Matrix) Lookup(serviceID string, segment Segment) (FeeStructure, error) {
	fees, ok := m[serviceID]
	if !ok {
		return DefaultFee, nil
	}
	fee, ok := fees[segment]
	if !ok {
		return FeeStructure{}, &UnknownSegmentError{ServiceID: serviceID, Segment: segment}
	}
	return fee, nil
}

// Services returns the priced service IDs in lexical order.
func (m Matrix) Services() []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy so callers can edit rows without touching a
// matrix the engine is serving from.
func (m Matrix) Clone() Matrix {
	out := make(Matrix, len(m))
	for svc, fees := range m {
		r := make(map[Segment]FeeStructure, len(fees))
		for seg, fee := range fees {
			r[seg] = fee
		}
		out[svc] = r
	}
	return out
}

var one = decimal.NewFromInt(1)

// Validate rejects rules that could never produce a sensible charge.
func (m Matrix) Validate() error {
	var errs []error
	for _, svc := range m.Services() {
		for seg, fee := range m[svc] {
			if err := fee.validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", svc, seg, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (f FeeStructure) validate() error {
	switch {
	case f.ServiceFee.IsNegative():
		return errors.New("service fee is negative")
	case f.PercentageFee.IsNegative() || f.PercentageFee.GreaterThan(one):
		return errors.New("percentage fee outside [0, 1]")
	case f.MinCharge.IsNegative() || f.MaxCharge.IsNegative():
		return errors.New("charge bounds are negative")
	case !f.MinCharge.IsZero() && !f.MaxCharge.IsZero() && f.MaxCharge.LessThan(f.MinCharge):
		return errors.New("max charge below min charge")
	}
	return nil
}

func flat(fee int64) FeeStructure {
	return FeeStructure{ServiceFee: decimal.NewFromInt(fee)}
}

func tiered(fee int64, pct string, min, max int64) FeeStructure {
	return FeeStructure{
		ServiceFee:    decimal.NewFromInt(fee),
		PercentageFee: decimal.RequireFromString(pct),
		MinCharge:     decimal.NewFromInt(min),
		MaxCharge:     decimal.NewFromInt(max),
	}
}

func row(highValue, sme, retail, youngProfessional FeeStructure) map[Segment]FeeStructure {
	return map[Segment]FeeStructure{
		SegmentHighValue:         highValue,
		SegmentSME:               sme,
		SegmentRetail:            retail,
		SegmentYoungProfessional: youngProfessional,
	}
}

// DefaultMatrix is the branch tariff in KES used when no pricing source is
// configured.
func DefaultMatrix() Matrix {
	fx := func() map[Segment]FeeStructure {
		return row(
			tiered(0, "0.002", 0, 5000),
			tiered(200, "0.005", 200, 10000),
			tiered(200, "0.008", 200, 10000),
			tiered(100, "0.005", 100, 5000),
		)
	}

	return Matrix{
		"cash-deposit": row(flat(0), flat(50), flat(100), flat(50)),
		"cash-withdrawal": row(
			tiered(0, "0.001", 0, 500),
			tiered(100, "0.002", 100, 2000),
			tiered(100, "0.003", 100, 3000),
			tiered(50, "0.002", 50, 1500),
		),
		"funds-transfer": row(
			tiered(0, "0.001", 0, 1000),
			tiered(50, "0.003", 50, 5000),
			tiered(50, "0.005", 50, 5000),
			tiered(30, "0.003", 30, 3000),
		),
		"bill-payment":   row(flat(0), flat(50), flat(50), flat(30)),
		"standing-order": row(flat(0), flat(100), flat(150), flat(75)),
		"fx-purchase":    fx(),
		"fx-sale":        fx(),
		"fx-transfer": row(
			tiered(500, "0.003", 500, 15000),
			tiered(1000, "0.005", 1000, 25000),
			tiered(1500, "0.008", 1500, 25000),
			tiered(750, "0.005", 750, 15000),
		),
		"card-issuance":         row(flat(0), flat(500), flat(500), flat(250)),
		"card-replacement":      row(flat(0), flat(500), flat(1000), flat(500)),
		"pin-management":        row(flat(0), flat(0), flat(100), flat(0)),
		"card-limit":            row(flat(0), flat(0), flat(0), flat(0)),
		"cheque-book":           row(flat(0), flat(500), flat(750), flat(500)),
		"statement-request":     row(flat(0), flat(100), flat(200), flat(100)),
		"denomination-exchange": row(flat(0), flat(50), flat(100), flat(50)),
		"account-opening":       row(flat(0), flat(500), flat(250), flat(0)),
		"kyc-update":            row(flat(0), flat(0), flat(0), flat(0)),
		"account-modification":  row(flat(0), flat(200), flat(200), flat(100)),
	}
}
