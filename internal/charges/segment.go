package charges

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AccountType is the closed set of product types a customer account can have.
type AccountType string

const (
	AccountSavings      AccountType = "savings"
	AccountCurrent      AccountType = "current"
	AccountFixedDeposit AccountType = "fixed-deposit"
	AccountFX           AccountType = "fx"
	AccountLoan         AccountType = "loan"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountSavings, AccountCurrent, AccountFixedDeposit, AccountFX, AccountLoan:
		return true
	}
	return false
}

func (t *AccountType) UnmarshalText(b []byte) error {
	v := AccountType(b)
	if !v.Valid() {
		return fmt.Errorf("unknown account type %q", string(b))
	}
	*t = v
	return nil
}

type AccountStatus string

const (
	StatusActive  AccountStatus = "active"
	StatusDormant AccountStatus = "dormant"
	StatusFrozen  AccountStatus = "frozen"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case StatusActive, StatusDormant, StatusFrozen:
		return true
	}
	return false
}

func (s *AccountStatus) UnmarshalText(b []byte) error {
	v := AccountStatus(b)
	if !v.Valid() {
		return fmt.Errorf("unknown account status %q", string(b))
	}
	*s = v
	return nil
}

// Account is a read-only view of one customer account as supplied by the
// customer directory.
type Account struct {
	Type     AccountType     `json:"type"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Status   AccountStatus   `json:"status"`
}

type Customer struct {
	ID       string    `json:"id"`
	Accounts []Account `json:"accounts"`
}

// Segment is a pricing tier key. The four built-in tiers are the only values
// InferSegment produces; the fee matrix may define more.
type Segment string

const (
	SegmentHighValue         Segment = "high-value"
	SegmentSME               Segment = "sme"
	SegmentRetail            Segment = "retail"
	SegmentYoungProfessional Segment = "young-professional"
)

// Segments lists the built-in tiers in display order.
func Segments() []Segment {
	return []Segment{SegmentHighValue, SegmentSME, SegmentRetail, SegmentYoungProfessional}
}

// SegmentLabel returns the display label for a tier.
func SegmentLabel(s Segment) string {
	switch s {
	case SegmentHighValue:
		return "Premium"
	case SegmentSME:
		return "SME / Business"
	case SegmentRetail:
		return "Retail"
	case SegmentYoungProfessional:
		return "Young Professional"
	default:
		return string(s)
	}
}

var (
	highValueThreshold     = decimal.NewFromInt(1_500_000)
	youngProfessionalLimit = decimal.NewFromInt(200_000)
)

const smeMinAccounts = 3

// InferSegment assigns a pricing tier from a customer's account portfolio.
// Rules are evaluated in order and the first match wins.
func InferSegment(c Customer) Segment {
	total := decimal.Zero
	var hasFX, hasLoan bool
	for _, a := range c.Accounts {
		total = total.Add(a.Balance.Abs())
		switch a.Type {
		case AccountFX:
			hasFX = true
		case AccountLoan:
			hasLoan = true
		}
	}

	switch {
	case total.GreaterThan(highValueThreshold) || hasFX:
		return SegmentHighValue
	case len(c.Accounts) >= smeMinAccounts && hasLoan:
		return SegmentSME
	case total.LessThan(youngProfessionalLimit):
		return SegmentYoungProfessional
	default:
		return SegmentRetail
	}
}
