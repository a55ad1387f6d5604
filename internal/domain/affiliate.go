package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// CommissionRecord is a single payout entry attached to an affiliate.
type CommissionRecord struct {
	ICOID      string    `json:"ico_id"`
	Amount     float64   `json:"amount"`
	Commission float64   `json:"commission"`
	ClientIP   string    `json:"client_ip,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewCommissionRecord validates and builds a CommissionRecord.
func NewCommissionRecord(icoID string, amount, commission float64, clientIP string, at time.Time) (CommissionRecord, error) {
	if err := ValidateAmount(amount); err != nil {
		return CommissionRecord{}, err
	}
	if math.IsNaN(commission) || math.IsInf(commission, 0) || commission < 0 {
		return CommissionRecord{}, NewError(KindInvalidAmount, fmt.Sprintf("commission must be a non-negative number, got %v", commission), nil)
	}
	if icoID == "" {
		return CommissionRecord{}, NewError(KindInvalidRequest, "ico_id is required", nil)
	}
	return CommissionRecord{
		ICOID:      icoID,
		Amount:     amount,
		Commission: commission,
		ClientIP:   clientIP,
		Timestamp:  at,
	}, nil
}

// ValidateAmount rejects negative and non-finite amounts.
func ValidateAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return NewError(KindInvalidAmount, fmt.Sprintf("amount must be a non-negative number, got %v", amount), nil)
	}
	return nil
}

// AffiliateRecord is the ledger entry for one affiliate.
type AffiliateRecord struct {
	AffiliateID string             `json:"affiliate_id"`
	Commissions []CommissionRecord `json:"commissions"`
	CreatedAt   time.Time          `json:"created_at"`
	LastUpdated time.Time          `json:"last_updated"`
}

// Clone returns a deep copy so callers cannot alias the ledger's slices.
func (r AffiliateRecord) Clone() AffiliateRecord {
	out := r
	out.Commissions = make([]CommissionRecord, len(r.Commissions))
	copy(out.Commissions, r.Commissions)
	return out
}

// TotalCommission sums the commission column.
func (r AffiliateRecord) TotalCommission() float64 {
	sum := decimal.Zero
	for _, c := range r.Commissions {
		sum = sum.Add(decimal.NewFromFloat(c.Commission))
	}
	return sum.InexactFloat64()
}

// CommissionInput is the request to append a commission to an affiliate.
// Commission is set only by manual reconciliation; otherwise it is derived
// from the configured rate.
type CommissionInput struct {
	AffiliateID string
	ICOID       string
	Amount      float64
	Commission  *float64
	ClientIP    string
}

// Ledger is the persisted aggregate: affiliate id to record.
type Ledger map[string]AffiliateRecord

// Totals are aggregate counters over the ledger.
type Totals struct {
	TotalAffiliates       int     `json:"total_affiliates"`
	TotalCommissions      int     `json:"total_commissions"`
	TotalCommissionAmount float64 `json:"total_commission_amount"`
}

// Totals computes aggregate counters.
func (l Ledger) Totals() Totals {
	sum := decimal.Zero
	count := 0
	for _, rec := range l {
		count += len(rec.Commissions)
		for _, c := range rec.Commissions {
			sum = sum.Add(decimal.NewFromFloat(c.Commission))
		}
	}
	return Totals{
		TotalAffiliates:       len(l),
		TotalCommissions:      count,
		TotalCommissionAmount: sum.InexactFloat64(),
	}
}
