// Package dividends implements the dividend lifecycle: announcements are
// recorded, ex-dates accrue a receivable and lower the anchor by the
// dividend per share, and pay-dates move the receivable into cash.
package dividends

import (
	"time"

	"github.com/iharari2/volbalance/internal/domain"
)

// ReceivableStatus enumerates the accrual lifecycle.
type ReceivableStatus string

const (
	ReceivablePending   ReceivableStatus = "pending"
	ReceivablePaid      ReceivableStatus = "paid"
	ReceivableCancelled ReceivableStatus = "cancelled"
)

// Receivable is a per-position dividend accrual. Net amount equals gross
// minus withholding; a receivable is paid exactly once.
type Receivable struct {
	CreatedAt time.Time
	PaidAt    *time.Time

	ReceivableID string
	DividendID   string
	Scope        domain.Scope

	SharesAtRecord float64
	GrossAmount    float64
	WithholdingTax float64
	NetAmount      float64
	Status         ReceivableStatus
}
