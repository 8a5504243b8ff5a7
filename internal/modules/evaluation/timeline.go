package evaluation

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/iharari2/volbalance/internal/database"
	"github.com/iharari2/volbalance/internal/domain"
)

// TimelineRow is the denormalised snapshot of one evaluation cycle. It is
// a read model for reconstruction and debugging; the event log stays
// authoritative and business logic never consults the timeline.
type TimelineRow struct {
	Timestamp time.Time
	Scope     domain.Scope
	TraceID   string

	EffectivePrice float64
	AnchorBefore   *float64
	AnchorAfter    *float64
	QtyBefore      float64
	QtyAfter       float64
	CashBefore     float64
	CashAfter      float64

	MarketSession  domain.MarketSession
	PricePolicy    domain.PricePolicy
	SizingStrategy domain.SizingStrategy

	Trigger   domain.TriggerDecision
	Proposal  *domain.SizingProposal
	Guardrail *domain.GuardrailDecision

	Action       string
	Reason       string
	OHLCV        *domain.Bar
	PricingNotes string
}

// TimelineRepository persists timeline rows in ledger.db.
type TimelineRepository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewTimelineRepository creates a new timeline repository.
func NewTimelineRepository(ledgerDB *sql.DB, log zerolog.Logger) *TimelineRepository {
	return &TimelineRepository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "timeline").Logger(),
	}
}

// Insert writes a row inside the caller's transaction.
func (r *TimelineRepository) Insert(q database.Queryer, row *TimelineRow) error {
	triggerJSON, err := json.Marshal(row.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger decision: %w", err)
	}
	_, err = q.Exec(`
		INSERT INTO timeline
		(position_id, tenant_id, portfolio_id, trace_id, timestamp, effective_price,
		 anchor_before, anchor_after, qty_before, qty_after, cash_before, cash_after,
		 market_session, price_policy, sizing_strategy, trigger_decision,
		 sizing_proposal, guardrail_decision, action, reason, ohlcv, pricing_notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Scope.PositionID,
		row.Scope.TenantID,
		row.Scope.PortfolioID,
		row.TraceID,
		row.Timestamp.UnixNano(),
		row.EffectivePrice,
		nullFloat(row.AnchorBefore),
		nullFloat(row.AnchorAfter),
		row.QtyBefore,
		row.QtyAfter,
		row.CashBefore,
		row.CashAfter,
		string(row.MarketSession),
		string(row.PricePolicy),
		string(row.SizingStrategy),
		string(triggerJSON),
		marshalOrNil(row.Proposal),
		marshalOrNil(row.Guardrail),
		row.Action,
		row.Reason,
		marshalOrNil(row.OHLCV),
		row.PricingNotes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert timeline row: %w", err)
	}
	return nil
}

// CountByPosition returns the number of timeline rows for a position.
func (r *TimelineRepository) CountByPosition(positionID string) (int64, error) {
	var n int64
	err := r.ledgerDB.QueryRow(`SELECT COUNT(*) FROM timeline WHERE position_id = ?`, positionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count timeline rows: %w", err)
	}
	return n, nil
}

// PruneOlderThan deletes timeline rows older than the cutoff. Events are
// never pruned; the timeline is a rebuildable read model.
func (r *TimelineRepository) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.ledgerDB.Exec(`DELETE FROM timeline WHERE timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune timeline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned timeline rows: %w", err)
	}
	if n > 0 {
		r.log.Info().Int64("rows", n).Msg("Timeline rows pruned")
	}
	return n, nil
}

func marshalOrNil(v interface{}) interface{} {
	switch val := v.(type) {
	case *domain.SizingProposal:
		if val == nil {
			return nil
		}
	case *domain.GuardrailDecision:
		if val == nil {
			return nil
		}
	case *domain.Bar:
		if val == nil {
			return nil
		}
	case nil:
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
