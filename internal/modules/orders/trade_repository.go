package orders

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iharari2/volbalance/internal/database"
	"github.com/iharari2/volbalance/internal/domain"
)

// tradesColumns is the column list for the trades table. Order must match
// scanTrade.
const tradesColumns = `trade_id, order_id, tenant_id, portfolio_id, position_id, side, quantity,
price, commission, commission_rate_effective, status, executed_at, created_at`

// TradeRepository handles trade persistence in ledger.db. Trades are
// write-once.
type TradeRepository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewTradeRepository creates a new trade repository.
func NewTradeRepository(ledgerDB *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "trade").Logger(),
	}
}

// Create inserts a trade record inside the caller's transaction.
func (r *TradeRepository) Create(q database.Queryer, t *Trade) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}

	_, err := q.Exec(`
		INSERT INTO trades
		(trade_id, order_id, tenant_id, portfolio_id, position_id, side, quantity,
		 price, commission, commission_rate_effective, status, executed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID,
		t.OrderID,
		t.Scope.TenantID,
		t.Scope.PortfolioID,
		t.Scope.PositionID,
		string(t.Side),
		t.Qty,
		t.Price,
		t.Commission,
		nullFloatPtr(t.RateEffective),
		t.Status,
		t.ExecutedAt.Unix(),
		t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

// Get loads a trade by id.
func (r *TradeRepository) Get(tradeID string) (*Trade, error) {
	row := r.ledgerDB.QueryRow("SELECT "+tradesColumns+" FROM trades WHERE trade_id = ?", tradeID)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trade %s not found", tradeID)
		}
		return nil, fmt.Errorf("failed to load trade: %w", err)
	}
	return t, nil
}

// GetByOrderID returns the trades recorded for an order, oldest first.
func (r *TradeRepository) GetByOrderID(orderID string) ([]Trade, error) {
	return r.list("SELECT "+tradesColumns+" FROM trades WHERE order_id = ? ORDER BY executed_at, trade_id", orderID)
}

// ListByPosition returns a position's trades in execution order.
func (r *TradeRepository) ListByPosition(positionID string) ([]Trade, error) {
	return r.list("SELECT "+tradesColumns+" FROM trades WHERE position_id = ? ORDER BY executed_at, trade_id", positionID)
}

// SumCommission totals commission across a position's trades. Used to
// audit the position's commission aggregate against the ledger.
func (r *TradeRepository) SumCommission(positionID string) (float64, error) {
	var total sql.NullFloat64
	err := r.ledgerDB.QueryRow(
		`SELECT SUM(commission) FROM trades WHERE position_id = ?`, positionID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum commission: %w", err)
	}
	return total.Float64, nil
}

func (r *TradeRepository) list(query string, args ...interface{}) ([]Trade, error) {
	rows, err := r.ledgerDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return out, nil
}

func scanTrade(s scanner) (*Trade, error) {
	var (
		t          Trade
		side       string
		rate       sql.NullFloat64
		executedAt int64
		createdAt  int64
	)
	err := s.Scan(
		&t.TradeID,
		&t.OrderID,
		&t.Scope.TenantID,
		&t.Scope.PortfolioID,
		&t.Scope.PositionID,
		&side,
		&t.Qty,
		&t.Price,
		&t.Commission,
		&rate,
		&t.Status,
		&executedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	t.Side = domain.Side(side)
	if rate.Valid {
		v := rate.Float64
		t.RateEffective = &v
	}
	t.ExecutedAt = time.Unix(executedAt, 0).UTC()
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &t, nil
}
