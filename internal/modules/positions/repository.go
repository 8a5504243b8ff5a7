package positions

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/iharari2/volbalance/internal/database"
	"github.com/iharari2/volbalance/internal/domain"
)

// positionsColumns is the column list for the positions table. Order must
// match scanPosition.
const positionsColumns = `position_id, tenant_id, portfolio_id, asset_symbol, quantity, cash,
anchor_price, avg_cost, dividend_receivable, total_commission_paid,
total_dividends_received, trading_state, created_at, updated_at`

// Repository handles position persistence in portfolio.db.
type Repository struct {
	portfolioDB *sql.DB
	log         zerolog.Logger
}

// NewRepository creates a new position repository.
func NewRepository(portfolioDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		portfolioDB: portfolioDB,
		log:         log.With().Str("repo", "position").Logger(),
	}
}

// Create inserts a new position row.
func (r *Repository) Create(p *Position) error {
	_, err := r.portfolioDB.Exec(`
		INSERT INTO positions
		(position_id, tenant_id, portfolio_id, asset_symbol, quantity, cash,
		 anchor_price, avg_cost, dividend_receivable, total_commission_paid,
		 total_dividends_received, trading_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Scope.PositionID,
		p.Scope.TenantID,
		p.Scope.PortfolioID,
		strings.ToUpper(strings.TrimSpace(p.AssetSymbol)),
		p.Qty,
		p.Cash,
		nullFloat(p.AnchorPrice),
		nullFloat(p.AvgCost),
		p.DividendReceivable,
		p.TotalCommissionPaid,
		p.TotalDividendsReceived,
		string(p.TradingState),
		p.CreatedAt.Unix(),
		p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}

	r.log.Info().
		Str("position_id", p.Scope.PositionID).
		Str("symbol", p.AssetSymbol).
		Float64("cash", p.Cash).
		Msg("Position created")
	return nil
}

// Get loads a position by scope. Returns domain.ErrPositionNotFound when
// the row is missing or the scope does not match.
func (r *Repository) Get(scope domain.Scope) (*Position, error) {
	return r.get(r.portfolioDB, scope)
}

// GetTx loads a position inside a caller-owned transaction.
func (r *Repository) GetTx(q database.Queryer, scope domain.Scope) (*Position, error) {
	return r.get(q, scope)
}

func (r *Repository) get(q database.Queryer, scope domain.Scope) (*Position, error) {
	row := q.QueryRow(
		"SELECT "+positionsColumns+" FROM positions WHERE position_id = ? AND tenant_id = ? AND portfolio_id = ?",
		scope.PositionID, scope.TenantID, scope.PortfolioID,
	)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPositionNotFound
		}
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	return p, nil
}

// Save persists the mutable fields of a position.
func (r *Repository) Save(p *Position) error {
	return r.save(r.portfolioDB, p)
}

// SaveTx persists a position inside a caller-owned transaction.
func (r *Repository) SaveTx(q database.Queryer, p *Position) error {
	return r.save(q, p)
}

func (r *Repository) save(q database.Queryer, p *Position) error {
	res, err := q.Exec(`
		UPDATE positions SET
			quantity = ?, cash = ?, anchor_price = ?, avg_cost = ?,
			dividend_receivable = ?, total_commission_paid = ?,
			total_dividends_received = ?, trading_state = ?, updated_at = ?
		WHERE position_id = ? AND tenant_id = ? AND portfolio_id = ?`,
		p.Qty,
		p.Cash,
		nullFloat(p.AnchorPrice),
		nullFloat(p.AvgCost),
		p.DividendReceivable,
		p.TotalCommissionPaid,
		p.TotalDividendsReceived,
		string(p.TradingState),
		p.UpdatedAt.Unix(),
		p.Scope.PositionID,
		p.Scope.TenantID,
		p.Scope.PortfolioID,
	)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check position save: %w", err)
	}
	if affected == 0 {
		return domain.ErrPositionNotFound
	}
	return nil
}

// SetTradingState updates only the orchestration state.
func (r *Repository) SetTradingState(scope domain.Scope, state domain.TradingState, now time.Time) error {
	res, err := r.portfolioDB.Exec(`
		UPDATE positions SET trading_state = ?, updated_at = ?
		WHERE position_id = ? AND tenant_id = ? AND portfolio_id = ?`,
		string(state), now.Unix(), scope.PositionID, scope.TenantID, scope.PortfolioID,
	)
	if err != nil {
		return fmt.Errorf("failed to set trading state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check trading state update: %w", err)
	}
	if affected == 0 {
		return domain.ErrPositionNotFound
	}

	r.log.Info().
		Str("position_id", scope.PositionID).
		Str("state", string(state)).
		Msg("Trading state changed")
	return nil
}

// ListByState returns all positions in the given trading state.
func (r *Repository) ListByState(state domain.TradingState) ([]*Position, error) {
	return r.list("SELECT "+positionsColumns+" FROM positions WHERE trading_state = ? ORDER BY position_id", string(state))
}

// ListAll returns every position.
func (r *Repository) ListAll() ([]*Position, error) {
	return r.list("SELECT " + positionsColumns + " FROM positions ORDER BY position_id")
}

func (r *Repository) list(query string, args ...interface{}) ([]*Position, error) {
	rows, err := r.portfolioDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return out, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*Position, error) {
	var (
		p         Position
		anchor    sql.NullFloat64
		avgCost   sql.NullFloat64
		state     string
		createdAt int64
		updatedAt int64
	)
	err := s.Scan(
		&p.Scope.PositionID,
		&p.Scope.TenantID,
		&p.Scope.PortfolioID,
		&p.AssetSymbol,
		&p.Qty,
		&p.Cash,
		&anchor,
		&avgCost,
		&p.DividendReceivable,
		&p.TotalCommissionPaid,
		&p.TotalDividendsReceived,
		&state,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if anchor.Valid {
		a := anchor.Float64
		p.AnchorPrice = &a
	}
	if avgCost.Valid {
		c := avgCost.Float64
		p.AvgCost = &c
	}
	p.TradingState = domain.TradingState(state)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
