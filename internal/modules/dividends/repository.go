package dividends

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

// receivablesColumns is the column list for dividend_receivables. Order
// must match scanReceivable.
const receivablesColumns = `receivable_id, dividend_id, tenant_id, portfolio_id, position_id,
shares_at_record, gross_amount, withholding_tax, net_amount, status, created_at, paid_at`

// Repository handles dividend and receivable persistence in ledger.db.
type Repository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewRepository creates a new dividend repository.
func NewRepository(ledgerDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "dividend").Logger(),
	}
}

// CreateDividend records an announcement. Announcements are idempotent on
// id: re-recording an existing id is a no-op.
func (r *Repository) CreateDividend(q database.Queryer, d *domain.Dividend) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("failed to record dividend: %w", err)
	}
	_, err := q.Exec(`
		INSERT INTO dividends
		(dividend_id, ticker, ex_date, pay_date, dps, currency, withholding_tax_rate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dividend_id) DO NOTHING`,
		d.ID,
		strings.ToUpper(strings.TrimSpace(d.Ticker)),
		d.ExDate.Unix(),
		d.PayDate.Unix(),
		d.DPS,
		d.Currency,
		d.WithholdingRate,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record dividend: %w", err)
	}
	return nil
}

// GetDividend loads an announcement by id.
func (r *Repository) GetDividend(dividendID string) (*domain.Dividend, error) {
	var (
		d       domain.Dividend
		exDate  int64
		payDate int64
	)
	err := r.ledgerDB.QueryRow(`
		SELECT dividend_id, ticker, ex_date, pay_date, dps, currency, withholding_tax_rate
		FROM dividends WHERE dividend_id = ?`, dividendID,
	).Scan(&d.ID, &d.Ticker, &exDate, &payDate, &d.DPS, &d.Currency, &d.WithholdingRate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("dividend %s not found", dividendID)
		}
		return nil, fmt.Errorf("failed to load dividend: %w", err)
	}
	d.ExDate = time.Unix(exDate, 0).UTC()
	d.PayDate = time.Unix(payDate, 0).UTC()
	return &d, nil
}

// CreateReceivable inserts an accrual inside the caller's transaction.
// The unique (position, dividend) index makes ex-date processing
// idempotent per dividend.
func (r *Repository) CreateReceivable(q database.Queryer, rec *Receivable) error {
	_, err := q.Exec(`
		INSERT INTO dividend_receivables
		(receivable_id, dividend_id, tenant_id, portfolio_id, position_id,
		 shares_at_record, gross_amount, withholding_tax, net_amount, status, created_at, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ReceivableID,
		rec.DividendID,
		rec.Scope.TenantID,
		rec.Scope.PortfolioID,
		rec.Scope.PositionID,
		rec.SharesAtRecord,
		rec.GrossAmount,
		rec.WithholdingTax,
		rec.NetAmount,
		string(rec.Status),
		rec.CreatedAt.Unix(),
		nullTime(rec.PaidAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create receivable: %w", err)
	}
	return nil
}

// GetReceivable loads a receivable by id. Returns
// domain.ErrReceivableNotFound when missing.
func (r *Repository) GetReceivable(q database.Queryer, receivableID string) (*Receivable, error) {
	row := q.QueryRow("SELECT "+receivablesColumns+" FROM dividend_receivables WHERE receivable_id = ?", receivableID)
	rec, err := scanReceivable(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrReceivableNotFound
		}
		return nil, fmt.Errorf("failed to load receivable: %w", err)
	}
	return rec, nil
}

// FindReceivable returns the receivable for (position, dividend), or nil.
func (r *Repository) FindReceivable(q database.Queryer, positionID, dividendID string) (*Receivable, error) {
	row := q.QueryRow(
		"SELECT "+receivablesColumns+" FROM dividend_receivables WHERE position_id = ? AND dividend_id = ?",
		positionID, dividendID,
	)
	rec, err := scanReceivable(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find receivable: %w", err)
	}
	return rec, nil
}

// MarkPaid advances a pending receivable to paid. The guarded WHERE
// clause makes double payment a visible no-op to the caller.
func (r *Repository) MarkPaid(q database.Queryer, receivableID string, paidAt time.Time) (bool, error) {
	res, err := q.Exec(`
		UPDATE dividend_receivables SET status = ?, paid_at = ?
		WHERE receivable_id = ? AND status = ?`,
		string(ReceivablePaid), paidAt.Unix(), receivableID, string(ReceivablePending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark receivable paid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check receivable update: %w", err)
	}
	return affected > 0, nil
}

// ListPendingByPosition returns a position's pending receivables, oldest
// first.
func (r *Repository) ListPendingByPosition(positionID string) ([]Receivable, error) {
	rows, err := r.ledgerDB.Query(
		"SELECT "+receivablesColumns+" FROM dividend_receivables WHERE position_id = ? AND status = ? ORDER BY created_at",
		positionID, string(ReceivablePending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query receivables: %w", err)
	}
	defer rows.Close()

	var out []Receivable
	for rows.Next() {
		rec, err := scanReceivable(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receivable: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating receivables: %w", err)
	}
	return out, nil
}

// SumPaidByPosition totals net amounts of paid receivables. Used to audit
// the position's dividend aggregate against the ledger.
func (r *Repository) SumPaidByPosition(positionID string) (float64, error) {
	var total sql.NullFloat64
	err := r.ledgerDB.QueryRow(
		`SELECT SUM(net_amount) FROM dividend_receivables WHERE position_id = ? AND status = ?`,
		positionID, string(ReceivablePaid),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum paid receivables: %w", err)
	}
	return total.Float64, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceivable(s scanner) (*Receivable, error) {
	var (
		rec       Receivable
		status    string
		createdAt int64
		paidAt    sql.NullInt64
	)
	err := s.Scan(
		&rec.ReceivableID,
		&rec.DividendID,
		&rec.Scope.TenantID,
		&rec.Scope.PortfolioID,
		&rec.Scope.PositionID,
		&rec.SharesAtRecord,
		&rec.GrossAmount,
		&rec.WithholdingTax,
		&rec.NetAmount,
		&status,
		&createdAt,
		&paidAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = ReceivableStatus(status)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	if paidAt.Valid {
		t := time.Unix(paidAt.Int64, 0).UTC()
		rec.PaidAt = &t
	}
	return &rec, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
