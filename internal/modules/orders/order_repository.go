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

// ordersColumns is the column list for the orders table. Order must match
// scanOrder.
const ordersColumns = `order_id, tenant_id, portfolio_id, position_id, side, quantity, status,
idempotency_key, request_signature, commission_rate_snapshot, commission_estimated,
created_at, updated_at`

// OrderRepository handles order persistence in ledger.db.
type OrderRepository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewOrderRepository creates a new order repository.
func NewOrderRepository(ledgerDB *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "order").Logger(),
	}
}

// Create inserts a new order row inside the caller's transaction. The
// unique (position_id, idempotency_key) index is the atomic
// compare-and-set backing idempotent submission.
func (r *OrderRepository) Create(q database.Queryer, o *Order) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	_, err := q.Exec(`
		INSERT INTO orders
		(order_id, tenant_id, portfolio_id, position_id, side, quantity, status,
		 idempotency_key, request_signature, commission_rate_snapshot, commission_estimated,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID,
		o.Scope.TenantID,
		o.Scope.PortfolioID,
		o.Scope.PositionID,
		string(o.Side),
		o.Qty,
		string(o.Status),
		o.IdempotencyKey,
		o.RequestSignature,
		o.CommissionRate,
		nullFloatPtr(o.CommissionEstimate),
		o.CreatedAt.Unix(),
		o.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// Get loads an order by id. Returns domain.ErrOrderNotFound when missing.
func (r *OrderRepository) Get(orderID string) (*Order, error) {
	return r.get(r.ledgerDB, orderID)
}

// GetTx loads an order inside a caller-owned transaction.
func (r *OrderRepository) GetTx(q database.Queryer, orderID string) (*Order, error) {
	return r.get(q, orderID)
}

func (r *OrderRepository) get(q database.Queryer, orderID string) (*Order, error) {
	row := q.QueryRow("SELECT "+ordersColumns+" FROM orders WHERE order_id = ?", orderID)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return o, nil
}

// GetByIdempotencyKey loads the order recorded for a (position, key) pair,
// or nil when none exists.
func (r *OrderRepository) GetByIdempotencyKey(q database.Queryer, positionID, key string) (*Order, error) {
	row := q.QueryRow(
		"SELECT "+ordersColumns+" FROM orders WHERE position_id = ? AND idempotency_key = ?",
		positionID, key,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load order by idempotency key: %w", err)
	}
	return o, nil
}

// UpdateStatus advances an order's status. Transitions out of terminal
// states are rejected by the guarded WHERE clause.
func (r *OrderRepository) UpdateStatus(q database.Queryer, orderID string, status domain.OrderStatus, now time.Time) error {
	res, err := q.Exec(`
		UPDATE orders SET status = ?, updated_at = ?
		WHERE order_id = ? AND status = ?`,
		string(status), now.Unix(), orderID, string(domain.OrderStatusSubmitted),
	)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check order status update: %w", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotSubmitted
	}
	return nil
}

// CountCreatedBetween counts orders for a position created in [from, to),
// excluding rejected ones and optionally excluding one order id. Backs the
// daily-cap guardrail.
func (r *OrderRepository) CountCreatedBetween(q database.Queryer, positionID string, from, to time.Time, excludeOrderID string) (int, error) {
	var n int
	err := q.QueryRow(`
		SELECT COUNT(*) FROM orders
		WHERE position_id = ? AND created_at >= ? AND created_at < ?
		  AND status != ? AND order_id != ?`,
		positionID, from.Unix(), to.Unix(), string(domain.OrderStatusRejected), excludeOrderID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return n, nil
}

// ListByPosition returns a position's orders, oldest first.
func (r *OrderRepository) ListByPosition(positionID string) ([]Order, error) {
	rows, err := r.ledgerDB.Query(
		"SELECT "+ordersColumns+" FROM orders WHERE position_id = ? ORDER BY created_at, order_id",
		positionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	var (
		o         Order
		side      string
		status    string
		estimated sql.NullFloat64
		createdAt int64
		updatedAt int64
	)
	err := s.Scan(
		&o.OrderID,
		&o.Scope.TenantID,
		&o.Scope.PortfolioID,
		&o.Scope.PositionID,
		&side,
		&o.Qty,
		&status,
		&o.IdempotencyKey,
		&o.RequestSignature,
		&o.CommissionRate,
		&estimated,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Status = domain.OrderStatus(status)
	if estimated.Valid {
		e := estimated.Float64
		o.CommissionEstimate = &e
	}
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &o, nil
}

func nullFloatPtr(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
