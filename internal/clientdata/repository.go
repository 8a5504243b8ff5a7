// Package clientdata provides persistent caching for external API client
// responses. Payloads are stored as msgpack blobs with expiration
// timestamps for cache-first behaviour.
package clientdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// AllTables lists the cache tables for cleanup operations.
var AllTables = []string{
	"quotes",
	"dividend_schedules",
}

// validTables is a set for O(1) table name validation.
var validTables = func() map[string]bool {
	m := make(map[string]bool, len(AllTables))
	for _, t := range AllTables {
		m[t] = true
	}
	return m
}()

// TTL constants per data type.
const (
	// TTLQuote keeps last-known quotes briefly; display paths may fall
	// back to a stale quote, the evaluation path never trades on one.
	TTLQuote = 10 * time.Minute
	// TTLDividendSchedule covers announced dividends, which change on
	// the order of days.
	TTLDividendSchedule = 24 * time.Hour
)

// Repository provides cache operations over cache.db.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new client-data cache repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// validateTable guards against table names outside the allowed list.
func validateTable(table string) error {
	if !validTables[table] {
		return fmt.Errorf("invalid cache table: %s", table)
	}
	return nil
}

// Store saves data under key with expiration = now + ttl. The payload is
// msgpack-encoded; INSERT OR REPLACE gives upsert behaviour.
func (r *Repository) Store(table, key string, data interface{}, ttl time.Duration) error {
	if err := validateTable(table); err != nil {
		return err
	}

	blob, err := msgpack.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode cache payload: %w", err)
	}

	now := time.Now()
	_, err = r.db.Exec(
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (ticker, data, expires_at, updated_at) VALUES (?, ?, ?, ?)`, table),
		key, blob, now.Add(ttl).Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store cache row: %w", err)
	}
	return nil
}

// GetIfFresh decodes the cached payload for key into dest when it exists
// and has not expired. Returns false on miss or expiry.
func (r *Repository) GetIfFresh(table, key string, dest interface{}) (bool, error) {
	return r.get(table, key, dest, true)
}

// GetStale decodes the cached payload for key into dest regardless of
// expiry. Stale data beats no data when a provider is down.
func (r *Repository) GetStale(table, key string, dest interface{}) (bool, error) {
	return r.get(table, key, dest, false)
}

func (r *Repository) get(table, key string, dest interface{}, freshOnly bool) (bool, error) {
	if err := validateTable(table); err != nil {
		return false, err
	}

	query := fmt.Sprintf(`SELECT data FROM %s WHERE ticker = ?`, table)
	args := []interface{}{key}
	if freshOnly {
		query += ` AND expires_at > ?`
		args = append(args, time.Now().Unix())
	}

	var blob []byte
	err := r.db.QueryRow(query, args...).Scan(&blob)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache row: %w", err)
	}

	if err := msgpack.Unmarshal(blob, dest); err != nil {
		return false, fmt.Errorf("failed to decode cache payload: %w", err)
	}
	return true, nil
}

// DeleteExpired removes expired rows from one table and returns the count.
func (r *Repository) DeleteExpired(table string) (int64, error) {
	if err := validateTable(table); err != nil {
		return 0, err
	}
	res, err := r.db.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, table),
		time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired cache rows: %w", err)
	}
	return n, nil
}

// CleanupAll sweeps expired rows from every cache table.
func (r *Repository) CleanupAll() (int64, error) {
	var total int64
	for _, table := range AllTables {
		n, err := r.DeleteExpired(table)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
