package events

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/iharari2/volbalance/internal/database"
	"github.com/iharari2/volbalance/internal/domain"
)

// eventsColumns is the column list for the events table. Order must match
// scanEvent.
const eventsColumns = `position_id, tenant_id, portfolio_id, seq, type, trace_id,
parent_event_id, inputs, outputs, message, source, timestamp`

// Repository appends to and reads from the per-position event log in
// ledger.db. Events are never updated or deleted.
type Repository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewRepository creates a new event log repository.
func NewRepository(ledgerDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "events").Logger(),
	}
}

// Append writes an event inside the caller's transaction, assigning the
// next gap-free sequence number for the position. The assigned Seq is
// written back into the event so callers can chain parent ids.
func (r *Repository) Append(q database.Queryer, e *Event) error {
	var next int64
	row := q.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE position_id = ?`, e.Scope.PositionID)
	if err := row.Scan(&next); err != nil {
		return fmt.Errorf("failed to allocate event seq: %w", err)
	}
	e.Seq = next

	_, err := q.Exec(`
		INSERT INTO events
		(position_id, tenant_id, portfolio_id, seq, type, trace_id,
		 parent_event_id, inputs, outputs, message, source, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Scope.PositionID,
		e.Scope.TenantID,
		e.Scope.PortfolioID,
		e.Seq,
		string(e.Type),
		e.TraceID,
		e.ParentEventID,
		nullRaw(e.Inputs),
		nullRaw(e.Outputs),
		e.Message,
		e.Source,
		e.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", e.Type, err)
	}
	return nil
}

// AppendStandalone writes a single event in its own transaction. Used for
// error events outside an evaluation cycle.
func (r *Repository) AppendStandalone(e *Event) error {
	return database.WithTransaction(r.ledgerDB, func(tx *sql.Tx) error {
		return r.Append(tx, e)
	})
}

// ListByPosition returns events for a position in sequence order, newest
// last, capped at limit (0 = no cap).
func (r *Repository) ListByPosition(positionID string, limit int) ([]Event, error) {
	query := "SELECT " + eventsColumns + " FROM events WHERE position_id = ? ORDER BY seq"
	args := []interface{}{positionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.list(query, args...)
}

// ListByTrace returns the events of one evaluation cycle in sequence order.
func (r *Repository) ListByTrace(traceID string) ([]Event, error) {
	return r.list("SELECT "+eventsColumns+" FROM events WHERE trace_id = ? ORDER BY seq", traceID)
}

// CountByPosition returns the event count for a position.
func (r *Repository) CountByPosition(positionID string) (int64, error) {
	var n int64
	err := r.ledgerDB.QueryRow(`SELECT COUNT(*) FROM events WHERE position_id = ?`, positionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func (r *Repository) list(query string, args ...interface{}) ([]Event, error) {
	rows, err := r.ledgerDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		e       Event
		typ     string
		parent  sql.NullInt64
		inputs  sql.NullString
		outputs sql.NullString
		message sql.NullString
		tsNanos int64
	)
	err := rows.Scan(
		&e.Scope.PositionID,
		&e.Scope.TenantID,
		&e.Scope.PortfolioID,
		&e.Seq,
		&typ,
		&e.TraceID,
		&parent,
		&inputs,
		&outputs,
		&message,
		&e.Source,
		&tsNanos,
	)
	if err != nil {
		return Event{}, err
	}
	e.Type = EventType(typ)
	e.Timestamp = time.Unix(0, tsNanos).UTC()
	if parent.Valid {
		p := parent.Int64
		e.ParentEventID = &p
	}
	if inputs.Valid {
		e.Inputs = json.RawMessage(inputs.String)
	}
	if outputs.Valid {
		e.Outputs = json.RawMessage(outputs.String)
	}
	if message.Valid {
		e.Message = message.String
	}
	return e, nil
}

func nullRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Recorder stamps events with a shared scope, trace and source, and chains
// parent ids automatically. One Recorder serves one evaluation cycle.
type Recorder struct {
	repo    *Repository
	scope   domain.Scope
	traceID string
	source  string
	lastSeq *int64
}

// NewRecorder creates a recorder for one cycle.
func (r *Repository) NewRecorder(scope domain.Scope, traceID, source string) *Recorder {
	return &Recorder{repo: r, scope: scope, traceID: traceID, source: source}
}

// Record appends an event chained to the previous one recorded through
// this recorder.
func (rec *Recorder) Record(q database.Queryer, typ EventType, ts time.Time, inputs, outputs interface{}, message string) error {
	e := New(rec.scope, typ, rec.traceID, ts, inputs, outputs, message)
	e.Source = rec.source
	e.ParentEventID = rec.lastSeq
	if err := rec.repo.Append(q, e); err != nil {
		return err
	}
	seq := e.Seq
	rec.lastSeq = &seq
	return nil
}
