// Package postgres implements the audit ledger over PostgreSQL via the pgx
// stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kalendr/kalendr/internal/ledger"
	"github.com/kalendr/kalendr/internal/model"
)

type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// NewStore connects to the database and bootstraps the audit schema.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wires an existing connection (used by tests).
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
            id BIGSERIAL PRIMARY KEY,
            event_uid TEXT NOT NULL,
            operation TEXT NOT NULL,
            actor_email TEXT,
            actor_name TEXT,
            ts TIMESTAMPTZ NOT NULL,
            source_collection TEXT,
            target_collection TEXT,
            before_state JSONB,
            after_state JSONB,
            status TEXT NOT NULL,
            error_message TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );`,
		`CREATE INDEX IF NOT EXISTS audit_log_event_uid_idx ON audit_log(event_uid);`,
		`CREATE INDEX IF NOT EXISTS audit_log_ts_idx ON audit_log(ts);`,
		`CREATE INDEX IF NOT EXISTS audit_log_actor_email_idx ON audit_log(actor_email);`,
		`CREATE INDEX IF NOT EXISTS audit_log_operation_idx ON audit_log(operation);`,
		`CREATE INDEX IF NOT EXISTS audit_log_source_collection_idx ON audit_log(source_collection);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Append(ctx context.Context, rec *model.AuditRecord) (int64, error) {
	before, err := marshalSnapshot(rec.Before)
	if err != nil {
		return 0, err
	}
	after, err := marshalSnapshot(rec.After)
	if err != nil {
		return 0, err
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `INSERT INTO audit_log
        (event_uid, operation, actor_email, actor_name, ts, source_collection, target_collection, before_state, after_state, status, error_message)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		rec.EventUID, string(rec.Operation), nullable(rec.Actor.Email), nullable(rec.Actor.Name),
		ts.UTC(), rec.SourceCollection, nullable(rec.TargetCollection),
		before, after, string(rec.Status), nullable(rec.ErrorMessage)).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

const selectColumns = `id, event_uid, operation, actor_email, actor_name, ts,
    source_collection, target_collection, before_state, after_state, status, error_message, created_at`

func (s *Store) EventHistory(ctx context.Context, eventUID string, limit int) ([]model.AuditRecord, error) {
	q := `SELECT ` + selectColumns + ` FROM audit_log WHERE event_uid = $1 ORDER BY ts DESC, id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, eventUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *Store) RecentHistory(ctx context.Context, f ledger.HistoryFilter) ([]model.AuditRecord, error) {
	q := `SELECT ` + selectColumns + ` FROM audit_log WHERE 1=1`
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Operation != "" {
		q += " AND operation = " + arg(string(f.Operation))
	}
	if f.ActorEmail != "" {
		q += " AND actor_email = " + arg(f.ActorEmail)
	}
	if f.Collection != "" {
		p := arg(f.Collection)
		q += fmt.Sprintf(" AND (source_collection = %s OR target_collection = %s)", p, p)
	}
	if !f.From.IsZero() {
		q += " AND ts >= " + arg(f.From.UTC())
	}
	if !f.To.IsZero() {
		q += " AND ts <= " + arg(f.To.UTC())
	}
	q += " ORDER BY ts DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *Store) PreviousState(ctx context.Context, eventUID string) (*ledger.PreviousState, error) {
	// CREATE rows carry no before-state but still anchor an undo.
	row := s.db.QueryRowContext(ctx, `SELECT before_state, operation, ts FROM audit_log
        WHERE event_uid = $1 AND status = $2 AND (before_state IS NOT NULL OR operation = $3)
        ORDER BY ts DESC, id DESC LIMIT 1`, eventUID, string(model.StatusSuccess), string(model.OpCreate))

	var raw []byte
	var op string
	var when time.Time
	if err := row.Scan(&raw, &op, &when); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var snap *model.EventSnapshot
	if len(raw) > 0 {
		snap = &model.EventSnapshot{}
		if err := json.Unmarshal(raw, snap); err != nil {
			return nil, fmt.Errorf("corrupt before-state for %s: %w", eventUID, err)
		}
	}
	return &ledger.PreviousState{State: snap, Operation: model.Operation(op), Timestamp: when}, nil
}

func (s *Store) Statistics(ctx context.Context) (*ledger.Stats, error) {
	stats := &ledger.Stats{ByOperation: map[model.Operation]int64{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&stats.TotalOperations); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT operation, COUNT(*) FROM audit_log GROUP BY operation`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var op string
		var n int64
		if err := rows.Scan(&op, &n); err != nil {
			return nil, err
		}
		stats.ByOperation[model.Operation(op)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	actorRows, err := s.db.QueryContext(ctx, `SELECT actor_email, COUNT(*) AS n FROM audit_log
        WHERE actor_email IS NOT NULL AND actor_email != ''
        GROUP BY actor_email ORDER BY n DESC LIMIT 5`)
	if err != nil {
		return nil, err
	}
	defer actorRows.Close()
	for actorRows.Next() {
		var ac ledger.ActorCount
		if err := actorRows.Scan(&ac.Email, &ac.Count); err != nil {
			return nil, err
		}
		stats.TopActors = append(stats.TopActors, ac)
	}
	if err := actorRows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE ts >= now() - interval '24 hours'`).Scan(&stats.Last24h); err != nil {
		return nil, err
	}
	return stats, nil
}

// --- helpers ---

func marshalSnapshot(s *model.EventSnapshot) (interface{}, error) {
	if s == nil {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanRecords(rows *sql.Rows) ([]model.AuditRecord, error) {
	var out []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var op, status string
		var actorEmail, actorName, source, target, errMsg sql.NullString
		var before, after []byte
		if err := rows.Scan(&rec.ID, &rec.EventUID, &op, &actorEmail, &actorName, &rec.Timestamp,
			&source, &target, &before, &after, &status, &errMsg, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Operation = model.Operation(op)
		rec.Status = model.Status(status)
		rec.Actor = model.Actor{Name: actorName.String, Email: actorEmail.String}
		rec.SourceCollection = source.String
		rec.TargetCollection = target.String
		rec.ErrorMessage = errMsg.String
		if len(before) > 0 {
			rec.Before = &model.EventSnapshot{}
			if err := json.Unmarshal(before, rec.Before); err != nil {
				return nil, err
			}
		}
		if len(after) > 0 {
			rec.After = &model.EventSnapshot{}
			if err := json.Unmarshal(after, rec.After); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
