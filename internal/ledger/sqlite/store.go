// Package sqlite implements the audit ledger over a local SQLite file via
// the modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalendr/kalendr/internal/ledger"
	"github.com/kalendr/kalendr/internal/model"
)

type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// tsLayout is fixed-width, unlike RFC3339Nano which trims trailing
// fractional zeros. Timestamps are compared as TEXT in SQLite, so every
// stored value must carry all nine fractional digits for lexicographic
// order to match chronological order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// NewStore opens (or creates) the ledger database and bootstraps its schema.
func NewStore(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wires an existing connection (used by tests).
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
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
	res, err := s.db.ExecContext(ctx, `INSERT INTO AuditLog
        (EventUid, Operation, ActorEmail, ActorName, Timestamp, SourceCollection, TargetCollection, BeforeState, AfterState, Status, ErrorMessage, CreatedAt)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.EventUID, string(rec.Operation), rec.Actor.Email, rec.Actor.Name,
		ts.UTC().Format(tsLayout),
		rec.SourceCollection, nullable(rec.TargetCollection),
		before, after, string(rec.Status), nullable(rec.ErrorMessage),
		time.Now().UTC().Format(tsLayout))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const selectColumns = `Id, EventUid, Operation, ActorEmail, ActorName, Timestamp,
    SourceCollection, TargetCollection, BeforeState, AfterState, Status, ErrorMessage, CreatedAt`

func (s *Store) EventHistory(ctx context.Context, eventUID string, limit int) ([]model.AuditRecord, error) {
	q := `SELECT ` + selectColumns + ` FROM AuditLog WHERE EventUid = ? ORDER BY Timestamp DESC, Id DESC`
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
	q := `SELECT ` + selectColumns + ` FROM AuditLog WHERE 1=1`
	args := []interface{}{}
	if f.Operation != "" {
		q += " AND Operation = ?"
		args = append(args, string(f.Operation))
	}
	if f.ActorEmail != "" {
		q += " AND ActorEmail = ?"
		args = append(args, f.ActorEmail)
	}
	if f.Collection != "" {
		q += " AND (SourceCollection = ? OR TargetCollection = ?)"
		args = append(args, f.Collection, f.Collection)
	}
	if !f.From.IsZero() {
		q += " AND Timestamp >= ?"
		args = append(args, f.From.UTC().Format(tsLayout))
	}
	if !f.To.IsZero() {
		q += " AND Timestamp <= ?"
		args = append(args, f.To.UTC().Format(tsLayout))
	}
	q += " ORDER BY Timestamp DESC, Id DESC"
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
	// CREATE rows have no before-state but still anchor an undo (the
	// reversal is a delete), so they qualify alongside rows that do.
	row := s.db.QueryRowContext(ctx, `SELECT BeforeState, Operation, Timestamp FROM AuditLog
        WHERE EventUid = ? AND Status = ? AND (BeforeState IS NOT NULL OR Operation = ?)
        ORDER BY Timestamp DESC, Id DESC LIMIT 1`, eventUID, string(model.StatusSuccess), string(model.OpCreate))

	var raw sql.NullString
	var op, ts string
	if err := row.Scan(&raw, &op, &ts); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var snap *model.EventSnapshot
	if raw.Valid {
		snap = &model.EventSnapshot{}
		if err := json.Unmarshal([]byte(raw.String), snap); err != nil {
			return nil, fmt.Errorf("corrupt before-state for %s: %w", eventUID, err)
		}
	}
	when, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, err
	}
	return &ledger.PreviousState{State: snap, Operation: model.Operation(op), Timestamp: when}, nil
}

func (s *Store) Statistics(ctx context.Context) (*ledger.Stats, error) {
	stats := &ledger.Stats{ByOperation: map[model.Operation]int64{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM AuditLog`).Scan(&stats.TotalOperations); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT Operation, COUNT(*) FROM AuditLog GROUP BY Operation`)
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

	actorRows, err := s.db.QueryContext(ctx, `SELECT ActorEmail, COUNT(*) AS n FROM AuditLog
        WHERE ActorEmail IS NOT NULL AND ActorEmail != ''
        GROUP BY ActorEmail ORDER BY n DESC LIMIT 5`)
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

	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(tsLayout)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM AuditLog WHERE Timestamp >= ?`, cutoff).Scan(&stats.Last24h); err != nil {
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
	return string(raw), nil
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
		var op, status, ts, created string
		var actorEmail, actorName, source, target, before, after, errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.EventUID, &op, &actorEmail, &actorName, &ts,
			&source, &target, &before, &after, &status, &errMsg, &created); err != nil {
			return nil, err
		}
		rec.Operation = model.Operation(op)
		rec.Status = model.Status(status)
		rec.Actor = model.Actor{Name: actorName.String, Email: actorEmail.String}
		rec.SourceCollection = source.String
		rec.TargetCollection = target.String
		rec.ErrorMessage = errMsg.String

		var err error
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, err
		}
		if before.Valid {
			rec.Before = &model.EventSnapshot{}
			if err := json.Unmarshal([]byte(before.String), rec.Before); err != nil {
				return nil, err
			}
		}
		if after.Valid {
			rec.After = &model.EventSnapshot{}
			if err := json.Unmarshal([]byte(after.String), rec.After); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
