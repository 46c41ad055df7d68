// Package results persists aggregation results so that late subscribers of an
// equivalence class can be sent what the execution already produced.
package results

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/query"
)

// Result is one aggregation event for a canonical fingerprint.
type Result struct {
	ID          int64             `json:"id"`
	Fingerprint query.Fingerprint `json:"fingerprint"`
	Payload     string            `json:"payload"`
	WindowFrom  time.Time         `json:"window_from,omitempty"`
	WindowTo    time.Time         `json:"window_to,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// Store persists results.
type Store interface {
	Append(ctx context.Context, r Result) (int64, error)
	// Recent returns up to limit of the newest results for fp, oldest first.
	// A limit <= 0 returns all of them.
	Recent(ctx context.Context, fp query.Fingerprint, limit int) ([]Result, error)
	Count(ctx context.Context, fp query.Fingerprint) (int, error)
}

// SQLiteStore stores results in the aggregation_results table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (s *SQLiteStore) Append(ctx context.Context, r Result) (int64, error) {
	if r.Fingerprint == "" {
		return 0, errors.NewInvalidRequestError("result has no fingerprint")
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregation_results (fingerprint, payload, window_from, window_to, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.Fingerprint.String(), r.Payload, nullTime(r.WindowFrom), nullTime(r.WindowTo), r.ReceivedAt.UTC(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to insert aggregation result")
		return 0, errors.WithDetail(err, fmt.Sprintf("Fingerprint: %s", r.Fingerprint))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read result id")
	}
	return id, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, fp query.Fingerprint, limit int) ([]Result, error) {
	q := `
		SELECT id, fingerprint, payload, window_from, window_to, received_at
		FROM aggregation_results
		WHERE fingerprint = ?
		ORDER BY id DESC`
	args := []interface{}{fp.String()}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query results for %s", fp.Short())
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var (
			r        Result
			fpText   string
			from, to sql.NullTime
		)
		if err := rows.Scan(&r.ID, &fpText, &r.Payload, &from, &to, &r.ReceivedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan result")
		}
		r.Fingerprint = query.Fingerprint(fpText)
		if from.Valid {
			r.WindowFrom = from.Time
		}
		if to.Valid {
			r.WindowTo = to.Time
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate results")
	}

	// newest first from the query; callers replay oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) Count(ctx context.Context, fp query.Fingerprint) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM aggregation_results WHERE fingerprint = ?", fp.String()).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "failed to count results for %s", fp.Short())
	}
	return n, nil
}
