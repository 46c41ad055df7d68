package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/aggregator/errors"
)

// SQLiteStore persists the audit log in the audit_entries and access_events tables.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Persist(ctx context.Context, entry Entry) error {
	var similarTo sql.NullString
	if entry.SimilarTo != "" {
		similarTo = sql.NullString{String: entry.SimilarTo, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, query_id, query, registered_by, registered_at, status, similar_to, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.QueryID, entry.Query, entry.RegisteredBy,
		entry.Timestamp.UTC(), string(entry.Status), similarTo, entry.Detail,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to insert audit entry")
		err = errors.WithDetail(err, fmt.Sprintf("Entry ID: %s", entry.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Query ID: %s", entry.QueryID))
		return err
	}
	return nil
}

func (s *SQLiteStore) AppendAccess(ctx context.Context, entryID string, event AccessEvent) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM audit_entries WHERE id = ?)", entryID).Scan(&exists); err != nil {
		return false, errors.Wrapf(err, "failed to look up audit entry %s", entryID)
	}
	if !exists {
		return false, nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_events (entry_id, user, accessed_at, data_accessed)
		VALUES (?, ?, ?, ?)`,
		entryID, event.User, event.Timestamp.UTC(), event.DataAccessed,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to insert access event")
		return false, errors.WithDetail(err, fmt.Sprintf("Entry ID: %s", entryID))
	}
	return true, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, entryID string, status Status, detail string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE audit_entries SET status = ?, detail = ? WHERE id = ?",
		string(status), detail, entryID)
	if err != nil {
		return errors.Wrapf(err, "failed to update status of audit entry %s", entryID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError("audit entry %s", entryID)
	}
	return nil
}

const selectEntry = `
	SELECT id, query_id, query, registered_by, registered_at, status, COALESCE(similar_to, ''), detail
	FROM audit_entries`

func (s *SQLiteStore) Get(ctx context.Context, entryID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+" WHERE id = ?", entryID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("audit entry %s", entryID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read audit entry %s", entryID)
	}

	entries := []Entry{*e}
	if err := s.attach(ctx, entries); err != nil {
		return nil, err
	}
	return &entries[0], nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.QueryID != "" {
		where = append(where, "query_id = ?")
		args = append(args, filter.QueryID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where = append(where, "registered_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	q := selectEntry
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY registered_at, rowid"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate audit entries")
	}

	if err := s.attach(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e      Entry
		status string
		ts     time.Time
	)
	if err := row.Scan(&e.ID, &e.QueryID, &e.Query, &e.RegisteredBy, &ts, &status, &e.SimilarTo, &e.Detail); err != nil {
		return nil, err
	}
	e.Timestamp = ts
	e.Status = Status(status)
	return &e, nil
}

// attach fills SimilarQueries and AccessLog for each entry.
func (s *SQLiteStore) attach(ctx context.Context, entries []Entry) error {
	for i := range entries {
		e := &entries[i]
		e.SimilarQueries = []string{}
		e.AccessLog = []AccessEvent{}

		rows, err := s.db.QueryContext(ctx,
			"SELECT id FROM audit_entries WHERE similar_to = ? ORDER BY registered_at, rowid", e.ID)
		if err != nil {
			return errors.Wrapf(err, "failed to list similar queries of %s", e.ID)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed to scan similar query")
			}
			e.SimilarQueries = append(e.SimilarQueries, id)
		}
		rows.Close()

		rows, err = s.db.QueryContext(ctx,
			"SELECT user, accessed_at, data_accessed FROM access_events WHERE entry_id = ? ORDER BY id", e.ID)
		if err != nil {
			return errors.Wrapf(err, "failed to list access events of %s", e.ID)
		}
		for rows.Next() {
			var ev AccessEvent
			if err := rows.Scan(&ev.User, &ev.Timestamp, &ev.DataAccessed); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed to scan access event")
			}
			e.AccessLog = append(e.AccessLog, ev)
		}
		rows.Close()
	}
	return nil
}
