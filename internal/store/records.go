package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/apmatthews/the-events-calendar/internal/errors"
	"github.com/apmatthews/the-events-calendar/internal/record"
)

const recordColumns = `id, parent_id, status, origin, source, frequency, last_run, import_id, message, post_status, activity, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	var (
		r                    record.Record
		status, origin       string
		lastRun              int64
		activity             string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&r.ID, &r.ParentID, &status, &origin, &r.Source, &r.Frequency, &lastRun,
		&r.ImportID, &r.Message, &r.PostStatus, &activity, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	r.Status = record.Status(status)
	r.Origin = record.Origin(origin)
	r.LastRun = fromUnix(lastRun)
	r.CreatedAt = fromUnix(createdAt)
	r.UpdatedAt = fromUnix(updatedAt)

	r.Activity = record.NewActivity()
	if activity != "" {
		if err := json.Unmarshal([]byte(activity), r.Activity); err != nil {
			return nil, fmt.Errorf("failed to decode activity of record %d: %w", r.ID, err)
		}
	}

	return &r, nil
}

func encodeActivity(a *record.Activity) (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to encode activity: %w", err)
	}
	return string(data), nil
}

// CreateRecord inserts r and sets its ID.
func (s *Store) CreateRecord(ctx context.Context, r *record.Record) error {
	return s.insertRecord(ctx, s.db, r)
}

func (s *Store) insertRecord(ctx context.Context, db execer, r *record.Record) error {
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}

	activity, err := encodeActivity(r.Activity)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `INSERT INTO records
		(parent_id, status, origin, source, frequency, last_run, import_id, message, post_status, activity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ParentID, string(r.Status), string(r.Origin), r.Source, r.Frequency, toUnix(r.LastRun),
		r.ImportID, r.Message, r.PostStatus, activity, toUnix(r.CreatedAt), toUnix(r.UpdatedAt))
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to insert record", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to read record id", err)
	}
	r.ID = id

	return nil
}

// UpdateRecord writes every mutable field of r.
func (s *Store) UpdateRecord(ctx context.Context, r *record.Record) error {
	return s.updateRecord(ctx, s.db, r)
}

func (s *Store) updateRecord(ctx context.Context, db execer, r *record.Record) error {
	r.UpdatedAt = s.now()

	activity, err := encodeActivity(r.Activity)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `UPDATE records SET
		status = ?, source = ?, frequency = ?, last_run = ?, import_id = ?, message = ?, post_status = ?, activity = ?, updated_at = ?
		WHERE id = ?`,
		string(r.Status), r.Source, r.Frequency, toUnix(r.LastRun), r.ImportID, r.Message, r.PostStatus,
		activity, toUnix(r.UpdatedAt), r.ID)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to update record %d", r.ID), err)
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return errors.Newf(errors.ErrNotFound, "record %d not found", r.ID)
	}

	return nil
}

// Record fetches the record with the given id.
func (s *Store) Record(ctx context.Context, id int64) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.ErrNotFound, "record %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to load record %d", id), err)
	}
	return r, nil
}

// RecordsByStatus returns every record with status whose origin is not one
// of excludeOrigins, oldest first.
func (s *Store) RecordsByStatus(ctx context.Context, status record.Status, excludeOrigins ...record.Origin) ([]*record.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE status = ?`
	args := []any{string(status)}

	if len(excludeOrigins) > 0 {
		placeholders := make([]string, len(excludeOrigins))
		for i, origin := range excludeOrigins {
			placeholders[i] = "?"
			args = append(args, string(origin))
		}
		query += ` AND origin NOT IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY id`

	return s.queryRecords(ctx, query, args...)
}

// ListRecords returns every record, oldest first. With parentID set only
// that record's children are returned.
func (s *Store) ListRecords(ctx context.Context, parentID int64) ([]*record.Record, error) {
	if parentID != 0 {
		return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM records WHERE parent_id = ? ORDER BY id`, parentID)
	}
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM records ORDER BY id`)
}

// PendingChild returns the pending child of parentID, or nil if it has none.
func (s *Store) PendingChild(ctx context.Context, parentID int64) (*record.Record, error) {
	children, err := s.queryRecords(ctx, `SELECT `+recordColumns+` FROM records
		WHERE parent_id = ? AND status = ? ORDER BY id LIMIT 1`, parentID, string(record.StatusPending))
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, nil
	}
	return children[0], nil
}

// CreateChild persists a pending child of parent and stamps the parent's
// last run with now. Both writes happen in one transaction.
//
// The pending-child check and this insert are not atomic; callers run
// inside a single cron run at a time.
func (s *Store) CreateChild(ctx context.Context, parent *record.Record, now time.Time) (*record.Record, error) {
	if parent.ID == 0 {
		return nil, errors.New(errors.ErrInvalid, "cannot create a child of an unsaved record")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	child := parent.NewChild(now)
	if err := s.insertRecord(ctx, tx, child); err != nil {
		return nil, err
	}

	lastRun, updatedAt := parent.LastRun, parent.UpdatedAt
	parent.LastRun = now
	if err := s.updateRecord(ctx, tx, parent); err != nil {
		parent.LastRun, parent.UpdatedAt = lastRun, updatedAt
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		parent.LastRun, parent.UpdatedAt = lastRun, updatedAt
		return nil, errors.Wrap(errors.ErrStorage, "failed to commit child record", err)
	}

	return child, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to query records", err)
	}
	defer rows.Close()

	var records []*record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan record", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to iterate records", err)
	}

	return records, nil
}
