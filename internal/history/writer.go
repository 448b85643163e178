package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"civicflow/internal/db"
	"civicflow/internal/domain"
)

// Writer appends status history rows inside the caller's transaction. Rows
// are never updated or deleted.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, entry domain.StatusHistoryEntry) (domain.StatusHistoryEntry, error) {
	if tx == nil {
		return entry, errors.New("status history requires a transaction")
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	if entry.ChangedAt == "" {
		entry.ChangedAt = w.Now().UTC().Format(time.RFC3339)
	}
	var old any
	if entry.OldStatus != nil {
		old = string(*entry.OldStatus)
	}
	err := tx.QueryRowContext(ctx, w.Dialect.Rebind(`INSERT INTO status_history(report_id,old_status,new_status,changed_by_user_id,notes,changed_at) VALUES (?,?,?,?,?,?) RETURNING id`),
		entry.ReportID, old, string(entry.NewStatus), nullableID(entry.ChangedByUserID), nullable(entry.Notes), entry.ChangedAt).Scan(&entry.ID)
	if err != nil {
		return entry, fmt.Errorf("insert status history: %w", err)
	}
	return entry, nil
}

// List returns the history of a report in changed_at order.
func (w Writer) List(ctx context.Context, q Querier, reportID int64) ([]domain.StatusHistoryEntry, error) {
	rows, err := q.QueryContext(ctx, w.Dialect.Rebind(`SELECT id,report_id,old_status,new_status,changed_by_user_id,COALESCE(notes,''),changed_at FROM status_history WHERE report_id=? ORDER BY changed_at, id`), reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []domain.StatusHistoryEntry{}
	for rows.Next() {
		var (
			e   domain.StatusHistoryEntry
			old sql.NullString
			by  sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.ReportID, &old, &e.NewStatus, &by, &e.Notes, &e.ChangedAt); err != nil {
			return nil, err
		}
		if old.Valid {
			s := domain.Status(old.String)
			e.OldStatus = &s
		}
		if by.Valid {
			id := by.Int64
			e.ChangedByUserID = &id
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HeldFrom returns the status a report left when it last entered on_hold.
func (w Writer) HeldFrom(ctx context.Context, q Querier, reportID int64) (*domain.Status, error) {
	rows, err := q.QueryContext(ctx, w.Dialect.Rebind(`SELECT old_status FROM status_history WHERE report_id=? AND new_status=? ORDER BY changed_at DESC, id DESC LIMIT 1`), reportID, string(domain.StatusOnHold))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var old sql.NullString
	if err := rows.Scan(&old); err != nil {
		return nil, err
	}
	if !old.Valid {
		return nil, nil
	}
	s := domain.Status(old.String)
	return &s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
