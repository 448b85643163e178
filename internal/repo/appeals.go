package repo

import (
	"context"
	"database/sql"
	"fmt"

	"civicflow/internal/domain"
)

func (r Repo) InsertAppeal(ctx context.Context, tx *sql.Tx, a domain.Appeal) (domain.Appeal, error) {
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO appeals(report_id, filed_by, kind, status, reason, created_at) VALUES (?,?,?,?,?,?) RETURNING id`),
		a.ReportID, a.FiledBy, string(a.Kind), string(a.Status), a.Reason, a.CreatedAt).Scan(&a.ID)
	if err != nil {
		return a, fmt.Errorf("insert appeal: %w", err)
	}
	return a, nil
}

func scanAppeal(row scanner) (domain.Appeal, error) {
	var (
		a          domain.Appeal
		resolvedAt sql.NullString
	)
	err := row.Scan(&a.ID, &a.ReportID, &a.FiledBy, &a.Kind, &a.Status, &a.Reason, &a.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.ResolvedAt = stringPtr(resolvedAt)
	return a, err
}

const appealColumns = `id, report_id, filed_by, kind, status, reason, created_at, resolved_at`

func (r Repo) GetAppealTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Appeal, error) {
	return scanAppeal(tx.QueryRowContext(ctx, r.q(`SELECT `+appealColumns+` FROM appeals WHERE id=?`), id))
}

func (r Repo) ListAppeals(ctx context.Context, q Queryer, reportID int64) ([]domain.Appeal, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT `+appealColumns+` FROM appeals WHERE report_id=? ORDER BY created_at, id`), reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Appeal{}
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAppealStatus(ctx context.Context, tx *sql.Tx, id int64, status domain.AppealStatus, resolvedAt *string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE appeals SET status=?, resolved_at=? WHERE id=?`), string(status), nullableStringPtr(resolvedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertEscalation(ctx context.Context, tx *sql.Tx, e domain.Escalation) (domain.Escalation, error) {
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO escalations(report_id, level, reason, escalated_by, status, created_at) VALUES (?,?,?,?,?,?) RETURNING id`),
		e.ReportID, e.Level, e.Reason, nullableID(e.EscalatedBy), string(e.Status), e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return e, fmt.Errorf("insert escalation: %w", err)
	}
	return e, nil
}

const escalationColumns = `id, report_id, level, reason, escalated_by, status, created_at, decided_at`

func scanEscalation(row scanner) (domain.Escalation, error) {
	var (
		e         domain.Escalation
		by        sql.NullInt64
		decidedAt sql.NullString
	)
	err := row.Scan(&e.ID, &e.ReportID, &e.Level, &e.Reason, &by, &e.Status, &e.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.EscalatedBy = idPtr(by)
	e.DecidedAt = stringPtr(decidedAt)
	return e, err
}

func (r Repo) GetEscalationTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Escalation, error) {
	return scanEscalation(tx.QueryRowContext(ctx, r.q(`SELECT `+escalationColumns+` FROM escalations WHERE id=?`), id))
}

func (r Repo) ListEscalations(ctx context.Context, q Queryer, reportID int64) ([]domain.Escalation, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT `+escalationColumns+` FROM escalations WHERE report_id=? ORDER BY created_at, id`), reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Escalation{}
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdateEscalationStatus(ctx context.Context, tx *sql.Tx, id int64, status domain.EscalationStatus, decidedAt *string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE escalations SET status=?, decided_at=? WHERE id=?`), string(status), nullableStringPtr(decidedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MaxEscalationLevel returns the highest escalation level recorded for a report, 0 if none.
func (r Repo) MaxEscalationLevel(ctx context.Context, tx *sql.Tx, reportID int64) (int, error) {
	var level int
	err := tx.QueryRowContext(ctx, r.q(`SELECT COALESCE(MAX(level),0) FROM escalations WHERE report_id=?`), reportID).Scan(&level)
	return level, err
}
