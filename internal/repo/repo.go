package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"civicflow/internal/db"
	"civicflow/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion means the row changed since it was read.
	ErrStaleVersion = errors.New("stale version")
)

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

type scanner interface {
	Scan(dest ...any) error
}

const reportColumns = `id,COALESCE(report_number,''),title,COALESCE(description,''),created_by,status,status_updated_at,department_id,severity,COALESCE(category,''),COALESCE(sub_category,''),COALESCE(rejection_reason,''),COALESCE(hold_reason,''),is_duplicate,duplicate_of_report_id,version,created_at`

func scanReport(row scanner) (domain.Report, error) {
	var (
		rep                    domain.Report
		createdBy, dept, dupOf sql.NullInt64
		severity               sql.NullString
	)
	err := row.Scan(&rep.ID, &rep.ReportNumber, &rep.Title, &rep.Description, &createdBy, &rep.Status, &rep.StatusUpdatedAt,
		&dept, &severity, &rep.Category, &rep.SubCategory, &rep.RejectionReason, &rep.HoldReason, &rep.IsDuplicate, &dupOf,
		&rep.Version, &rep.CreatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	rep.CreatedBy = idPtr(createdBy)
	rep.DepartmentID = idPtr(dept)
	rep.DuplicateOfReportID = idPtr(dupOf)
	if severity.Valid {
		s := domain.Severity(severity.String)
		rep.Severity = &s
	}
	return rep, nil
}

// InsertReport stores a new report and assigns its report number.
func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.Report) (domain.Report, error) {
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO reports(title,description,created_by,status,status_updated_at,department_id,is_duplicate,version,created_at) VALUES (?,?,?,?,?,?,?,?,?) RETURNING id`),
		rep.Title, nullable(rep.Description), nullableID(rep.CreatedBy), string(rep.Status), rep.StatusUpdatedAt, nullableID(rep.DepartmentID), false, 1, rep.CreatedAt).Scan(&rep.ID)
	if err != nil {
		return rep, fmt.Errorf("insert report: %w", err)
	}
	rep.Version = 1
	rep.ReportNumber = ReportNumber(rep.CreatedAt, rep.ID)
	if _, err := tx.ExecContext(ctx, r.q(`UPDATE reports SET report_number=? WHERE id=?`), rep.ReportNumber, rep.ID); err != nil {
		return rep, fmt.Errorf("assign report number: %w", err)
	}
	return rep, nil
}

// ReportNumber formats the human-readable identifier, e.g. CF-20240101-000042.
func ReportNumber(createdAt string, id int64) string {
	date := strings.ReplaceAll(createdAt, "-", "")
	if len(date) >= 8 {
		date = date[:8]
	}
	return fmt.Sprintf("CF-%s-%06d", date, id)
}

func (r Repo) GetReport(ctx context.Context, id int64) (domain.Report, error) {
	return scanReport(r.DB.QueryRowContext(ctx, r.q(`SELECT `+reportColumns+` FROM reports WHERE id=?`), id))
}

func (r Repo) GetReportTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Report, error) {
	return scanReport(tx.QueryRowContext(ctx, r.q(`SELECT `+reportColumns+` FROM reports WHERE id=?`), id))
}

// LoadReportForUpdate reads the report holding its row lock until tx ends.
func (r Repo) LoadReportForUpdate(ctx context.Context, tx *sql.Tx, id int64) (domain.Report, error) {
	return scanReport(tx.QueryRowContext(ctx, r.q(`SELECT `+reportColumns+` FROM reports WHERE id=?`+r.Dialect.ForUpdate()), id))
}

// SaveReport writes the mutable lifecycle fields when the stored version
// still matches rep.Version, and returns the report with its bumped version.
func (r Repo) SaveReport(ctx context.Context, tx *sql.Tx, rep domain.Report) (domain.Report, error) {
	var severity any
	if rep.Severity != nil {
		severity = string(*rep.Severity)
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE reports SET status=?, status_updated_at=?, department_id=?, severity=?, category=?, sub_category=?, rejection_reason=?, hold_reason=?, is_duplicate=?, duplicate_of_report_id=?, version=version+1 WHERE id=? AND version=?`),
		string(rep.Status), rep.StatusUpdatedAt, nullableID(rep.DepartmentID), severity, nullable(rep.Category), nullable(rep.SubCategory),
		nullable(rep.RejectionReason), nullable(rep.HoldReason), rep.IsDuplicate, nullableID(rep.DuplicateOfReportID), rep.ID, rep.Version)
	if err != nil {
		return rep, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return rep, err
	}
	if affected == 0 {
		return rep, ErrStaleVersion
	}
	rep.Version++
	return rep, nil
}

type ReportFilters struct {
	Status       domain.Status
	DepartmentID int64
	CreatedBy    int64
	Limit        int
}

func (r Repo) ListReports(ctx context.Context, f ReportFilters) ([]domain.Report, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.DepartmentID > 0 {
		clauses = append(clauses, "department_id=?")
		args = append(args, f.DepartmentID)
	}
	if f.CreatedBy > 0 {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	query := `SELECT ` + reportColumns + ` FROM reports`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Report{}
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

// Directory answers guard lookups inside a transition's transaction.
type Directory struct {
	Repo Repo
	Tx   *sql.Tx
}

func (d Directory) Department(ctx context.Context, id int64) (*domain.Department, error) {
	dep, err := d.Repo.getDepartment(ctx, d.Tx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

func (d Directory) User(ctx context.Context, id int64) (*domain.User, error) {
	u, err := d.Repo.getUser(ctx, d.Tx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (d Directory) Report(ctx context.Context, id int64) (*domain.Report, error) {
	rep, err := d.Repo.GetReportTx(ctx, d.Tx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableID(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func idPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
