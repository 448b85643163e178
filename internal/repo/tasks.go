package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"civicflow/internal/domain"
)

const taskColumns = `id,report_id,assigned_to,assigned_by,status,priority,assigned_at,acknowledged_at,started_at,resolved_at,updated_at`

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                         domain.Task
		assignedBy                sql.NullInt64
		ackAt, startedAt, resolAt sql.NullString
	)
	err := row.Scan(&t.ID, &t.ReportID, &t.AssignedTo, &assignedBy, &t.Status, &t.Priority, &t.AssignedAt, &ackAt, &startedAt, &resolAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.AssignedBy = idPtr(assignedBy)
	t.AcknowledgedAt = stringPtr(ackAt)
	t.StartedAt = stringPtr(startedAt)
	t.ResolvedAt = stringPtr(resolAt)
	return t, nil
}

// TaskForReport returns the task bound to a report, or nil when none exists.
func (r Repo) TaskForReport(ctx context.Context, q Queryer, reportID int64) (*domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE report_id=?`+r.Dialect.ForUpdate()), reportID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertTask creates the report's task or replaces its mutable fields.
func (r Repo) UpsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO tasks(report_id,assigned_to,assigned_by,status,priority,assigned_at,acknowledged_at,started_at,resolved_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(report_id) DO UPDATE SET assigned_to=excluded.assigned_to, assigned_by=excluded.assigned_by, status=excluded.status, priority=excluded.priority,
assigned_at=excluded.assigned_at, acknowledged_at=excluded.acknowledged_at, started_at=excluded.started_at, resolved_at=excluded.resolved_at, updated_at=excluded.updated_at
RETURNING id`),
		t.ReportID, t.AssignedTo, nullableID(t.AssignedBy), string(t.Status), t.Priority, t.AssignedAt,
		nullableStringPtr(t.AcknowledgedAt), nullableStringPtr(t.StartedAt), nullableStringPtr(t.ResolvedAt), t.UpdatedAt).Scan(&t.ID)
	if err != nil {
		return t, fmt.Errorf("upsert task: %w", err)
	}
	return t, nil
}

// TaskFilters narrows ListTasks. OpenOnly keeps tasks that still count
// toward an officer's workload and is ignored when Status is set.
type TaskFilters struct {
	AssignedTo int64
	Status     domain.TaskStatus
	OpenOnly   bool
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.AssignedTo > 0 {
		query += ` AND assigned_to=?`
		args = append(args, f.AssignedTo)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, string(f.Status))
	} else if f.OpenOnly {
		query += ` AND status IN ('assigned','acknowledged','in_progress')`
	}
	query += ` ORDER BY priority DESC, assigned_at, id`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// OfficerLoads returns the open workload of every officer in a department, by user id.
func (r Repo) OfficerLoads(ctx context.Context, q Queryer, departmentID int64) ([]domain.OfficerLoad, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT u.id, COUNT(t.id), COALESCE(SUM(t.priority),0)
FROM users u
LEFT JOIN tasks t ON t.assigned_to=u.id AND t.status IN ('assigned','acknowledged','in_progress')
WHERE u.role='officer' AND u.department_id=?
GROUP BY u.id
ORDER BY u.id`), departmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var loads []domain.OfficerLoad
	for rows.Next() {
		var l domain.OfficerLoad
		if err := rows.Scan(&l.UserID, &l.OpenTasks, &l.OpenPrioritySum); err != nil {
			return nil, err
		}
		loads = append(loads, l)
	}
	return loads, rows.Err()
}
