package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/engine/auth"
	"civicflow/internal/history"
	"civicflow/internal/lifecycle"
	"civicflow/internal/notify"
	"civicflow/internal/repo"
	"civicflow/internal/telemetry"
)

const defaultPriority = 5

type Engine struct {
	DB              *sql.DB
	Repo            repo.Repo
	History         history.Writer
	Notifier        notify.Notifier
	Table           lifecycle.Table
	Log             zerolog.Logger
	Now             func() time.Time
	DefaultPriority int
	DefaultStrategy Strategy
}

func New(conn *sql.DB, dialect db.Dialect, notifier notify.Notifier, log zerolog.Logger) Engine {
	if notifier == nil {
		notifier = notify.LogNotifier{Log: log}
	}
	return Engine{
		DB:              conn,
		Repo:            repo.Repo{DB: conn, Dialect: dialect},
		History:         history.Writer{Dialect: dialect},
		Notifier:        notifier,
		Table:           lifecycle.Default(),
		Log:             log,
		Now:             time.Now,
		DefaultPriority: defaultPriority,
		DefaultStrategy: StrategyLeastBusy,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Snapshot is the state of a report right after a committed transition.
type Snapshot struct {
	Report  domain.Report             `json:"report"`
	Task    *domain.Task              `json:"task,omitempty"`
	From    domain.Status             `json:"from"`
	To      domain.Status             `json:"to"`
	History domain.StatusHistoryEntry `json:"history"`
}

// Execute moves a report to target on behalf of actor. Either every effect
// of the transition commits or none does; the notification is sent after
// commit and its failure does not undo the transition.
func (e Engine) Execute(ctx context.Context, reportID int64, target domain.Status, actor domain.Actor, payload lifecycle.Payload) (Snapshot, error) {
	return e.run(ctx, reportID, target, actor, payload, nil)
}

// ExecuteIntent runs Execute and records intentID as applied in the same
// transaction, so a replayed intent can never apply twice.
func (e Engine) ExecuteIntent(ctx context.Context, intentID string, reportID int64, target domain.Status, actor domain.Actor, payload lifecycle.Payload) (Snapshot, error) {
	if strings.TrimSpace(intentID) == "" {
		return Snapshot{}, errors.New("intent id required")
	}
	return e.run(ctx, reportID, target, actor, payload, func(tx *sql.Tx, at string) error {
		return e.Repo.InsertAppliedIntent(ctx, tx, repo.AppliedIntent{
			ID:        intentID,
			ReportID:  reportID,
			Target:    string(target),
			Outcome:   "applied",
			AppliedAt: at,
		})
	})
}

func (e Engine) run(ctx context.Context, reportID int64, target domain.Status, actor domain.Actor, payload lifecycle.Payload, within func(*sql.Tx, string) error) (Snapshot, error) {
	start := time.Now()
	rec, err := e.transition(ctx, reportID, target, actor, payload, within)
	telemetry.TransitionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if kind := KindOf(err); kind != "" {
			telemetry.TransitionFailures.WithLabelValues(string(kind)).Inc()
			ev := e.Log.Debug()
			if kind == KindPersistenceFailure || kind == KindConcurrentModification {
				ev = e.Log.Warn()
			}
			ev.Err(err).Int64("report_id", reportID).Str("to", string(target)).Str("kind", string(kind)).Msg("transition rejected")
		}
		return Snapshot{}, err
	}
	telemetry.Transitions.WithLabelValues(string(rec.From), string(rec.To)).Inc()
	e.Log.Info().
		Int64("report_id", reportID).
		Str("from", string(rec.From)).
		Str("to", string(rec.To)).
		Int64("actor_id", actor.ID).
		Msg("transition committed")
	e.Emit(ctx, rec)
	return Snapshot{Report: rec.Report, Task: rec.Task, From: rec.From, To: rec.To, History: rec.History}, nil
}

func (e Engine) transition(ctx context.Context, reportID int64, target domain.Status, actor domain.Actor, p lifecycle.Payload, within func(*sql.Tx, string) error) (TransitionRecord, error) {
	var rec TransitionRecord
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, storageError(domain.Report{ID: reportID}, target, err)
	}
	defer tx.Rollback()

	rep, err := e.Repo.LoadReportForUpdate(ctx, tx, reportID)
	if errors.Is(err, repo.ErrNotFound) {
		return rec, fmt.Errorf("report %d: %w", reportID, repo.ErrNotFound)
	}
	if err != nil {
		return rec, storageError(domain.Report{ID: reportID}, target, err)
	}
	fail := func(kind Kind, reason string) *TransitionError {
		return &TransitionError{Kind: kind, ReportID: rep.ID, From: rep.Status, To: target, Reason: reason}
	}

	if !target.Valid() {
		return rec, fail(KindIllegalTransition, fmt.Sprintf("unknown status %q", target))
	}
	if target == rep.Status {
		return rec, fail(KindIllegalTransition, "report is already in this status")
	}
	edge, ok := e.Table.Lookup(rep.Status, target)
	if !ok {
		return rec, fail(KindIllegalTransition, "")
	}

	task, err := e.Repo.TaskForReport(ctx, tx, rep.ID)
	if err != nil {
		return rec, storageError(rep, target, err)
	}
	if !edge.Permits(actor, rep, task) {
		return rec, fail(KindUnauthorized, fmt.Sprintf("requires %s", describeEdgeActors(edge)))
	}
	if f, missing := edge.Missing(p); missing {
		te := fail(KindMissingField, "")
		te.Field = f
		return rec, te
	}
	if err := lifecycle.ValidatePayload(edge, p); err != nil {
		te := fail(KindInvalidField, err.Error())
		var fe lifecycle.FieldError
		if errors.As(err, &fe) {
			te.Field = fe.Field
			te.Reason = fe.Reason
		}
		return rec, te
	}

	if edge.Guard != nil {
		in := lifecycle.GuardInput{
			Target:    target,
			Report:    rep,
			Task:      task,
			Payload:   p,
			Directory: repo.Directory{Repo: e.Repo, Tx: tx},
		}
		if in.Appeals, err = e.Repo.ListAppeals(ctx, tx, rep.ID); err != nil {
			return rec, storageError(rep, target, err)
		}
		if in.Escalations, err = e.Repo.ListEscalations(ctx, tx, rep.ID); err != nil {
			return rec, storageError(rep, target, err)
		}
		if rep.Status == domain.StatusOnHold {
			if in.HeldFrom, err = e.History.HeldFrom(ctx, tx, rep.ID); err != nil {
				return rec, storageError(rep, target, err)
			}
		}
		if err := edge.Guard(ctx, in); err != nil {
			var v lifecycle.Violation
			if errors.As(err, &v) {
				return rec, fail(KindGuardFailed, v.Reason)
			}
			return rec, storageError(rep, target, err)
		}
	}

	at := e.stamp()
	next := mutate(rep, edge, p, at)
	saved, err := e.Repo.SaveReport(ctx, tx, next)
	if errors.Is(err, repo.ErrStaleVersion) {
		return rec, fail(KindConcurrentModification, "")
	}
	if err != nil {
		return rec, storageError(rep, target, err)
	}

	rec = TransitionRecord{
		Report:    saved,
		From:      rep.Status,
		To:        target,
		Actor:     actor,
		Notes:     p.Notes,
		At:        at,
		Task:      task,
		Notify:    edge.Effects.Notify,
		Recipient: edge.Effects.Recipient,
		Delta:     TaskDelta{Effect: edge.Effects.Task, Status: edge.Effects.TaskStatus},
	}
	if edge.Effects.Task == lifecycle.TaskAssign {
		rec.Delta.OfficerID = *p.OfficerUserID
		rec.Delta.Priority = e.priority(p.Priority, task)
	}
	if err := e.apply(ctx, tx, &rec); err != nil {
		return TransitionRecord{}, storageError(rep, target, err)
	}
	if err := lifecycle.CheckCoupling(saved.Status, rec.Task); err != nil {
		return TransitionRecord{}, fail(KindGuardFailed, err.Error())
	}
	if within != nil {
		if err := within(tx, at); err != nil {
			return TransitionRecord{}, storageError(rep, target, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return TransitionRecord{}, storageError(rep, target, err)
	}
	return rec, nil
}

// mutate applies the status change and the payload's column writes.
func mutate(rep domain.Report, edge lifecycle.Edge, p lifecycle.Payload, at string) domain.Report {
	next := rep
	next.Status = edge.To
	next.StatusUpdatedAt = at
	notes := strings.TrimSpace(p.Notes)
	switch edge.To {
	case domain.StatusRejected:
		next.RejectionReason = notes
	case domain.StatusOnHold:
		next.HoldReason = notes
	case domain.StatusDuplicate:
		next.IsDuplicate = true
		dup := *p.DuplicateOfReportID
		next.DuplicateOfReportID = &dup
	case domain.StatusAssignedToDepartment:
		if p.DepartmentID != nil {
			dep := *p.DepartmentID
			next.DepartmentID = &dep
		}
	case domain.StatusClassified:
		if edge.From == domain.StatusPendingClassification {
			next.Category = strings.TrimSpace(p.Category)
			next.SubCategory = strings.TrimSpace(p.SubCategory)
			sev := domain.Severity(strings.ToLower(strings.TrimSpace(p.Severity)))
			next.Severity = &sev
		}
	}
	if edge.From == domain.StatusOnHold {
		next.HoldReason = ""
	}
	return next
}

func (e Engine) priority(requested *int, task *domain.Task) int {
	if requested != nil {
		return *requested
	}
	if task != nil && task.Priority > 0 {
		return task.Priority
	}
	if e.DefaultPriority > 0 {
		return e.DefaultPriority
	}
	return defaultPriority
}

func describeEdgeActors(edge lifecycle.Edge) string {
	desc := auth.Describe(edge.Roles)
	if edge.AssigneeOnly {
		desc += " (officers must be the assignee)"
	}
	if edge.CreatorOnly {
		desc += " (citizens must be the creator)"
	}
	return desc
}

// NewReport is a citizen submission.
type NewReport struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// CreateReport stores a report in received and writes its first history entry.
func (e Engine) CreateReport(ctx context.Context, actor domain.Actor, in NewReport) (domain.Report, error) {
	switch actor.Role {
	case domain.RoleCitizen, domain.RoleAdmin, domain.RoleSystem:
	default:
		return domain.Report{}, &TransitionError{Kind: KindUnauthorized, To: domain.StatusReceived, Reason: "requires citizen or admin"}
	}
	if strings.TrimSpace(in.Title) == "" {
		return domain.Report{}, &TransitionError{Kind: KindMissingField, To: domain.StatusReceived, Field: "title"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, storageError(domain.Report{}, domain.StatusReceived, err)
	}
	defer tx.Rollback()

	at := e.stamp()
	rep, err := e.Repo.InsertReport(ctx, tx, domain.Report{
		Title:           strings.TrimSpace(in.Title),
		Description:     strings.TrimSpace(in.Description),
		CreatedBy:       actor.UserID(),
		Status:          domain.StatusReceived,
		StatusUpdatedAt: at,
		CreatedAt:       at,
	})
	if err != nil {
		return domain.Report{}, storageError(domain.Report{}, domain.StatusReceived, err)
	}
	if _, err := e.History.Append(ctx, tx, domain.StatusHistoryEntry{
		ReportID:        rep.ID,
		NewStatus:       domain.StatusReceived,
		ChangedByUserID: actor.UserID(),
		Notes:           "report submitted",
		ChangedAt:       at,
	}); err != nil {
		return domain.Report{}, storageError(rep, domain.StatusReceived, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, storageError(rep, domain.StatusReceived, err)
	}
	e.Log.Info().Int64("report_id", rep.ID).Str("report_number", rep.ReportNumber).Msg("report created")
	return rep, nil
}

// ReportView is a report with its task.
type ReportView struct {
	Report domain.Report `json:"report"`
	Task   *domain.Task  `json:"task,omitempty"`
}

func (e Engine) GetReport(ctx context.Context, reportID int64) (ReportView, error) {
	rep, err := e.Repo.GetReport(ctx, reportID)
	if err != nil {
		return ReportView{}, err
	}
	task, err := e.Repo.TaskForReport(ctx, e.DB, reportID)
	if err != nil {
		return ReportView{}, err
	}
	return ReportView{Report: rep, Task: task}, nil
}

// StatusHistory returns every status change of a report, oldest first.
func (e Engine) StatusHistory(ctx context.Context, reportID int64) ([]domain.StatusHistoryEntry, error) {
	if _, err := e.Repo.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	return e.History.List(ctx, e.DB, reportID)
}

// AvailableActions lists the transitions actor may attempt from the report's
// current status.
func (e Engine) AvailableActions(ctx context.Context, reportID int64, actor domain.Actor) ([]lifecycle.Action, error) {
	view, err := e.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return e.Table.Available(actor, view.Report, view.Task), nil
}
