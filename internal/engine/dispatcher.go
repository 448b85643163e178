package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"civicflow/internal/domain"
	"civicflow/internal/lifecycle"
	"civicflow/internal/notify"
	"civicflow/internal/telemetry"
)

// TaskDelta is the task change a transition declares.
type TaskDelta struct {
	Effect    lifecycle.TaskEffect
	Status    domain.TaskStatus
	OfficerID int64
	Priority  int
}

// TransitionRecord is everything the dispatcher needs to apply and announce
// one committed transition.
type TransitionRecord struct {
	Report    domain.Report
	From      domain.Status
	To        domain.Status
	Actor     domain.Actor
	Notes     string
	At        string
	Delta     TaskDelta
	Task      *domain.Task
	Notify    lifecycle.NotificationKind
	Recipient lifecycle.Recipient
	History   domain.StatusHistoryEntry
}

// apply writes the history row and the task delta inside tx.
func (e Engine) apply(ctx context.Context, tx *sql.Tx, rec *TransitionRecord) error {
	from := rec.From
	entry, err := e.History.Append(ctx, tx, domain.StatusHistoryEntry{
		ReportID:        rec.Report.ID,
		OldStatus:       &from,
		NewStatus:       rec.To,
		ChangedByUserID: rec.Actor.UserID(),
		Notes:           strings.TrimSpace(rec.Notes),
		ChangedAt:       rec.At,
	})
	if err != nil {
		return err
	}
	rec.History = entry

	switch rec.Delta.Effect {
	case lifecycle.TaskUnchanged:
		return nil
	case lifecycle.TaskAssign:
		t := domain.Task{ReportID: rec.Report.ID}
		if rec.Task != nil {
			t = *rec.Task
		}
		t.AssignedTo = rec.Delta.OfficerID
		t.AssignedBy = rec.Actor.UserID()
		t.Status = domain.TaskAssigned
		t.Priority = rec.Delta.Priority
		t.AssignedAt = rec.At
		t.AcknowledgedAt = nil
		t.StartedAt = nil
		t.ResolvedAt = nil
		t.UpdatedAt = rec.At
		saved, err := e.Repo.UpsertTask(ctx, tx, t)
		if err != nil {
			return err
		}
		rec.Task = &saved
		return nil
	case lifecycle.TaskSetStatus:
		if rec.Task == nil {
			return fmt.Errorf("report %d has no task to move to %s", rec.Report.ID, rec.Delta.Status)
		}
		t := *rec.Task
		at := rec.At
		t.Status = rec.Delta.Status
		switch rec.Delta.Status {
		case domain.TaskAcknowledged:
			t.AcknowledgedAt = &at
			t.StartedAt = nil
			t.ResolvedAt = nil
		case domain.TaskInProgress:
			if t.StartedAt == nil {
				t.StartedAt = &at
			}
		case domain.TaskResolved:
			t.ResolvedAt = &at
		}
		t.UpdatedAt = at
		saved, err := e.Repo.UpsertTask(ctx, tx, t)
		if err != nil {
			return err
		}
		rec.Task = &saved
		return nil
	case lifecycle.TaskClose:
		if rec.Task == nil || !rec.Task.Status.Open() {
			return nil
		}
		t := *rec.Task
		t.Status = domain.TaskRejected
		t.UpdatedAt = rec.At
		saved, err := e.Repo.UpsertTask(ctx, tx, t)
		if err != nil {
			return err
		}
		rec.Task = &saved
		return nil
	}
	return fmt.Errorf("unknown task effect %d", rec.Delta.Effect)
}

// Emit hands the transition's notification to the notifier. It runs after
// commit and never fails the transition.
func (e Engine) Emit(ctx context.Context, rec TransitionRecord) {
	if rec.Notify == lifecycle.NotifyNone || e.Notifier == nil {
		return
	}
	evt := notify.Event{
		ID:           notify.NewEventID(),
		Kind:         string(rec.Notify),
		ReportID:     rec.Report.ID,
		ReportNumber: rec.Report.ReportNumber,
		Recipient:    string(rec.Recipient),
		Context: map[string]any{
			"from":   string(rec.From),
			"to":     string(rec.To),
			"title":  rec.Report.Title,
			"status": rec.To.Label(),
		},
		CreatedAt: rec.At,
	}
	if notes := strings.TrimSpace(rec.Notes); notes != "" {
		evt.Context["notes"] = notes
	}
	switch rec.Recipient {
	case lifecycle.RecipientCreator:
		evt.RecipientUserID = rec.Report.CreatedBy
	case lifecycle.RecipientAssignedOfficer:
		if rec.Task != nil {
			id := rec.Task.AssignedTo
			evt.RecipientUserID = &id
		}
	case lifecycle.RecipientDepartment:
		evt.DepartmentID = rec.Report.DepartmentID
	}
	if err := e.Notifier.Enqueue(context.WithoutCancel(ctx), evt); err != nil {
		telemetry.NotificationFailures.Inc()
		e.Log.Warn().Err(err).
			Int64("report_id", rec.Report.ID).
			Str("kind", evt.Kind).
			Msg("notification enqueue failed")
		return
	}
	telemetry.NotificationsQueued.Inc()
}
