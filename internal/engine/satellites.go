package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"civicflow/internal/domain"
	"civicflow/internal/engine/auth"
	"civicflow/internal/repo"
)

// Appeals and escalations are records the transition guards read. They lock
// the report row so a decision cannot race a resolve or close. Decisions read
// the record again once the lock is held; the first read only finds the report.

func (e Engine) lockReport(ctx context.Context, tx *sql.Tx, reportID int64) (domain.Report, error) {
	rep, err := e.Repo.LoadReportForUpdate(ctx, tx, reportID)
	if errors.Is(err, repo.ErrNotFound) {
		return rep, fmt.Errorf("report %d: %w", reportID, repo.ErrNotFound)
	}
	return rep, err
}

// FileAppeal records a citizen or admin appeal against a report decision.
func (e Engine) FileAppeal(ctx context.Context, actor domain.Actor, reportID int64, kind domain.AppealKind, reason string) (domain.Appeal, error) {
	if err := auth.Require(actor, "file appeals", domain.RoleCitizen, domain.RoleAdmin); err != nil {
		return domain.Appeal{}, err
	}
	switch kind {
	case domain.AppealClassification, domain.AppealAssignment, domain.AppealResolution, domain.AppealRework:
	default:
		return domain.Appeal{}, fmt.Errorf("%w: unknown appeal kind %q", ErrInvalidRequest, kind)
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Appeal{}, fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}
	if actor.UserID() == nil {
		return domain.Appeal{}, fmt.Errorf("%w: appeals must be filed by a user", ErrInvalidRequest)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Appeal{}, err
	}
	defer tx.Rollback()
	rep, err := e.lockReport(ctx, tx, reportID)
	if err != nil {
		return domain.Appeal{}, err
	}
	if err := auth.RequireOwner(actor, "appeal this report", rep.CreatedBy); err != nil {
		return domain.Appeal{}, err
	}
	if rep.Status.Terminal() {
		return domain.Appeal{}, fmt.Errorf("%w: report %d is %s and cannot be appealed", ErrConflict, rep.ID, rep.Status)
	}
	a, err := e.Repo.InsertAppeal(ctx, tx, domain.Appeal{
		ReportID:  rep.ID,
		FiledBy:   actor.ID,
		Kind:      kind,
		Status:    domain.AppealSubmitted,
		Reason:    strings.TrimSpace(reason),
		CreatedAt: e.stamp(),
	})
	if err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	e.Log.Info().Int64("report_id", rep.ID).Int64("appeal_id", a.ID).Str("kind", string(kind)).Msg("appeal filed")
	return a, nil
}

// DecideAppeal moves an open appeal to under_review, approved, rejected or
// withdrawn. Only the filer may withdraw.
func (e Engine) DecideAppeal(ctx context.Context, actor domain.Actor, appealID int64, decision domain.AppealStatus) (domain.Appeal, error) {
	switch decision {
	case domain.AppealWithdrawn:
	case domain.AppealUnderReview, domain.AppealApproved, domain.AppealRejected:
		if err := auth.Require(actor, "decide appeals", domain.RoleAdmin, domain.RoleAuditor); err != nil {
			return domain.Appeal{}, err
		}
	default:
		return domain.Appeal{}, fmt.Errorf("%w: unknown appeal decision %q", ErrInvalidRequest, decision)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Appeal{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAppealTx(ctx, tx, appealID)
	if err != nil {
		return a, err
	}
	if _, err := e.lockReport(ctx, tx, a.ReportID); err != nil {
		return a, err
	}
	if a, err = e.Repo.GetAppealTx(ctx, tx, appealID); err != nil {
		return a, err
	}
	if decision == domain.AppealWithdrawn && a.FiledBy != actor.ID {
		return a, auth.ForbiddenError{Action: "withdraw another user's appeal", Role: actor.Role}
	}
	if !a.Status.Open() {
		return a, fmt.Errorf("%w: appeal %d is already %s", ErrConflict, a.ID, a.Status)
	}
	if a.Status == decision {
		return a, fmt.Errorf("%w: appeal %d is already %s", ErrConflict, a.ID, a.Status)
	}
	a.Status = decision
	if !decision.Open() {
		at := e.stamp()
		a.ResolvedAt = &at
	}
	if err := e.Repo.UpdateAppealStatus(ctx, tx, a.ID, a.Status, a.ResolvedAt); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	e.Log.Info().Int64("report_id", a.ReportID).Int64("appeal_id", a.ID).Str("status", string(a.Status)).Msg("appeal decided")
	return a, nil
}

// Escalate raises a report one level above its last escalation.
func (e Engine) Escalate(ctx context.Context, actor domain.Actor, reportID int64, reason string) (domain.Escalation, error) {
	if err := auth.Require(actor, "escalate reports", domain.RoleCitizen, domain.RoleOfficer, domain.RoleAdmin, domain.RoleSystem); err != nil {
		return domain.Escalation{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Escalation{}, fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()
	rep, err := e.lockReport(ctx, tx, reportID)
	if err != nil {
		return domain.Escalation{}, err
	}
	if actor.Role == domain.RoleCitizen {
		if err := auth.RequireOwner(actor, "escalate this report", rep.CreatedBy); err != nil {
			return domain.Escalation{}, err
		}
	}
	if rep.Status.Terminal() {
		return domain.Escalation{}, fmt.Errorf("%w: report %d is %s and cannot be escalated", ErrConflict, rep.ID, rep.Status)
	}
	level, err := e.Repo.MaxEscalationLevel(ctx, tx, rep.ID)
	if err != nil {
		return domain.Escalation{}, err
	}
	esc, err := e.Repo.InsertEscalation(ctx, tx, domain.Escalation{
		ReportID:    rep.ID,
		Level:       level + 1,
		Reason:      strings.TrimSpace(reason),
		EscalatedBy: actor.UserID(),
		Status:      domain.EscalationOpen,
		CreatedAt:   e.stamp(),
	})
	if err != nil {
		return esc, err
	}
	if err := tx.Commit(); err != nil {
		return esc, err
	}
	e.Log.Info().Int64("report_id", rep.ID).Int("level", esc.Level).Msg("report escalated")
	return esc, nil
}

// DecideEscalation approves or dismisses an open escalation.
func (e Engine) DecideEscalation(ctx context.Context, actor domain.Actor, escalationID int64, approve bool) (domain.Escalation, error) {
	if err := auth.Require(actor, "decide escalations", domain.RoleAdmin); err != nil {
		return domain.Escalation{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()
	esc, err := e.Repo.GetEscalationTx(ctx, tx, escalationID)
	if err != nil {
		return esc, err
	}
	if _, err := e.lockReport(ctx, tx, esc.ReportID); err != nil {
		return esc, err
	}
	if esc, err = e.Repo.GetEscalationTx(ctx, tx, escalationID); err != nil {
		return esc, err
	}
	if esc.Status != domain.EscalationOpen {
		return esc, fmt.Errorf("%w: escalation %d is already %s", ErrConflict, esc.ID, esc.Status)
	}
	esc.Status = domain.EscalationDismissed
	if approve {
		esc.Status = domain.EscalationApproved
	}
	at := e.stamp()
	esc.DecidedAt = &at
	if err := e.Repo.UpdateEscalationStatus(ctx, tx, esc.ID, esc.Status, esc.DecidedAt); err != nil {
		return esc, err
	}
	if err := tx.Commit(); err != nil {
		return esc, err
	}
	e.Log.Info().Int64("report_id", esc.ReportID).Int64("escalation_id", esc.ID).Str("status", string(esc.Status)).Msg("escalation decided")
	return esc, nil
}

// ListAppeals returns a report's appeals, oldest first.
func (e Engine) ListAppeals(ctx context.Context, reportID int64) ([]domain.Appeal, error) {
	if _, err := e.Repo.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	return e.Repo.ListAppeals(ctx, e.DB, reportID)
}

// ListEscalations returns a report's escalations, oldest first.
func (e Engine) ListEscalations(ctx context.Context, reportID int64) ([]domain.Escalation, error) {
	if _, err := e.Repo.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	return e.Repo.ListEscalations(ctx, e.DB, reportID)
}
