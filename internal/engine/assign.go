package engine

import (
	"context"
	"fmt"
	"strings"

	"civicflow/internal/domain"
	"civicflow/internal/lifecycle"
)

// Strategy picks an officer for auto-assignment.
type Strategy string

const (
	// StrategyLeastBusy picks the officer with the fewest open tasks.
	StrategyLeastBusy Strategy = "least_busy"
	// StrategyBalanced weighs open tasks by priority.
	StrategyBalanced Strategy = "balanced"
)

func ParseStrategy(v string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(v))); s {
	case StrategyLeastBusy, StrategyBalanced:
		return s, nil
	case "":
		return StrategyLeastBusy, nil
	}
	return "", fmt.Errorf("%w: unknown assignment strategy %q", ErrInvalidRequest, v)
}

// PickOfficer returns the officer to assign. Ties go to the lowest user id.
func PickOfficer(loads []domain.OfficerLoad, strategy Strategy, exclude int64) (int64, bool) {
	var (
		best  domain.OfficerLoad
		found bool
	)
	score := func(l domain.OfficerLoad) int {
		if strategy == StrategyBalanced {
			return l.OpenPrioritySum
		}
		return l.OpenTasks
	}
	for _, l := range loads {
		if l.UserID == exclude {
			continue
		}
		if !found || score(l) < score(best) || (score(l) == score(best) && l.UserID < best.UserID) {
			best = l
			found = true
		}
	}
	return best.UserID, found
}

// AutoAssignOptions configure AutoAssign. A zero Strategy uses the engine default.
type AutoAssignOptions struct {
	Strategy Strategy
	Priority *int
	Notes    string
}

// AutoAssign chooses an officer from the report's department and assigns it
// through Execute. An officer who rejected the assignment is not picked again.
func (e Engine) AutoAssign(ctx context.Context, reportID int64, actor domain.Actor, opts AutoAssignOptions) (Snapshot, error) {
	view, err := e.GetReport(ctx, reportID)
	if err != nil {
		return Snapshot{}, err
	}
	rep := view.Report
	fail := func(kind Kind, reason string) (Snapshot, error) {
		return Snapshot{}, &TransitionError{Kind: kind, ReportID: rep.ID, From: rep.Status, To: domain.StatusAssignedToOfficer, Reason: reason}
	}
	if _, ok := e.Table.Lookup(rep.Status, domain.StatusAssignedToOfficer); !ok {
		return fail(KindIllegalTransition, "")
	}
	if rep.DepartmentID == nil {
		return fail(KindGuardFailed, "department must be assigned before officer assignment")
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = e.DefaultStrategy
	}
	loads, err := e.Repo.OfficerLoads(ctx, e.DB, *rep.DepartmentID)
	if err != nil {
		return Snapshot{}, storageError(rep, domain.StatusAssignedToOfficer, err)
	}
	var exclude int64
	if view.Task != nil && view.Task.Status == domain.TaskRejected {
		exclude = view.Task.AssignedTo
	}
	officer, ok := PickOfficer(loads, strategy, exclude)
	if !ok {
		return fail(KindGuardFailed, fmt.Sprintf("no officer available in department %d", *rep.DepartmentID))
	}
	e.Log.Debug().Int64("report_id", rep.ID).Int64("officer_id", officer).Str("strategy", string(strategy)).Msg("auto-assign picked officer")
	return e.Execute(ctx, reportID, domain.StatusAssignedToOfficer, actor, lifecycle.Payload{
		OfficerUserID: &officer,
		Priority:      opts.Priority,
		Notes:         opts.Notes,
	})
}
