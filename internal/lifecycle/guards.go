package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"civicflow/internal/domain"
)

// Directory resolves the records guards look up by id. Lookups return nil
// when the record does not exist.
type Directory interface {
	Department(ctx context.Context, id int64) (*domain.Department, error)
	User(ctx context.Context, id int64) (*domain.User, error)
	Report(ctx context.Context, id int64) (*domain.Report, error)
}

// GuardInput is the state a guard is evaluated against, loaded under the report lock.
type GuardInput struct {
	Target      domain.Status
	Report      domain.Report
	Task        *domain.Task
	Appeals     []domain.Appeal
	Escalations []domain.Escalation
	// HeldFrom is the status the report left when it was put on hold.
	HeldFrom  *domain.Status
	Payload   Payload
	Directory Directory
}

// Violation is a failed precondition.
type Violation struct {
	Reason string
}

func (v Violation) Error() string { return v.Reason }

// FieldError reports a present but malformed payload value.
type FieldError struct {
	Field  Field
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidatePayload checks the values the edge will write.
func ValidatePayload(e Edge, p Payload) error {
	for _, f := range e.Required {
		if f == FieldSeverity && !domain.Severity(strings.ToLower(strings.TrimSpace(p.Severity))).Valid() {
			return FieldError{Field: FieldSeverity, Reason: "must be one of low, medium, high, critical"}
		}
	}
	if e.Effects.Task == TaskAssign && p.Priority != nil {
		if *p.Priority < 1 || *p.Priority > 10 {
			return FieldError{Field: FieldPriority, Reason: "must be between 1 and 10"}
		}
	}
	return nil
}

func all(guards ...Guard) Guard {
	return func(ctx context.Context, in GuardInput) error {
		for _, g := range guards {
			if err := g(ctx, in); err != nil {
				return err
			}
		}
		return nil
	}
}

func taskBound(_ context.Context, in GuardInput) error {
	if in.Task == nil {
		return Violation{Reason: "no task is bound to this report"}
	}
	return nil
}

func departmentExists(ctx context.Context, in GuardInput) error {
	dep, err := in.Directory.Department(ctx, *in.Payload.DepartmentID)
	if err != nil {
		return err
	}
	if dep == nil {
		return Violation{Reason: fmt.Sprintf("department %d does not exist", *in.Payload.DepartmentID)}
	}
	return nil
}

func officerAssignable(ctx context.Context, in GuardInput) error {
	if in.Report.DepartmentID == nil {
		return Violation{Reason: "department must be assigned before officer assignment"}
	}
	officerID := *in.Payload.OfficerUserID
	u, err := in.Directory.User(ctx, officerID)
	if err != nil {
		return err
	}
	if u == nil || u.Role != domain.RoleOfficer {
		return Violation{Reason: fmt.Sprintf("user %d is not an officer", officerID)}
	}
	if u.DepartmentID != nil && *u.DepartmentID != *in.Report.DepartmentID {
		return Violation{Reason: fmt.Sprintf("officer %d does not belong to department %d", officerID, *in.Report.DepartmentID)}
	}
	return nil
}

func duplicateTargetValid(ctx context.Context, in GuardInput) error {
	targetID := *in.Payload.DuplicateOfReportID
	if targetID == in.Report.ID {
		return Violation{Reason: "a report cannot duplicate itself"}
	}
	target, err := in.Directory.Report(ctx, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		return Violation{Reason: fmt.Sprintf("report %d does not exist", targetID)}
	}
	if target.IsDuplicate {
		return Violation{Reason: fmt.Sprintf("report %d is itself a duplicate", targetID)}
	}
	return nil
}

func noOpenAppeals(_ context.Context, in GuardInput) error {
	for _, a := range in.Appeals {
		if a.Status.Open() {
			return Violation{Reason: fmt.Sprintf("appeal %d must be decided first", a.ID)}
		}
	}
	return nil
}

// reopenBacked requires an appeal or escalation approved since the report was resolved.
func reopenBacked(_ context.Context, in GuardInput) error {
	since := in.Report.StatusUpdatedAt
	for _, a := range in.Appeals {
		if a.Status == domain.AppealApproved && a.ResolvedAt != nil && *a.ResolvedAt >= since {
			return nil
		}
	}
	for _, e := range in.Escalations {
		if e.Status == domain.EscalationApproved && e.DecidedAt != nil && *e.DecidedAt >= since {
			return nil
		}
	}
	return Violation{Reason: "reopening requires an approved appeal or escalation"}
}

func resumesHeldStatus(_ context.Context, in GuardInput) error {
	if in.HeldFrom == nil {
		return Violation{Reason: "hold origin is unknown"}
	}
	if *in.HeldFrom != in.Target {
		return Violation{Reason: fmt.Sprintf("report must resume to %s", *in.HeldFrom)}
	}
	return nil
}

func nonBlank(s string) bool {
	return strings.TrimSpace(s) != ""
}
