package lifecycle

import (
	"fmt"

	"civicflow/internal/domain"
)

// officerStage maps report statuses that require a task to the furthest task
// progress they allow.
var officerStage = map[domain.Status]int{
	domain.StatusAssignedToOfficer:   0,
	domain.StatusAssignmentRejected:  0,
	domain.StatusAcknowledged:        1,
	domain.StatusReopened:            1,
	domain.StatusInProgress:          2,
	domain.StatusPendingVerification: 2,
	domain.StatusResolved:            3,
	domain.StatusClosed:              3,
}

var taskStage = map[domain.TaskStatus]int{
	domain.TaskAssigned:     0,
	domain.TaskAcknowledged: 1,
	domain.TaskInProgress:   2,
	domain.TaskResolved:     3,
}

// RequiresTask reports whether a report in s must have a task row.
func RequiresTask(s domain.Status) bool {
	_, ok := officerStage[s]
	return ok
}

// CheckCoupling verifies that task never runs ahead of a report in status.
// Reports on hold keep whatever task they had; rejected and duplicate
// reports may not leave a task open.
func CheckCoupling(status domain.Status, task *domain.Task) error {
	limit, banded := officerStage[status]
	if !banded {
		switch status {
		case domain.StatusOnHold:
			return nil
		case domain.StatusRejected, domain.StatusDuplicate:
			if task != nil && task.Status.Open() {
				return fmt.Errorf("report in %s cannot keep an open task", status)
			}
			return nil
		}
		if task != nil && task.Status != domain.TaskRejected {
			return fmt.Errorf("report in %s cannot keep an active task", status)
		}
		return nil
	}
	if task == nil {
		return fmt.Errorf("report in %s requires a task", status)
	}
	if task.Status == domain.TaskRejected {
		if status != domain.StatusAssignmentRejected {
			return fmt.Errorf("report in %s cannot have a rejected task", status)
		}
		return nil
	}
	if status == domain.StatusAssignmentRejected {
		return fmt.Errorf("report in %s requires a rejected task", status)
	}
	if taskStage[task.Status] > limit {
		return fmt.Errorf("task %s is ahead of report %s", task.Status, status)
	}
	return nil
}
