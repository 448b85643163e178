package lifecycle_test

import (
	"testing"

	"civicflow/internal/domain"
	"civicflow/internal/lifecycle"
)

func TestEveryStatusReachableFromReceived(t *testing.T) {
	table := lifecycle.Default()
	reach := table.Reachable()
	for _, s := range domain.Statuses {
		if !reach[s] {
			t.Fatalf("status %s unreachable from received", s)
		}
	}
}

func TestNoSelfLoopsAndTerminalsAreClosed(t *testing.T) {
	table := lifecycle.Default()
	for _, e := range table.Edges() {
		if e.From == e.To {
			t.Fatalf("self loop on %s", e.From)
		}
		if len(e.Roles) == 0 {
			t.Fatalf("edge %s -> %s has no roles", e.From, e.To)
		}
	}
	for _, s := range domain.Statuses {
		next := table.Next(s)
		if s.Terminal() && len(next) > 0 {
			t.Fatalf("terminal %s has exits %v", s, next)
		}
		if !s.Terminal() && len(next) == 0 {
			t.Fatalf("non-terminal %s has no exits", s)
		}
		if _, ok := table.Lookup(s, s); ok {
			t.Fatalf("lookup allowed self loop on %s", s)
		}
	}
}

func TestLabel(t *testing.T) {
	if got := domain.StatusPendingClassification.Label(); got != "Pending Classification" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := domain.StatusOnHold.Label(); got != "On Hold" {
		t.Fatalf("unexpected label %q", got)
	}
	if _, err := domain.ParseStatus("IN_PROGRESS"); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := domain.ParseStatus("in progress"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestPermitsAssigneeAndCreator(t *testing.T) {
	table := lifecycle.Default()
	creator := int64(11)
	report := domain.Report{ID: 1, Status: domain.StatusAssignedToOfficer, CreatedBy: &creator}
	task := &domain.Task{ReportID: 1, AssignedTo: 7, Status: domain.TaskAssigned}

	ack, ok := table.Lookup(domain.StatusAssignedToOfficer, domain.StatusAcknowledged)
	if !ok {
		t.Fatalf("missing acknowledge edge")
	}
	if !ack.Permits(domain.Actor{ID: 7, Role: domain.RoleOfficer}, report, task) {
		t.Fatalf("assignee should be permitted")
	}
	if ack.Permits(domain.Actor{ID: 8, Role: domain.RoleOfficer}, report, task) {
		t.Fatalf("other officer should not be permitted")
	}
	if ack.Permits(domain.Actor{ID: 1, Role: domain.RoleAdmin}, report, task) {
		t.Fatalf("admin cannot acknowledge for the officer")
	}

	report.Status = domain.StatusResolved
	reopen, _ := table.Lookup(domain.StatusResolved, domain.StatusReopened)
	if !reopen.Permits(domain.Actor{ID: 11, Role: domain.RoleCitizen}, report, task) {
		t.Fatalf("creator should be permitted to reopen")
	}
	if reopen.Permits(domain.Actor{ID: 12, Role: domain.RoleCitizen}, report, task) {
		t.Fatalf("other citizen should not reopen")
	}
}

func TestAvailableActions(t *testing.T) {
	table := lifecycle.Default()
	report := domain.Report{ID: 1, Status: domain.StatusReceived}
	admin := table.Available(domain.Actor{ID: 1, Role: domain.RoleAdmin}, report, nil)
	if len(admin) != 3 {
		t.Fatalf("expected 3 admin actions from received, got %+v", admin)
	}
	citizen := table.Available(domain.Actor{ID: 2, Role: domain.RoleCitizen}, report, nil)
	if len(citizen) != 0 {
		t.Fatalf("expected no citizen actions, got %+v", citizen)
	}
}

func TestValidatePayload(t *testing.T) {
	table := lifecycle.Default()
	classify, _ := table.Lookup(domain.StatusPendingClassification, domain.StatusClassified)
	if err := lifecycle.ValidatePayload(classify, lifecycle.Payload{Category: "roads", Severity: "urgent"}); err == nil {
		t.Fatalf("expected invalid severity")
	}
	if err := lifecycle.ValidatePayload(classify, lifecycle.Payload{Category: "roads", Severity: "High"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assign, _ := table.Lookup(domain.StatusAssignedToDepartment, domain.StatusAssignedToOfficer)
	prio := 11
	if err := lifecycle.ValidatePayload(assign, lifecycle.Payload{Priority: &prio}); err == nil {
		t.Fatalf("expected priority out of range")
	}
}

func TestCheckCoupling(t *testing.T) {
	cases := []struct {
		status domain.Status
		task   *domain.Task
		ok     bool
	}{
		{domain.StatusClassified, nil, true},
		{domain.StatusAssignedToOfficer, nil, false},
		{domain.StatusAssignedToOfficer, &domain.Task{Status: domain.TaskAssigned}, true},
		{domain.StatusAssignedToOfficer, &domain.Task{Status: domain.TaskAcknowledged}, false},
		{domain.StatusAcknowledged, &domain.Task{Status: domain.TaskAcknowledged}, true},
		{domain.StatusPendingVerification, &domain.Task{Status: domain.TaskResolved}, false},
		{domain.StatusResolved, &domain.Task{Status: domain.TaskResolved}, true},
		{domain.StatusAssignmentRejected, &domain.Task{Status: domain.TaskRejected}, true},
		{domain.StatusAssignedToDepartment, &domain.Task{Status: domain.TaskRejected}, true},
		{domain.StatusAssignedToDepartment, &domain.Task{Status: domain.TaskAssigned}, false},
		{domain.StatusOnHold, &domain.Task{Status: domain.TaskInProgress}, true},
		{domain.StatusRejected, nil, true},
		{domain.StatusRejected, &domain.Task{Status: domain.TaskRejected}, true},
		{domain.StatusRejected, &domain.Task{Status: domain.TaskInProgress}, false},
		{domain.StatusDuplicate, &domain.Task{Status: domain.TaskAssigned}, false},
	}
	for _, c := range cases {
		err := lifecycle.CheckCoupling(c.status, c.task)
		if c.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", c.status, err)
		}
		if !c.ok && err == nil {
			t.Fatalf("%s with %+v: expected coupling error", c.status, c.task)
		}
	}
}

func TestTerminalRejectionsCloseTasks(t *testing.T) {
	table := lifecycle.Default()
	for _, e := range table.Edges() {
		if e.To != domain.StatusRejected && e.To != domain.StatusDuplicate {
			continue
		}
		if e.Effects.Task != lifecycle.TaskClose {
			t.Fatalf("%s -> %s leaves the task untouched", e.From, e.To)
		}
	}
}
