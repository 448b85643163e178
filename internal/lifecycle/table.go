package lifecycle

import (
	"context"

	"civicflow/internal/domain"
)

// Field names a payload value a transition may require.
type Field string

const (
	FieldNotes         Field = "notes"
	FieldCategory      Field = "category"
	FieldSeverity      Field = "severity"
	FieldDepartmentID  Field = "department_id"
	FieldOfficerUserID Field = "officer_user_id"
	FieldDuplicateOf   Field = "duplicate_of_report_id"
	FieldPriority      Field = "priority"
)

// Payload carries the caller-supplied values of a transition request.
type Payload struct {
	Notes               string `json:"notes,omitempty"`
	Category            string `json:"category,omitempty"`
	SubCategory         string `json:"sub_category,omitempty"`
	Severity            string `json:"severity,omitempty"`
	DepartmentID        *int64 `json:"department_id,omitempty"`
	OfficerUserID       *int64 `json:"officer_user_id,omitempty"`
	Priority            *int   `json:"priority,omitempty"`
	DuplicateOfReportID *int64 `json:"duplicate_of_report_id,omitempty"`
}

// Has reports whether f is present and non-empty.
func (p Payload) Has(f Field) bool {
	switch f {
	case FieldNotes:
		return nonBlank(p.Notes)
	case FieldCategory:
		return nonBlank(p.Category)
	case FieldSeverity:
		return nonBlank(p.Severity)
	case FieldDepartmentID:
		return p.DepartmentID != nil && *p.DepartmentID > 0
	case FieldOfficerUserID:
		return p.OfficerUserID != nil && *p.OfficerUserID > 0
	case FieldDuplicateOf:
		return p.DuplicateOfReportID != nil && *p.DuplicateOfReportID > 0
	case FieldPriority:
		return p.Priority != nil
	}
	return false
}

type TaskEffect int

const (
	TaskUnchanged TaskEffect = iota
	// TaskAssign creates the task on first assignment, or rebinds it to the new officer.
	TaskAssign
	// TaskSetStatus moves the existing task to Effects.TaskStatus.
	TaskSetStatus
	// TaskClose rejects the task if it is still open. Reports without a task are left alone.
	TaskClose
)

type NotificationKind string

const (
	NotifyNone                  NotificationKind = ""
	NotifyReportAcknowledged    NotificationKind = "report_acknowledged"
	NotifyReportRejected        NotificationKind = "report_rejected"
	NotifyReportDuplicate       NotificationKind = "report_duplicate"
	NotifyReportClassified      NotificationKind = "report_classified"
	NotifyDepartmentAssigned    NotificationKind = "department_assigned"
	NotifyOfficerAssigned       NotificationKind = "officer_assigned"
	NotifyReportOnHold          NotificationKind = "report_on_hold"
	NotifyReportResumed         NotificationKind = "report_resumed"
	NotifyTaskAcknowledged      NotificationKind = "task_acknowledged"
	NotifyAssignmentRejected    NotificationKind = "assignment_rejected"
	NotifyWorkStarted           NotificationKind = "work_started"
	NotifyVerificationRequested NotificationKind = "verification_requested"
	NotifyReportResolved        NotificationKind = "report_resolved"
	NotifyReworkRequested       NotificationKind = "rework_requested"
	NotifyReportClosed          NotificationKind = "report_closed"
	NotifyReportReopened        NotificationKind = "report_reopened"
)

// Recipient tells the notification collaborator whom to resolve.
type Recipient string

const (
	RecipientCreator         Recipient = "report_creator"
	RecipientAssignedOfficer Recipient = "assigned_officer"
	RecipientDepartment      Recipient = "department"
	RecipientAdmins          Recipient = "admins"
)

type Effects struct {
	Task       TaskEffect
	TaskStatus domain.TaskStatus
	Notify     NotificationKind
	Recipient  Recipient
}

// Guard is a precondition evaluated after role and field checks. It returns a
// Violation when the precondition does not hold; any other error is a storage failure.
type Guard func(ctx context.Context, in GuardInput) error

// Edge is one legal (from, to) pair and the policy attached to it.
type Edge struct {
	From     domain.Status
	To       domain.Status
	Roles    []domain.Role
	Required []Field
	// AssigneeOnly restricts officers to the task's current assignee.
	AssigneeOnly bool
	// CreatorOnly restricts citizens to the report's creator.
	CreatorOnly bool
	Guard       Guard
	Effects     Effects
}

// Permits reports whether actor may trigger the edge on report.
func (e Edge) Permits(actor domain.Actor, report domain.Report, task *domain.Task) bool {
	allowed := false
	for _, r := range e.Roles {
		if r == actor.Role {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	if e.AssigneeOnly && actor.Role == domain.RoleOfficer {
		if task == nil || task.AssignedTo != actor.ID {
			return false
		}
	}
	if e.CreatorOnly && actor.Role == domain.RoleCitizen {
		if report.CreatedBy == nil || *report.CreatedBy != actor.ID {
			return false
		}
	}
	return true
}

// Missing returns the first required field absent from p.
func (e Edge) Missing(p Payload) (Field, bool) {
	for _, f := range e.Required {
		if !p.Has(f) {
			return f, true
		}
	}
	return "", false
}

// Action is a transition the caller may offer in a UI.
type Action struct {
	Target   domain.Status `json:"target"`
	Label    string        `json:"label"`
	Required []Field       `json:"required,omitempty"`
}

// Table is the authoritative transition table.
type Table struct {
	edges map[domain.Status]map[domain.Status]Edge
}

type edgeSpec struct {
	from []domain.Status
	to   domain.Status
	edge Edge
}

var (
	adminOnly      = []domain.Role{domain.RoleAdmin}
	officerOnly    = []domain.Role{domain.RoleOfficer}
	reviewers      = []domain.Role{domain.RoleAdmin, domain.RoleAuditor}
	adminOrOfficer = []domain.Role{domain.RoleAdmin, domain.RoleOfficer}
)

func specs() []edgeSpec {
	return []edgeSpec{
		{from: []domain.Status{domain.StatusReceived}, to: domain.StatusPendingClassification, edge: Edge{
			Roles:   adminOnly,
			Effects: Effects{Notify: NotifyReportAcknowledged, Recipient: RecipientCreator},
		}},
		{from: []domain.Status{domain.StatusReceived, domain.StatusPendingClassification, domain.StatusClassified, domain.StatusAssignedToDepartment}, to: domain.StatusRejected, edge: Edge{
			Roles:    adminOnly,
			Required: []Field{FieldNotes},
			Effects:  Effects{Task: TaskClose, Notify: NotifyReportRejected, Recipient: RecipientCreator},
		}},
		// A report held mid-work may carry an open task; rejecting it releases the officer.
		{from: []domain.Status{domain.StatusOnHold}, to: domain.StatusRejected, edge: Edge{
			Roles:    adminOnly,
			Required: []Field{FieldNotes},
			Effects:  Effects{Task: TaskClose, Notify: NotifyReportRejected, Recipient: RecipientCreator},
		}},
		{from: []domain.Status{domain.StatusReceived, domain.StatusPendingClassification, domain.StatusClassified}, to: domain.StatusDuplicate, edge: Edge{
			Roles:    adminOnly,
			Required: []Field{FieldDuplicateOf, FieldNotes},
			Guard:    duplicateTargetValid,
			Effects:  Effects{Task: TaskClose, Notify: NotifyReportDuplicate, Recipient: RecipientCreator},
		}},
		{from: []domain.Status{domain.StatusPendingClassification}, to: domain.StatusClassified, edge: Edge{
			Roles:    adminOnly,
			Required: []Field{FieldCategory, FieldSeverity},
			Effects:  Effects{Notify: NotifyReportClassified, Recipient: RecipientCreator},
		}},
		{from: []domain.Status{domain.StatusClassified, domain.StatusAssignmentRejected}, to: domain.StatusAssignedToDepartment, edge: Edge{
			Roles:    adminOnly,
			Required: []Field{FieldDepartmentID},
			Guard:    departmentExists,
			Effects:  Effects{Notify: NotifyDepartmentAssigned, Recipient: RecipientDepartment},
		}},
		{from: []domain.Status{domain.StatusClassified, domain.StatusAssignedToDepartment, domain.StatusAssignmentRejected, domain.StatusReopened}, to: domain.StatusAssignedToOfficer, edge: Edge{
			Roles:    adminOnly,
			Required: []Field{FieldOfficerUserID},
			Guard:    officerAssignable,
			Effects:  Effects{Task: TaskAssign, TaskStatus: domain.TaskAssigned, Notify: NotifyOfficerAssigned, Recipient: RecipientAssignedOfficer},
		}},
		{from: []domain.Status{domain.StatusClassified, domain.StatusAssignedToDepartment, domain.StatusAssignedToOfficer}, to: domain.StatusOnHold, edge: Edge{
			Roles:    adminOnly,
			Required: []Field{FieldNotes},
			Effects:  Effects{Notify: NotifyReportOnHold, Recipient: RecipientCreator},
		}},
		{from: []domain.Status{domain.StatusAcknowledged, domain.StatusInProgress}, to: domain.StatusOnHold, edge: Edge{
			Roles:        adminOrOfficer,
			AssigneeOnly: true,
			Required:     []Field{FieldNotes},
			Effects:      Effects{Notify: NotifyReportOnHold, Recipient: RecipientCreator},
		}},
		{from: []domain.Status{domain.StatusAssignedToOfficer}, to: domain.StatusAcknowledged, edge: Edge{
			Roles:        officerOnly,
			AssigneeOnly: true,
			Guard:        taskBound,
			Effects:      Effects{Task: TaskSetStatus, TaskStatus: domain.TaskAcknowledged, Notify: NotifyTaskAcknowledged, Recipient: RecipientCreator},
		}},
		{from: []domain.Status{domain.StatusAssignedToOfficer}, to: domain.StatusAssignmentRejected, edge: Edge{
			Roles:        officerOnly,
			AssigneeOnly: true,
			Required:     []Field{FieldNotes},
			Guard:        taskBound,
			Effects:      Effects{Task: TaskSetStatus, TaskStatus: domain.TaskRejected, Notify: NotifyAssignmentRejected, Recipient: RecipientAdmins},
		}},
		{from: []domain.Status{domain.StatusAcknowledged, domain.StatusReopened}, to: domain.StatusInProgress, edge: Edge{
			Roles:        officerOnly,
			AssigneeOnly: true,
			Guard:        taskBound,
			Effects:      Effects{Task: TaskSetStatus, TaskStatus: domain.TaskInProgress, Notify: NotifyWorkStarted, Recipient: RecipientCreator},
		}},
		{from: []domain.Status{domain.StatusInProgress}, to: domain.StatusPendingVerification, edge: Edge{
			Roles:        officerOnly,
			AssigneeOnly: true,
			Effects:      Effects{Notify: NotifyVerificationRequested, Recipient: RecipientAdmins},
		}},
		{from: []domain.Status{domain.StatusPendingVerification}, to: domain.StatusResolved, edge: Edge{
			Roles:   reviewers,
			Guard:   all(taskBound, noOpenAppeals),
			Effects: Effects{Task: TaskSetStatus, TaskStatus: domain.TaskResolved, Notify: NotifyReportResolved, Recipient: RecipientCreator},
		}},
		{from: []domain.Status{domain.StatusPendingVerification}, to: domain.StatusInProgress, edge: Edge{
			Roles:    reviewers,
			Required: []Field{FieldNotes},
			Effects:  Effects{Notify: NotifyReworkRequested, Recipient: RecipientAssignedOfficer},
		}},
		{from: []domain.Status{domain.StatusResolved}, to: domain.StatusClosed, edge: Edge{
			Roles:   reviewers,
			Guard:   noOpenAppeals,
			Effects: Effects{Notify: NotifyReportClosed, Recipient: RecipientCreator},
		}},
		{from: []domain.Status{domain.StatusResolved}, to: domain.StatusReopened, edge: Edge{
			Roles:       []domain.Role{domain.RoleCitizen, domain.RoleAdmin},
			CreatorOnly: true,
			Required:    []Field{FieldNotes},
			Guard:       all(taskBound, reopenBacked),
			Effects:     Effects{Task: TaskSetStatus, TaskStatus: domain.TaskAcknowledged, Notify: NotifyReportReopened, Recipient: RecipientAssignedOfficer},
		}},
		{from: []domain.Status{domain.StatusOnHold}, to: domain.StatusClassified, edge: resumeEdge()},
		{from: []domain.Status{domain.StatusOnHold}, to: domain.StatusAssignedToDepartment, edge: resumeEdge()},
		{from: []domain.Status{domain.StatusOnHold}, to: domain.StatusAssignedToOfficer, edge: resumeEdge()},
		{from: []domain.Status{domain.StatusOnHold}, to: domain.StatusAcknowledged, edge: resumeEdge()},
		{from: []domain.Status{domain.StatusOnHold}, to: domain.StatusInProgress, edge: resumeEdge()},
	}
}

func resumeEdge() Edge {
	return Edge{
		Roles:   adminOnly,
		Guard:   resumesHeldStatus,
		Effects: Effects{Notify: NotifyReportResumed, Recipient: RecipientCreator},
	}
}

// Default builds the table used by the executor and the API.
func Default() Table {
	t := Table{edges: map[domain.Status]map[domain.Status]Edge{}}
	for _, s := range specs() {
		for _, from := range s.from {
			e := s.edge
			e.From = from
			e.To = s.to
			if from == s.to {
				continue
			}
			if t.edges[from] == nil {
				t.edges[from] = map[domain.Status]Edge{}
			}
			t.edges[from][s.to] = e
		}
	}
	return t
}

// Lookup returns the edge for (from, to). Self-loops are never legal.
func (t Table) Lookup(from, to domain.Status) (Edge, bool) {
	if from == to {
		return Edge{}, false
	}
	e, ok := t.edges[from][to]
	return e, ok
}

// Next lists the statuses reachable from from in one step, in causal order.
func (t Table) Next(from domain.Status) []domain.Status {
	var out []domain.Status
	for _, s := range domain.Statuses {
		if _, ok := t.edges[from][s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Edges returns every edge ordered by (from, to) causal position.
func (t Table) Edges() []Edge {
	var out []Edge
	for _, from := range domain.Statuses {
		for _, to := range t.Next(from) {
			out = append(out, t.edges[from][to])
		}
	}
	return out
}

// Reachable returns the set of statuses reachable from received.
func (t Table) Reachable() map[domain.Status]bool {
	seen := map[domain.Status]bool{domain.StatusReceived: true}
	queue := []domain.Status{domain.StatusReceived}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range t.Next(cur) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// Available lists the actions actor may offer on report. Guards are not
// evaluated since most depend on the payload.
func (t Table) Available(actor domain.Actor, report domain.Report, task *domain.Task) []Action {
	actions := []Action{}
	for _, to := range t.Next(report.Status) {
		e := t.edges[report.Status][to]
		if !e.Permits(actor, report, task) {
			continue
		}
		actions = append(actions, Action{Target: to, Label: to.Label(), Required: e.Required})
	}
	return actions
}
