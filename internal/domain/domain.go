package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle status of a report.
type Status string

const (
	StatusReceived              Status = "received"
	StatusPendingClassification Status = "pending_classification"
	StatusClassified            Status = "classified"
	StatusAssignedToDepartment  Status = "assigned_to_department"
	StatusAssignedToOfficer     Status = "assigned_to_officer"
	StatusAcknowledged          Status = "acknowledged"
	StatusInProgress            Status = "in_progress"
	StatusPendingVerification   Status = "pending_verification"
	StatusResolved              Status = "resolved"
	StatusClosed                Status = "closed"
	StatusOnHold                Status = "on_hold"
	StatusRejected              Status = "rejected"
	StatusDuplicate             Status = "duplicate"
	StatusAssignmentRejected    Status = "assignment_rejected"
	StatusReopened              Status = "reopened"
)

// Statuses lists every status in causal order followed by the side branches.
var Statuses = []Status{
	StatusReceived,
	StatusPendingClassification,
	StatusClassified,
	StatusAssignedToDepartment,
	StatusAssignedToOfficer,
	StatusAcknowledged,
	StatusInProgress,
	StatusPendingVerification,
	StatusResolved,
	StatusClosed,
	StatusOnHold,
	StatusRejected,
	StatusDuplicate,
	StatusAssignmentRejected,
	StatusReopened,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusRejected || s == StatusDuplicate
}

// Label renders the status for humans, e.g. "Pending Classification".
func (s Status) Label() string {
	words := strings.Split(string(s), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// ParseStatus accepts the wire form of a status.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.TrimSpace(strings.ToLower(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

type Role string

const (
	RoleCitizen Role = "citizen"
	RoleOfficer Role = "officer"
	RoleAdmin   Role = "admin"
	RoleAuditor Role = "auditor"
	RoleSystem  Role = "system"
)

func ParseRole(v string) (Role, error) {
	switch r := Role(strings.TrimSpace(strings.ToLower(v))); r {
	case RoleCitizen, RoleOfficer, RoleAdmin, RoleAuditor, RoleSystem:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", v)
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskAssigned     TaskStatus = "assigned"
	TaskAcknowledged TaskStatus = "acknowledged"
	TaskInProgress   TaskStatus = "in_progress"
	TaskResolved     TaskStatus = "resolved"
	TaskRejected     TaskStatus = "rejected"
)

// Open reports whether the task still counts toward an officer's workload.
func (s TaskStatus) Open() bool {
	return s == TaskAssigned || s == TaskAcknowledged || s == TaskInProgress
}

func ParseTaskStatus(v string) (TaskStatus, error) {
	s := TaskStatus(strings.TrimSpace(strings.ToLower(v)))
	switch s {
	case TaskAssigned, TaskAcknowledged, TaskInProgress, TaskResolved, TaskRejected:
		return s, nil
	}
	return "", fmt.Errorf("unknown task status %q", v)
}

// Actor is the authenticated caller of a transition. A system actor has ID 0.
type Actor struct {
	ID   int64 `json:"id"`
	Role Role  `json:"role"`
}

// UserID returns nil for system actors so history rows record no user.
func (a Actor) UserID() *int64 {
	if a.ID == 0 || a.Role == RoleSystem {
		return nil
	}
	id := a.ID
	return &id
}

type Report struct {
	ID                  int64     `json:"id"`
	ReportNumber        string    `json:"report_number"`
	Title               string    `json:"title"`
	Description         string    `json:"description,omitempty"`
	CreatedBy           *int64    `json:"created_by,omitempty"`
	Status              Status    `json:"status"`
	StatusUpdatedAt     string    `json:"status_updated_at" format:"date-time"`
	DepartmentID        *int64    `json:"department_id,omitempty"`
	Severity            *Severity `json:"severity,omitempty" enum:"low,medium,high,critical"`
	Category            string    `json:"category,omitempty"`
	SubCategory         string    `json:"sub_category,omitempty"`
	RejectionReason     string    `json:"rejection_reason,omitempty"`
	HoldReason          string    `json:"hold_reason,omitempty"`
	IsDuplicate         bool      `json:"is_duplicate"`
	DuplicateOfReportID *int64    `json:"duplicate_of_report_id,omitempty"`
	Version             int64     `json:"version"`
	CreatedAt           string    `json:"created_at" format:"date-time"`
}

type Task struct {
	ID             int64      `json:"id"`
	ReportID       int64      `json:"report_id"`
	AssignedTo     int64      `json:"assigned_to"`
	AssignedBy     *int64     `json:"assigned_by,omitempty"`
	Status         TaskStatus `json:"status" enum:"assigned,acknowledged,in_progress,resolved,rejected"`
	Priority       int        `json:"priority" minimum:"1" maximum:"10"`
	AssignedAt     string     `json:"assigned_at" format:"date-time"`
	AcknowledgedAt *string    `json:"acknowledged_at,omitempty" format:"date-time"`
	StartedAt      *string    `json:"started_at,omitempty" format:"date-time"`
	ResolvedAt     *string    `json:"resolved_at,omitempty" format:"date-time"`
	UpdatedAt      string     `json:"updated_at" format:"date-time"`
}

type StatusHistoryEntry struct {
	ID              int64   `json:"id"`
	ReportID        int64   `json:"report_id"`
	OldStatus       *Status `json:"old_status,omitempty"`
	NewStatus       Status  `json:"new_status"`
	ChangedByUserID *int64  `json:"changed_by_user_id,omitempty"`
	Notes           string  `json:"notes,omitempty"`
	ChangedAt       string  `json:"changed_at" format:"date-time"`
}

type AppealKind string

const (
	AppealClassification AppealKind = "classification"
	AppealAssignment     AppealKind = "assignment"
	AppealResolution     AppealKind = "resolution"
	AppealRework         AppealKind = "rework"
)

type AppealStatus string

const (
	AppealSubmitted   AppealStatus = "submitted"
	AppealUnderReview AppealStatus = "under_review"
	AppealApproved    AppealStatus = "approved"
	AppealRejected    AppealStatus = "rejected"
	AppealWithdrawn   AppealStatus = "withdrawn"
)

func (s AppealStatus) Open() bool {
	return s == AppealSubmitted || s == AppealUnderReview
}

type Appeal struct {
	ID         int64        `json:"id"`
	ReportID   int64        `json:"report_id"`
	FiledBy    int64        `json:"filed_by"`
	Kind       AppealKind   `json:"kind" enum:"classification,assignment,resolution,rework"`
	Status     AppealStatus `json:"status" enum:"submitted,under_review,approved,rejected,withdrawn"`
	Reason     string       `json:"reason"`
	CreatedAt  string       `json:"created_at" format:"date-time"`
	ResolvedAt *string      `json:"resolved_at,omitempty" format:"date-time"`
}

type EscalationStatus string

const (
	EscalationOpen      EscalationStatus = "open"
	EscalationApproved  EscalationStatus = "approved"
	EscalationDismissed EscalationStatus = "dismissed"
)

type Escalation struct {
	ID          int64            `json:"id"`
	ReportID    int64            `json:"report_id"`
	Level       int              `json:"level"`
	Reason      string           `json:"reason"`
	EscalatedBy *int64           `json:"escalated_by,omitempty"`
	Status      EscalationStatus `json:"status" enum:"open,approved,dismissed"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
	DecidedAt   *string          `json:"decided_at,omitempty" format:"date-time"`
}

type User struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Role         Role   `json:"role" enum:"citizen,officer,admin,auditor,system"`
	DepartmentID *int64 `json:"department_id,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Department struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// OfficerLoad is an officer's open-task workload used by auto-assignment.
type OfficerLoad struct {
	UserID          int64 `json:"user_id"`
	OpenTasks       int   `json:"open_tasks"`
	OpenPrioritySum int   `json:"open_priority_sum"`
}
