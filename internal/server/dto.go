package server

import (
	"civicflow/internal/domain"
	"civicflow/internal/lifecycle"
	"civicflow/internal/outbox"
)

// Request payloads

type CreateReportRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type TransitionRequest struct {
	NewStatus           string `json:"new_status" example:"acknowledged"`
	Notes               string `json:"notes,omitempty"`
	Category            string `json:"category,omitempty"`
	SubCategory         string `json:"sub_category,omitempty"`
	Severity            string `json:"severity,omitempty"`
	DepartmentID        *int64 `json:"department_id,omitempty"`
	OfficerUserID       *int64 `json:"officer_user_id,omitempty"`
	Priority            *int   `json:"priority,omitempty"`
	DuplicateOfReportID *int64 `json:"duplicate_of_report_id,omitempty"`
}

func (r TransitionRequest) payload() lifecycle.Payload {
	return lifecycle.Payload{
		Notes:               r.Notes,
		Category:            r.Category,
		SubCategory:         r.SubCategory,
		Severity:            r.Severity,
		DepartmentID:        r.DepartmentID,
		OfficerUserID:       r.OfficerUserID,
		Priority:            r.Priority,
		DuplicateOfReportID: r.DuplicateOfReportID,
	}
}

type ClassifyRequest struct {
	Category    string `json:"category,omitempty"`
	SubCategory string `json:"sub_category,omitempty"`
	Severity    string `json:"severity,omitempty" example:"high"`
	Notes       string `json:"notes,omitempty"`
}

type AssignDepartmentRequest struct {
	DepartmentID *int64 `json:"department_id,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

type AssignOfficerRequest struct {
	OfficerUserID *int64 `json:"officer_user_id,omitempty"`
	Priority      *int   `json:"priority,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

type AutoAssignRequest struct {
	Strategy string `json:"strategy,omitempty" enum:"least_busy,balanced"`
	Priority *int   `json:"priority,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type FileAppealRequest struct {
	Kind   string `json:"kind" enum:"classification,assignment,resolution,rework"`
	Reason string `json:"reason"`
}

type AppealDecisionRequest struct {
	Decision string `json:"decision" enum:"under_review,approved,rejected,withdrawn"`
}

type EscalateRequest struct {
	Reason string `json:"reason"`
}

type EscalationDecisionRequest struct {
	Decision string `json:"decision" enum:"approved,dismissed"`
}

type ReplayIntent struct {
	ID        string            `json:"id"`
	ReportID  int64             `json:"report_id"`
	Target    string            `json:"target"`
	Payload   lifecycle.Payload `json:"payload,omitempty"`
	CreatedAt string            `json:"created_at,omitempty"`
}

type ReplayRequest struct {
	Intents []ReplayIntent `json:"intents"`
}

type DevLoginRequest struct {
	UserID int64 `json:"user_id"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	UserID int64       `json:"user_id"`
	Role   domain.Role `json:"role"`
	Source string      `json:"source"`
}

type ReplayResponse struct {
	Results []outbox.Result `json:"results"`
}

// intents binds replayed intents to the caller.
func (r ReplayRequest) intents(actor domain.Actor) []outbox.Intent {
	out := make([]outbox.Intent, 0, len(r.Intents))
	for _, in := range r.Intents {
		out = append(out, outbox.Intent{
			ID:        in.ID,
			ReportID:  in.ReportID,
			Target:    domain.Status(in.Target),
			ActorID:   actor.ID,
			Role:      actor.Role,
			Payload:   in.Payload,
			CreatedAt: in.CreatedAt,
		})
	}
	return out
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
