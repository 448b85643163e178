package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/engine/auth"
	"civicflow/internal/lifecycle"
	"civicflow/internal/repo"
)

type reportPath struct {
	ID int64 `path:"id"`
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusServiceUnavailable,
}

// canRead keeps citizens to their own reports.
func canRead(actor domain.Actor, rep domain.Report) error {
	if actor.Role != domain.RoleCitizen {
		return nil
	}
	return auth.RequireOwner(actor, "read this report", rep.CreatedBy)
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Submit a report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateReportRequest `json:"body"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.CreateReport(ctx, actor, engine.NewReport{Title: input.Body.Title, Description: input.Body.Description})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List reports",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status"`
		DepartmentID int64  `query:"department_id"`
		Limit        int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []domain.Report `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.ReportFilters{DepartmentID: input.DepartmentID, Limit: input.Limit}
		if input.Status != "" {
			s, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			f.Status = s
		}
		if actor.Role == domain.RoleCitizen {
			f.CreatedBy = actor.ID
		}
		items, err := e.Repo.ListReports(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Report `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get report with its task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body engine.ReportView `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.GetReport(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := canRead(actor, view.Report); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReportView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "status-history",
		Method:      http.MethodGet,
		Path:        "/reports/{id}/status-history",
		Summary:     "Status history, oldest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body []domain.StatusHistoryEntry `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.Repo.GetReport(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := canRead(actor, rep); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.StatusHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StatusHistoryEntry `json:"body"`
		}{Body: nonNilSlice(entries)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "available-actions",
		Method:      http.MethodGet,
		Path:        "/reports/{id}/actions",
		Summary:     "Transitions the caller may attempt",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body []lifecycle.Action `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.Repo.GetReport(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := canRead(actor, rep); err != nil {
			return nil, handleError(err)
		}
		actions, err := e.AvailableActions(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []lifecycle.Action `json:"body"`
		}{Body: nonNilSlice(actions)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	execute := func(ctx context.Context, id int64, target domain.Status, p lifecycle.Payload) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.Execute(ctx, id, target, actor, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Snapshot `json:"body"`
		}{Body: snap}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "transition-report",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/status",
		Summary:     "Move a report to a new status",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		return execute(ctx, input.ID, domain.Status(input.Body.NewStatus), input.Body.payload())
	})

	huma.Register(api, huma.Operation{
		OperationID: "classify-report",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/classify",
		Summary:     "Classify a report",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body ClassifyRequest `json:"body"`
	}) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		return execute(ctx, input.ID, domain.StatusClassified, lifecycle.Payload{
			Category:    input.Body.Category,
			SubCategory: input.Body.SubCategory,
			Severity:    input.Body.Severity,
			Notes:       input.Body.Notes,
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-department",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/assign-department",
		Summary:     "Route a report to a department",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64                   `path:"id"`
		Body AssignDepartmentRequest `json:"body"`
	}) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		return execute(ctx, input.ID, domain.StatusAssignedToDepartment, lifecycle.Payload{
			DepartmentID: input.Body.DepartmentID,
			Notes:        input.Body.Notes,
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-officer",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/assign-officer",
		Summary:     "Assign a report to an officer",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64                `path:"id"`
		Body AssignOfficerRequest `json:"body"`
	}) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		return execute(ctx, input.ID, domain.StatusAssignedToOfficer, lifecycle.Payload{
			OfficerUserID: input.Body.OfficerUserID,
			Priority:      input.Body.Priority,
			Notes:         input.Body.Notes,
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-assign",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/auto-assign",
		Summary:     "Assign the least busy officer of the report's department",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body AutoAssignRequest `json:"body"`
	}) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.AutoAssignOptions{Priority: input.Body.Priority, Notes: input.Body.Notes}
		if input.Body.Strategy != "" {
			strategy, err := engine.ParseStrategy(input.Body.Strategy)
			if err != nil {
				return nil, handleError(err)
			}
			opts.Strategy = strategy
		}
		snap, err := e.AutoAssign(ctx, input.ID, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}
