package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/outbox"
)

func registerAppeals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "file-appeal",
		Method:        http.MethodPost,
		Path:          "/reports/{id}/appeals",
		Summary:       "Appeal a report decision",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body FileAppealRequest `json:"body"`
	}) (*struct {
		Body domain.Appeal `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.FileAppeal(ctx, actor, input.ID, domain.AppealKind(input.Body.Kind), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Appeal `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-appeals",
		Method:      http.MethodGet,
		Path:        "/reports/{id}/appeals",
		Summary:     "List a report's appeals",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body []domain.Appeal `json:"body"`
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
		items, err := e.ListAppeals(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Appeal `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-appeal",
		Method:      http.MethodPost,
		Path:        "/appeals/{id}/decision",
		Summary:     "Review, approve, reject or withdraw an appeal",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64                 `path:"id"`
		Body AppealDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.Appeal `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.DecideAppeal(ctx, actor, input.ID, domain.AppealStatus(input.Body.Decision))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Appeal `json:"body"`
		}{Body: a}, nil
	})
}

func registerEscalations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "escalate-report",
		Method:        http.MethodPost,
		Path:          "/reports/{id}/escalations",
		Summary:       "Escalate a report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body EscalateRequest `json:"body"`
	}) (*struct {
		Body domain.Escalation `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := e.Escalate(ctx, actor, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escalation `json:"body"`
		}{Body: esc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/reports/{id}/escalations",
		Summary:     "List a report's escalations",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body []domain.Escalation `json:"body"`
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
		items, err := e.ListEscalations(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Escalation `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{id}/decision",
		Summary:     "Approve or dismiss an escalation",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64                     `path:"id"`
		Body EscalationDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.Escalation `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := e.DecideEscalation(ctx, actor, input.ID, input.Body.Decision == string(domain.EscalationApproved))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escalation `json:"body"`
		}{Body: esc}, nil
	})
}

func registerOutbox(api huma.API, r outbox.Replayer) {
	huma.Register(api, huma.Operation{
		OperationID: "replay-outbox",
		Method:      http.MethodPost,
		Path:        "/outbox/replay",
		Summary:     "Replay transitions queued while offline",
		Description: "Intents run oldest first as the caller. Already applied ids report duplicate; rejected ones report conflict.",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body ReplayRequest `json:"body"`
	}) (*struct {
		Body ReplayResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		results, err := r.Replay(ctx, input.Body.intents(actor), &actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReplayResponse `json:"body"`
		}{Body: ReplayResponse{Results: nonNilSlice(results)}}, nil
	})
}
