package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/lifecycle"
	"civicflow/internal/repo"
)

// Intent is a transition recorded while a client was offline. ID is the
// idempotency key.
type Intent struct {
	ID        string            `json:"id"`
	ReportID  int64             `json:"report_id"`
	Target    domain.Status     `json:"target"`
	ActorID   int64             `json:"actor_id"`
	Role      domain.Role       `json:"role"`
	Payload   lifecycle.Payload `json:"payload"`
	CreatedAt string            `json:"created_at" format:"date-time"`
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeConflict  Outcome = "conflict"
)

// Result reports what happened to one intent.
type Result struct {
	ID        string        `json:"id"`
	ReportID  int64         `json:"report_id"`
	Target    domain.Status `json:"target"`
	Outcome   Outcome       `json:"outcome"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Message   string        `json:"message,omitempty"`
	Status    domain.Status `json:"status,omitempty"`
}

// Replayer applies intents against the transition table. Conflicts are
// reported back, never merged.
type Replayer struct {
	Engine engine.Engine
}

// NewIntentID returns a fresh idempotency key for clients that queue intents.
func NewIntentID() string {
	return uuid.NewString()
}

// Validate checks an intent before replay.
func (in Intent) Validate() error {
	if _, err := uuid.Parse(in.ID); err != nil {
		return fmt.Errorf("intent id must be a uuid: %w", err)
	}
	if in.ReportID <= 0 {
		return errors.New("intent report_id required")
	}
	if !in.Target.Valid() {
		return fmt.Errorf("intent target %q is not a status", in.Target)
	}
	if _, err := domain.ParseRole(string(in.Role)); err != nil {
		return err
	}
	if in.CreatedAt != "" {
		if _, err := time.Parse(time.RFC3339, in.CreatedAt); err != nil {
			return fmt.Errorf("intent created_at: %w", err)
		}
	}
	return nil
}

// recordedAt parses CreatedAt. Intents without a usable time sort first and
// fail validation on replay.
func (in Intent) recordedAt() time.Time {
	t, err := time.Parse(time.RFC3339, in.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Replay processes intents oldest first. actor, when non-nil, overrides the
// identity recorded in every intent.
func (r Replayer) Replay(ctx context.Context, intents []Intent, actor *domain.Actor) ([]Result, error) {
	ordered := make([]Intent, len(intents))
	copy(ordered, intents)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].recordedAt().Before(ordered[j].recordedAt()) })

	results := make([]Result, 0, len(ordered))
	for _, in := range ordered {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.replayOne(ctx, in, actor)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r Replayer) replayOne(ctx context.Context, in Intent, override *domain.Actor) (Result, error) {
	res := Result{ID: in.ID, ReportID: in.ReportID, Target: in.Target}
	if err := in.Validate(); err != nil {
		res.Outcome = OutcomeConflict
		res.ErrorKind = "invalid_intent"
		res.Message = err.Error()
		return res, nil
	}
	prior, err := r.Engine.Repo.GetAppliedIntent(ctx, r.Engine.DB, in.ID)
	if err != nil {
		return res, err
	}
	if prior != nil {
		res.Outcome = OutcomeDuplicate
		res.ErrorKind = prior.ErrorKind
		res.Message = prior.Message
		return res, nil
	}

	actor := domain.Actor{ID: in.ActorID, Role: in.Role}
	if override != nil {
		actor = *override
	}
	snap, err := r.Engine.ExecuteIntent(ctx, in.ID, in.ReportID, in.Target, actor, in.Payload)
	if err == nil {
		res.Outcome = OutcomeApplied
		res.Status = snap.Report.Status
		return res, nil
	}

	kind := string(engine.KindOf(err))
	switch {
	case errors.Is(err, repo.ErrNotFound):
		kind = "not_found"
	case kind == "":
		return res, err
	case kind == string(engine.KindPersistenceFailure) || kind == string(engine.KindConcurrentModification):
		// Retryable: leave the intent unrecorded so the next replay tries again.
		res.Outcome = OutcomeConflict
		res.ErrorKind = kind
		res.Message = err.Error()
		return res, nil
	}
	res.Outcome = OutcomeConflict
	res.ErrorKind = kind
	res.Message = err.Error()
	if err := r.Engine.Repo.InsertAppliedIntent(ctx, r.Engine.DB, repo.AppliedIntent{
		ID:        in.ID,
		ReportID:  in.ReportID,
		Target:    string(in.Target),
		Outcome:   string(OutcomeConflict),
		ErrorKind: kind,
		Message:   res.Message,
		AppliedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return res, fmt.Errorf("record conflict: %w", err)
	}
	return res, nil
}

// Decode reads a JSON array of intents.
func Decode(r io.Reader) ([]Intent, error) {
	var intents []Intent
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&intents); err != nil {
		return nil, fmt.Errorf("decode intents: %w", err)
	}
	for i := range intents {
		intents[i].Role = domain.Role(strings.ToLower(strings.TrimSpace(string(intents[i].Role))))
	}
	return intents, nil
}
