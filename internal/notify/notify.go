package notify

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is one queued notification. Recipient names a rule the delivery side
// resolves; RecipientUserID and DepartmentID are filled when known.
type Event struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	ReportID        int64          `json:"report_id"`
	ReportNumber    string         `json:"report_number,omitempty"`
	Recipient       string         `json:"recipient"`
	RecipientUserID *int64         `json:"recipient_user_id,omitempty"`
	DepartmentID    *int64         `json:"department_id,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	CreatedAt       string         `json:"created_at"`
	Attempts        int            `json:"attempts,omitempty"`

	// raw is the list entry the event was read from, used to ack it.
	raw string
}

func NewEventID() string {
	return uuid.NewString()
}

func (e Event) marshal() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeEvent(raw string) (Event, error) {
	var e Event
	err := json.Unmarshal([]byte(raw), &e)
	e.raw = raw
	return e, err
}

// Notifier accepts notifications after a transition commits.
type Notifier interface {
	Enqueue(ctx context.Context, evt Event) error
}

// LogNotifier writes events to the log instead of a queue.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Enqueue(_ context.Context, evt Event) error {
	n.Log.Info().
		Str("event_id", evt.ID).
		Str("kind", evt.Kind).
		Int64("report_id", evt.ReportID).
		Str("recipient", evt.Recipient).
		Msg("notification")
	return nil
}

// Nop drops every event.
type Nop struct{}

func (Nop) Enqueue(context.Context, Event) error { return nil }
