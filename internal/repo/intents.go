package repo

import (
	"context"
	"database/sql"
)

// AppliedIntent records the outcome of a replayed offline transition intent.
type AppliedIntent struct {
	ID        string `json:"id"`
	ReportID  int64  `json:"report_id"`
	Target    string `json:"target"`
	Outcome   string `json:"outcome"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
	AppliedAt string `json:"applied_at"`
}

// GetAppliedIntent returns the recorded outcome for an intent id, or nil.
func (r Repo) GetAppliedIntent(ctx context.Context, q Queryer, id string) (*AppliedIntent, error) {
	var in AppliedIntent
	err := q.QueryRowContext(ctx, r.q(`SELECT id, report_id, target, outcome, COALESCE(error_kind,''), COALESCE(message,''), applied_at FROM applied_intents WHERE id=?`), id).
		Scan(&in.ID, &in.ReportID, &in.Target, &in.Outcome, &in.ErrorKind, &in.Message, &in.AppliedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (r Repo) InsertAppliedIntent(ctx context.Context, q Queryer, in AppliedIntent) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO applied_intents(id, report_id, target, outcome, error_kind, message, applied_at) VALUES (?,?,?,?,?,?,?)`),
		in.ID, in.ReportID, in.Target, in.Outcome, nullable(in.ErrorKind), nullable(in.Message), in.AppliedAt)
	return err
}
