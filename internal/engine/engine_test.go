package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/lifecycle"
	"civicflow/internal/migrate"
	"civicflow/internal/notify"
	"civicflow/internal/repo"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Enqueue(_ context.Context, evt notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, evt)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Kind
	}
	return out
}

// tickingClock advances one second per reading so history rows order by time.
type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	DB       *sql.DB
	Notifier *recordingNotifier

	Admin    domain.Actor
	Auditor  domain.Actor
	Citizen  domain.Actor
	Other    domain.Actor
	Officer  domain.Actor
	Officer2 domain.Actor
	Outsider domain.Actor

	DeptID      int64
	OtherDeptID int64
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	n := &recordingNotifier{}
	eng := engine.New(conn, dialect, n, zerolog.Nop())
	clock := &tickingClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = clock.Now
	env := testEnv{Engine: eng, Ctx: context.Background(), DB: conn, Notifier: n}

	tx, err := conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	now := "2024-01-01T00:00:00Z"
	roads, err := eng.Repo.InsertDepartment(env.Ctx, tx, "Roads", now)
	if err != nil {
		t.Fatalf("department: %v", err)
	}
	parks, err := eng.Repo.InsertDepartment(env.Ctx, tx, "Parks", now)
	if err != nil {
		t.Fatalf("department: %v", err)
	}
	env.DeptID, env.OtherDeptID = roads.ID, parks.ID
	user := func(name string, role domain.Role, dept *int64) domain.Actor {
		u, err := eng.Repo.InsertUser(env.Ctx, tx, domain.User{Name: name, Role: role, DepartmentID: dept, CreatedAt: now})
		if err != nil {
			t.Fatalf("user %s: %v", name, err)
		}
		return domain.Actor{ID: u.ID, Role: role}
	}
	env.Admin = user("admin", domain.RoleAdmin, nil)
	env.Auditor = user("auditor", domain.RoleAuditor, nil)
	env.Citizen = user("citizen", domain.RoleCitizen, nil)
	env.Other = user("neighbour", domain.RoleCitizen, nil)
	env.Officer = user("officer one", domain.RoleOfficer, &roads.ID)
	env.Officer2 = user("officer two", domain.RoleOfficer, &roads.ID)
	env.Outsider = user("park officer", domain.RoleOfficer, &parks.ID)
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return env
}

func (env testEnv) createReport(t *testing.T) domain.Report {
	t.Helper()
	rep, err := env.Engine.CreateReport(env.Ctx, env.Citizen, engine.NewReport{Title: "Pothole on Main St", Description: "deep"})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	return rep
}

func (env testEnv) step(t *testing.T, id int64, target domain.Status, actor domain.Actor, p lifecycle.Payload) engine.Snapshot {
	t.Helper()
	snap, err := env.Engine.Execute(env.Ctx, id, target, actor, p)
	if err != nil {
		t.Fatalf("%s: %v", target, err)
	}
	if snap.Report.Status != target {
		t.Fatalf("expected %s, got %s", target, snap.Report.Status)
	}
	if err := lifecycle.CheckCoupling(snap.Report.Status, snap.Task); err != nil {
		t.Fatalf("coupling after %s: %v", target, err)
	}
	return snap
}

func int64p(v int64) *int64 { return &v }
func intp(v int) *int       { return &v }

// walk moves a new report forward until it reaches stop.
func (env testEnv) walk(t *testing.T, stop domain.Status) domain.Report {
	t.Helper()
	rep := env.createReport(t)
	steps := []struct {
		to      domain.Status
		actor   domain.Actor
		payload lifecycle.Payload
	}{
		{domain.StatusPendingClassification, env.Admin, lifecycle.Payload{}},
		{domain.StatusClassified, env.Admin, lifecycle.Payload{Category: "roads", SubCategory: "pothole", Severity: "high"}},
		{domain.StatusAssignedToDepartment, env.Admin, lifecycle.Payload{DepartmentID: int64p(env.DeptID)}},
		{domain.StatusAssignedToOfficer, env.Admin, lifecycle.Payload{OfficerUserID: int64p(env.Officer.ID), Priority: intp(5)}},
		{domain.StatusAcknowledged, env.Officer, lifecycle.Payload{}},
		{domain.StatusInProgress, env.Officer, lifecycle.Payload{}},
		{domain.StatusPendingVerification, env.Officer, lifecycle.Payload{Notes: "filled"}},
		{domain.StatusResolved, env.Auditor, lifecycle.Payload{}},
		{domain.StatusClosed, env.Admin, lifecycle.Payload{}},
	}
	if stop == domain.StatusReceived {
		return rep
	}
	for _, s := range steps {
		rep = env.step(t, rep.ID, s.to, s.actor, s.payload).Report
		if s.to == stop {
			return rep
		}
	}
	t.Fatalf("status %s is not on the main path", stop)
	return rep
}

func expectKind(t *testing.T, err error, kind engine.Kind) *engine.TransitionError {
	t.Helper()
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected %s, got %v", kind, err)
	}
	if te.Kind != kind {
		t.Fatalf("expected %s, got %s (%v)", kind, te.Kind, err)
	}
	return te
}

func (env testEnv) historyLen(t *testing.T, id int64) int {
	t.Helper()
	entries, err := env.Engine.StatusHistory(env.Ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return len(entries)
}

func TestCreateReportWritesInitialHistory(t *testing.T) {
	env := newTestEnv(t)
	rep := env.createReport(t)
	if rep.Status != domain.StatusReceived || rep.Version != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rep.ReportNumber == "" || rep.ReportNumber[:3] != "CF-" {
		t.Fatalf("expected report number, got %q", rep.ReportNumber)
	}
	entries, err := env.Engine.StatusHistory(env.Ctx, rep.ID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one history entry, got %v %v", entries, err)
	}
	if entries[0].OldStatus != nil || entries[0].NewStatus != domain.StatusReceived {
		t.Fatalf("unexpected initial entry %+v", entries[0])
	}
	_, err = env.Engine.CreateReport(env.Ctx, env.Officer, engine.NewReport{Title: "x"})
	expectKind(t, err, engine.KindUnauthorized)
	_, err = env.Engine.CreateReport(env.Ctx, env.Citizen, engine.NewReport{Title: "  "})
	expectKind(t, err, engine.KindMissingField)
}

func TestScenarioCitizenCannotStartClassification(t *testing.T) {
	env := newTestEnv(t)
	rep := env.createReport(t)

	_, err := env.Engine.Execute(env.Ctx, rep.ID, domain.StatusPendingClassification, env.Citizen, lifecycle.Payload{})
	expectKind(t, err, engine.KindUnauthorized)
	if n := env.historyLen(t, rep.ID); n != 1 {
		t.Fatalf("rejected transition wrote history: %d", n)
	}

	snap := env.step(t, rep.ID, domain.StatusPendingClassification, env.Admin, lifecycle.Payload{})
	if snap.Report.StatusUpdatedAt == rep.StatusUpdatedAt {
		t.Fatalf("status_updated_at not refreshed")
	}
	if snap.History.OldStatus == nil || *snap.History.OldStatus != domain.StatusReceived || snap.History.NewStatus != domain.StatusPendingClassification {
		t.Fatalf("unexpected history entry %+v", snap.History)
	}
	if snap.History.ChangedByUserID == nil || *snap.History.ChangedByUserID != env.Admin.ID {
		t.Fatalf("history missing actor")
	}
	if n := env.historyLen(t, rep.ID); n != 2 {
		t.Fatalf("expected two history entries, got %d", n)
	}
}

func TestScenarioOfficerAssignmentNeedsDepartment(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusClassified)
	_, err := env.Engine.Execute(env.Ctx, rep.ID, domain.StatusAssignedToOfficer, env.Admin, lifecycle.Payload{OfficerUserID: int64p(env.Officer.ID)})
	te := expectKind(t, err, engine.KindGuardFailed)
	if te.Reason != "department must be assigned before officer assignment" {
		t.Fatalf("unexpected reason %q", te.Reason)
	}
	task, err := env.Engine.Repo.TaskForReport(env.Ctx, env.DB, rep.ID)
	if err != nil || task != nil {
		t.Fatalf("expected no task, got %+v %v", task, err)
	}
}

func TestScenarioOfficerAssignmentCreatesTask(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusAssignedToDepartment)
	snap := env.step(t, rep.ID, domain.StatusAssignedToOfficer, env.Admin, lifecycle.Payload{OfficerUserID: int64p(env.Officer.ID), Priority: intp(5)})
	if snap.Task == nil {
		t.Fatalf("expected task")
	}
	if snap.Task.AssignedTo != env.Officer.ID || snap.Task.Status != domain.TaskAssigned || snap.Task.Priority != 5 {
		t.Fatalf("unexpected task %+v", snap.Task)
	}
	if snap.Task.AssignedBy == nil || *snap.Task.AssignedBy != env.Admin.ID {
		t.Fatalf("task missing assigner")
	}
	stored, err := env.Engine.Repo.TaskForReport(env.Ctx, env.DB, rep.ID)
	if err != nil || stored == nil || stored.ID != snap.Task.ID {
		t.Fatalf("task not persisted: %+v %v", stored, err)
	}
}

func TestScenarioConcurrentTransitions(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusInProgress)

	type attempt struct {
		to    domain.Status
		actor domain.Actor
		p     lifecycle.Payload
	}
	attempts := []attempt{
		{domain.StatusPendingVerification, env.Officer, lifecycle.Payload{}},
		{domain.StatusOnHold, env.Admin, lifecycle.Payload{Notes: "waiting for parts"}},
	}
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, len(attempts))
	)
	for i, a := range attempts {
		wg.Add(1)
		go func(i int, a attempt) {
			defer wg.Done()
			<-start
			_, errs[i] = env.Engine.Execute(env.Ctx, rep.ID, a.to, a.actor, a.p)
		}(i, a)
	}
	close(start)
	wg.Wait()

	succeeded := -1
	for i, err := range errs {
		if err == nil {
			if succeeded >= 0 {
				t.Fatalf("both transitions succeeded")
			}
			succeeded = i
			continue
		}
		switch engine.KindOf(err) {
		case engine.KindIllegalTransition, engine.KindConcurrentModification:
		default:
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if succeeded < 0 {
		t.Fatalf("no transition succeeded: %v", errs)
	}
	view, err := env.Engine.GetReport(env.Ctx, rep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Report.Status != attempts[succeeded].to {
		t.Fatalf("expected %s, got %s", attempts[succeeded].to, view.Report.Status)
	}
	// received + 6 main-path steps + the winner.
	if n := env.historyLen(t, rep.ID); n != 8 {
		t.Fatalf("expected 8 history entries, got %d", n)
	}
}

func TestSelfLoopsAreRejected(t *testing.T) {
	env := newTestEnv(t)
	rep := env.createReport(t)
	for _, s := range domain.Statuses {
		if _, err := env.DB.Exec(`UPDATE reports SET status=? WHERE id=?`, string(s), rep.ID); err != nil {
			t.Fatal(err)
		}
		_, err := env.Engine.Execute(env.Ctx, rep.ID, s, env.Admin, lifecycle.Payload{Notes: "again"})
		expectKind(t, err, engine.KindIllegalTransition)
	}
	if n := env.historyLen(t, rep.ID); n != 1 {
		t.Fatalf("self-loops wrote history: %d", n)
	}
}

func TestTransitionsOutsideTheTableAreRejected(t *testing.T) {
	env := newTestEnv(t)
	rep := env.createReport(t)
	table := lifecycle.Default()
	actors := []domain.Actor{env.Admin, env.Auditor, env.Citizen, env.Officer}
	full := lifecycle.Payload{
		Notes:               "n",
		Category:            "c",
		Severity:            "low",
		DepartmentID:        int64p(env.DeptID),
		OfficerUserID:       int64p(env.Officer.ID),
		DuplicateOfReportID: int64p(rep.ID + 1000),
	}
	for _, from := range domain.Statuses {
		legal := map[domain.Status]bool{}
		for _, s := range table.Next(from) {
			legal[s] = true
		}
		for _, to := range domain.Statuses {
			if legal[to] {
				continue
			}
			if _, err := env.DB.Exec(`UPDATE reports SET status=? WHERE id=?`, string(from), rep.ID); err != nil {
				t.Fatal(err)
			}
			for _, a := range actors {
				_, err := env.Engine.Execute(env.Ctx, rep.ID, to, a, full)
				if engine.KindOf(err) != engine.KindIllegalTransition {
					t.Fatalf("%s -> %s by %s: expected illegal transition, got %v", from, to, a.Role, err)
				}
			}
			view, err := env.Engine.GetReport(env.Ctx, rep.ID)
			if err != nil || view.Report.Status != from {
				t.Fatalf("%s -> %s changed status to %s (%v)", from, to, view.Report.Status, err)
			}
		}
	}
	if n := env.historyLen(t, rep.ID); n != 1 {
		t.Fatalf("illegal transitions wrote history: %d", n)
	}
}

func TestFailedSideEffectRollsBackTransition(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusAssignedToDepartment)
	before := env.historyLen(t, rep.ID)
	if _, err := env.DB.Exec(`CREATE TRIGGER fail_task BEFORE INSERT ON tasks BEGIN SELECT RAISE(ABORT, 'injected failure'); END;`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	_, err := env.Engine.Execute(env.Ctx, rep.ID, domain.StatusAssignedToOfficer, env.Admin, lifecycle.Payload{OfficerUserID: int64p(env.Officer.ID)})
	te := expectKind(t, err, engine.KindPersistenceFailure)
	if te.Err == nil {
		t.Fatalf("expected wrapped storage error")
	}
	view, err := env.Engine.GetReport(env.Ctx, rep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Report.Status != domain.StatusAssignedToDepartment || view.Report.Version != rep.Version {
		t.Fatalf("report changed despite rollback: %+v", view.Report)
	}
	if view.Task != nil {
		t.Fatalf("task created despite rollback")
	}
	if n := env.historyLen(t, rep.ID); n != before {
		t.Fatalf("history written despite rollback: %d != %d", n, before)
	}
	notified := len(env.Notifier.kinds())
	if _, err := env.DB.Exec(`DROP TRIGGER fail_task`); err != nil {
		t.Fatal(err)
	}
	env.step(t, rep.ID, domain.StatusAssignedToOfficer, env.Admin, lifecycle.Payload{OfficerUserID: int64p(env.Officer.ID)})
	if len(env.Notifier.kinds()) != notified+1 {
		t.Fatalf("expected exactly one notification after the retry")
	}
}

func TestFailedHistoryInsertRollsBackTransition(t *testing.T) {
	env := newTestEnv(t)
	rep := env.createReport(t)
	if _, err := env.DB.Exec(`CREATE TRIGGER fail_history BEFORE INSERT ON status_history BEGIN SELECT RAISE(ABORT, 'injected failure'); END;`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	_, err := env.Engine.Execute(env.Ctx, rep.ID, domain.StatusPendingClassification, env.Admin, lifecycle.Payload{})
	expectKind(t, err, engine.KindPersistenceFailure)
	view, err := env.Engine.GetReport(env.Ctx, rep.ID)
	if err != nil || view.Report.Status != domain.StatusReceived {
		t.Fatalf("status changed without history: %+v %v", view.Report, err)
	}
}

func TestHistoryIsCompleteAndChained(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusClosed)
	entries, err := env.Engine.StatusHistory(env.Ctx, rep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(entries))
	}
	if entries[0].OldStatus != nil {
		t.Fatalf("first entry should have no old status")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].OldStatus == nil || *entries[i].OldStatus != entries[i-1].NewStatus {
			t.Fatalf("entry %d does not chain from %s", i, entries[i-1].NewStatus)
		}
		if entries[i].ChangedAt < entries[i-1].ChangedAt {
			t.Fatalf("entries out of order at %d", i)
		}
	}
	if entries[len(entries)-1].NewStatus != domain.StatusClosed {
		t.Fatalf("last entry should be closed")
	}
	view, _ := env.Engine.GetReport(env.Ctx, rep.ID)
	if view.Task == nil || view.Task.Status != domain.TaskResolved || view.Task.ResolvedAt == nil {
		t.Fatalf("expected resolved task, got %+v", view.Task)
	}
	if view.Task.AcknowledgedAt == nil || view.Task.StartedAt == nil {
		t.Fatalf("task lifecycle timestamps missing: %+v", view.Task)
	}
}

func TestNotificationsFollowCommittedTransitions(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusAssignedToOfficer)
	want := []string{"report_acknowledged", "report_classified", "department_assigned", "officer_assigned"}
	got := env.Notifier.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	env.Notifier.mu.Lock()
	last := env.Notifier.events[len(env.Notifier.events)-1]
	env.Notifier.mu.Unlock()
	if last.RecipientUserID == nil || *last.RecipientUserID != env.Officer.ID || last.ReportID != rep.ID {
		t.Fatalf("officer_assigned should target the officer: %+v", last)
	}

	env.Notifier.mu.Lock()
	env.Notifier.err = errors.New("queue down")
	env.Notifier.mu.Unlock()
	env.step(t, rep.ID, domain.StatusAcknowledged, env.Officer, lifecycle.Payload{})
}

func TestRoleAndAssigneeChecks(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusAssignedToOfficer)
	_, err := env.Engine.Execute(env.Ctx, rep.ID, domain.StatusAcknowledged, env.Officer2, lifecycle.Payload{})
	expectKind(t, err, engine.KindUnauthorized)
	_, err = env.Engine.Execute(env.Ctx, rep.ID, domain.StatusAcknowledged, env.Admin, lifecycle.Payload{})
	expectKind(t, err, engine.KindUnauthorized)
	_, err = env.Engine.Execute(env.Ctx, rep.ID, domain.StatusAssignmentRejected, env.Officer, lifecycle.Payload{})
	te := expectKind(t, err, engine.KindMissingField)
	if te.Field != lifecycle.FieldNotes {
		t.Fatalf("expected notes missing, got %s", te.Field)
	}
}

func TestClassificationFieldValidation(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusPendingClassification)
	_, err := env.Engine.Execute(env.Ctx, rep.ID, domain.StatusClassified, env.Admin, lifecycle.Payload{Category: "roads"})
	te := expectKind(t, err, engine.KindMissingField)
	if te.Field != lifecycle.FieldSeverity {
		t.Fatalf("expected severity missing, got %s", te.Field)
	}
	_, err = env.Engine.Execute(env.Ctx, rep.ID, domain.StatusClassified, env.Admin, lifecycle.Payload{Category: "roads", Severity: "urgent"})
	expectKind(t, err, engine.KindInvalidField)

	snap := env.step(t, rep.ID, domain.StatusClassified, env.Admin, lifecycle.Payload{Category: "roads", SubCategory: "pothole", Severity: "Critical"})
	if snap.Report.Severity == nil || *snap.Report.Severity != domain.SeverityCritical || snap.Report.Category != "roads" || snap.Report.SubCategory != "pothole" {
		t.Fatalf("classification not written: %+v", snap.Report)
	}
}

func TestOfficerMustBelongToDepartment(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusAssignedToDepartment)
	_, err := env.Engine.Execute(env.Ctx, rep.ID, domain.StatusAssignedToOfficer, env.Admin, lifecycle.Payload{OfficerUserID: int64p(env.Outsider.ID)})
	expectKind(t, err, engine.KindGuardFailed)
	_, err = env.Engine.Execute(env.Ctx, rep.ID, domain.StatusAssignedToOfficer, env.Admin, lifecycle.Payload{OfficerUserID: int64p(env.Citizen.ID)})
	expectKind(t, err, engine.KindGuardFailed)
	_, err = env.Engine.Execute(env.Ctx, rep.ID, domain.StatusAssignedToOfficer, env.Admin, lifecycle.Payload{OfficerUserID: int64p(env.Officer.ID), Priority: intp(11)})
	expectKind(t, err, engine.KindInvalidField)
}

func TestAssignmentRejectionAndReassignment(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusAssignedToOfficer)
	snap := env.step(t, rep.ID, domain.StatusAssignmentRejected, env.Officer, lifecycle.Payload{Notes: "not my area"})
	if snap.Task.Status != domain.TaskRejected {
		t.Fatalf("expected rejected task, got %s", snap.Task.Status)
	}
	snap = env.step(t, rep.ID, domain.StatusAssignedToOfficer, env.Admin, lifecycle.Payload{OfficerUserID: int64p(env.Officer2.ID)})
	if snap.Task.AssignedTo != env.Officer2.ID || snap.Task.Status != domain.TaskAssigned {
		t.Fatalf("task not reassigned: %+v", snap.Task)
	}
	if snap.Task.Priority != 5 {
		t.Fatalf("reassignment should keep priority, got %d", snap.Task.Priority)
	}
	env.step(t, rep.ID, domain.StatusAcknowledged, env.Officer2, lifecycle.Payload{})
}

func TestHoldResumesToHeldStatus(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusAcknowledged)
	snap := env.step(t, rep.ID, domain.StatusOnHold, env.Officer, lifecycle.Payload{Notes: "road closed"})
	if snap.Report.HoldReason != "road closed" {
		t.Fatalf("hold reason not written")
	}
	_, err := env.Engine.Execute(env.Ctx, rep.ID, domain.StatusInProgress, env.Admin, lifecycle.Payload{})
	expectKind(t, err, engine.KindGuardFailed)
	snap = env.step(t, rep.ID, domain.StatusAcknowledged, env.Admin, lifecycle.Payload{})
	if snap.Report.HoldReason != "" {
		t.Fatalf("hold reason should clear on resume")
	}
	if snap.Task.Status != domain.TaskAcknowledged {
		t.Fatalf("hold should keep the task, got %s", snap.Task.Status)
	}
}

func TestReopenRequiresApprovedAppeal(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusPendingVerification)

	early, err := env.Engine.FileAppeal(env.Ctx, env.Citizen, rep.ID, domain.AppealRework, "still broken")
	if err != nil {
		t.Fatalf("file appeal: %v", err)
	}
	_, err = env.Engine.Execute(env.Ctx, rep.ID, domain.StatusResolved, env.Auditor, lifecycle.Payload{})
	expectKind(t, err, engine.KindGuardFailed)
	if _, err := env.Engine.DecideAppeal(env.Ctx, env.Admin, early.ID, domain.AppealApproved); err != nil {
		t.Fatalf("decide: %v", err)
	}
	env.step(t, rep.ID, domain.StatusResolved, env.Auditor, lifecycle.Payload{})

	// An appeal approved before the resolution does not back a reopen.
	_, err = env.Engine.Execute(env.Ctx, rep.ID, domain.StatusReopened, env.Citizen, lifecycle.Payload{Notes: "cracked again"})
	expectKind(t, err, engine.KindGuardFailed)

	_, err = env.Engine.Execute(env.Ctx, rep.ID, domain.StatusReopened, env.Other, lifecycle.Payload{Notes: "me too"})
	expectKind(t, err, engine.KindUnauthorized)

	appeal, err := env.Engine.FileAppeal(env.Ctx, env.Citizen, rep.ID, domain.AppealResolution, "cracked again")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DecideAppeal(env.Ctx, env.Auditor, appeal.ID, domain.AppealApproved); err != nil {
		t.Fatal(err)
	}
	snap := env.step(t, rep.ID, domain.StatusReopened, env.Citizen, lifecycle.Payload{Notes: "cracked again"})
	if snap.Task.Status != domain.TaskAcknowledged || snap.Task.ResolvedAt != nil {
		t.Fatalf("reopen should move task back to acknowledged: %+v", snap.Task)
	}
	env.step(t, rep.ID, domain.StatusInProgress, env.Officer, lifecycle.Payload{})
}

func TestReopenBackedByEscalation(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusResolved)
	esc, err := env.Engine.Escalate(env.Ctx, env.Citizen, rep.ID, "not fixed")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if esc.Level != 1 {
		t.Fatalf("expected level 1, got %d", esc.Level)
	}
	if _, err := env.Engine.DecideEscalation(env.Ctx, env.Officer, esc.ID, true); err == nil {
		t.Fatalf("officers may not decide escalations")
	}
	if _, err := env.Engine.DecideEscalation(env.Ctx, env.Admin, esc.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DecideEscalation(env.Ctx, env.Admin, esc.ID, false); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict deciding twice, got %v", err)
	}
	env.step(t, rep.ID, domain.StatusReopened, env.Admin, lifecycle.Payload{Notes: "escalation approved"})
	next, err := env.Engine.Escalate(env.Ctx, env.Admin, rep.ID, "again")
	if err != nil || next.Level != 2 {
		t.Fatalf("expected level 2, got %+v %v", next, err)
	}
}

func TestAppealRules(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusClassified)
	if _, err := env.Engine.FileAppeal(env.Ctx, env.Other, rep.ID, domain.AppealClassification, "wrong"); err == nil {
		t.Fatalf("only the creator may appeal")
	}
	if _, err := env.Engine.FileAppeal(env.Ctx, env.Citizen, rep.ID, "bogus", "wrong"); !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	a, err := env.Engine.FileAppeal(env.Ctx, env.Citizen, rep.ID, domain.AppealClassification, "wrong category")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DecideAppeal(env.Ctx, env.Citizen, a.ID, domain.AppealApproved); err == nil {
		t.Fatalf("citizens may not approve appeals")
	}
	a, err = env.Engine.DecideAppeal(env.Ctx, env.Citizen, a.ID, domain.AppealWithdrawn)
	if err != nil || a.Status != domain.AppealWithdrawn || a.ResolvedAt == nil {
		t.Fatalf("withdraw: %+v %v", a, err)
	}
	list, err := env.Engine.ListAppeals(env.Ctx, rep.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("list appeals: %v %v", list, err)
	}
}

func TestDuplicateGuards(t *testing.T) {
	env := newTestEnv(t)
	original := env.createReport(t)
	dup := env.createReport(t)
	third := env.createReport(t)

	_, err := env.Engine.Execute(env.Ctx, dup.ID, domain.StatusDuplicate, env.Admin, lifecycle.Payload{DuplicateOfReportID: int64p(dup.ID), Notes: "same"})
	expectKind(t, err, engine.KindGuardFailed)
	_, err = env.Engine.Execute(env.Ctx, dup.ID, domain.StatusDuplicate, env.Admin, lifecycle.Payload{DuplicateOfReportID: int64p(9999), Notes: "same"})
	expectKind(t, err, engine.KindGuardFailed)

	snap := env.step(t, dup.ID, domain.StatusDuplicate, env.Admin, lifecycle.Payload{DuplicateOfReportID: int64p(original.ID), Notes: "same pothole"})
	if !snap.Report.IsDuplicate || snap.Report.DuplicateOfReportID == nil || *snap.Report.DuplicateOfReportID != original.ID {
		t.Fatalf("duplicate fields not written: %+v", snap.Report)
	}
	_, err = env.Engine.Execute(env.Ctx, third.ID, domain.StatusDuplicate, env.Admin, lifecycle.Payload{DuplicateOfReportID: int64p(dup.ID), Notes: "same"})
	expectKind(t, err, engine.KindGuardFailed)
}

func TestRejectWritesReason(t *testing.T) {
	env := newTestEnv(t)
	rep := env.createReport(t)
	snap := env.step(t, rep.ID, domain.StatusRejected, env.Admin, lifecycle.Payload{Notes: "not a municipal issue"})
	if snap.Report.RejectionReason != "not a municipal issue" {
		t.Fatalf("rejection reason not written")
	}
	for _, s := range domain.Statuses {
		if _, err := env.Engine.Execute(env.Ctx, rep.ID, s, env.Admin, lifecycle.Payload{Notes: "x"}); err == nil {
			t.Fatalf("rejected report moved to %s", s)
		}
	}
}

func TestAutoAssignPicksLeastBusyOfficer(t *testing.T) {
	env := newTestEnv(t)
	// Officer one already holds an open task.
	env.walk(t, domain.StatusAssignedToOfficer)
	rep := env.walk(t, domain.StatusAssignedToDepartment)

	snap, err := env.Engine.AutoAssign(env.Ctx, rep.ID, env.Admin, engine.AutoAssignOptions{})
	if err != nil {
		t.Fatalf("auto assign: %v", err)
	}
	if snap.Task.AssignedTo != env.Officer2.ID {
		t.Fatalf("expected officer two, got %d", snap.Task.AssignedTo)
	}
	if snap.Task.Priority != 5 {
		t.Fatalf("expected default priority, got %d", snap.Task.Priority)
	}

	rejected := env.walk(t, domain.StatusAssignedToOfficer)
	env.step(t, rejected.ID, domain.StatusAssignmentRejected, env.Officer, lifecycle.Payload{Notes: "on leave"})
	snap, err = env.Engine.AutoAssign(env.Ctx, rejected.ID, env.Admin, engine.AutoAssignOptions{Strategy: engine.StrategyBalanced, Priority: intp(8)})
	if err != nil {
		t.Fatalf("auto assign after rejection: %v", err)
	}
	if snap.Task.AssignedTo == env.Officer.ID {
		t.Fatalf("officer who rejected was picked again")
	}

	classified := env.walk(t, domain.StatusClassified)
	_, err = env.Engine.AutoAssign(env.Ctx, classified.ID, env.Admin, engine.AutoAssignOptions{})
	expectKind(t, err, engine.KindGuardFailed)
}

func TestPickOfficer(t *testing.T) {
	loads := []domain.OfficerLoad{
		{UserID: 3, OpenTasks: 1, OpenPrioritySum: 9},
		{UserID: 4, OpenTasks: 2, OpenPrioritySum: 4},
		{UserID: 5, OpenTasks: 1, OpenPrioritySum: 4},
	}
	if id, _ := engine.PickOfficer(loads, engine.StrategyLeastBusy, 0); id != 3 {
		t.Fatalf("least busy: expected 3, got %d", id)
	}
	if id, _ := engine.PickOfficer(loads, engine.StrategyBalanced, 0); id != 4 {
		t.Fatalf("balanced: expected 4, got %d", id)
	}
	if id, _ := engine.PickOfficer(loads, engine.StrategyLeastBusy, 3); id != 5 {
		t.Fatalf("excluded: expected 5, got %d", id)
	}
	if _, ok := engine.PickOfficer(nil, engine.StrategyLeastBusy, 0); ok {
		t.Fatalf("expected no officer")
	}
}

func TestAvailableActions(t *testing.T) {
	env := newTestEnv(t)
	rep := env.walk(t, domain.StatusAssignedToOfficer)
	actions, err := env.Engine.AvailableActions(env.Ctx, rep.ID, env.Officer)
	if err != nil {
		t.Fatal(err)
	}
	targets := map[domain.Status]bool{}
	for _, a := range actions {
		targets[a.Target] = true
	}
	if len(actions) != 2 || !targets[domain.StatusAcknowledged] || !targets[domain.StatusAssignmentRejected] {
		t.Fatalf("unexpected officer actions %+v", actions)
	}
	actions, err = env.Engine.AvailableActions(env.Ctx, rep.ID, env.Officer2)
	if err != nil || len(actions) != 0 {
		t.Fatalf("non-assignee should have no actions: %+v %v", actions, err)
	}
	if _, err := env.Engine.AvailableActions(env.Ctx, 9999, env.Admin); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExecuteUnknownReport(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Execute(env.Ctx, 9999, domain.StatusPendingClassification, env.Admin, lifecycle.Payload{})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelledContextChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	rep := env.createReport(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	if _, err := env.Engine.Execute(ctx, rep.ID, domain.StatusPendingClassification, env.Admin, lifecycle.Payload{}); err == nil {
		t.Fatalf("expected error on cancelled context")
	}
	view, err := env.Engine.GetReport(env.Ctx, rep.ID)
	if err != nil || view.Report.Status != domain.StatusReceived {
		t.Fatalf("cancelled transition changed state: %+v %v", view.Report, err)
	}
}

func TestExecuteIntentRecordsOutcome(t *testing.T) {
	env := newTestEnv(t)
	rep := env.createReport(t)
	if _, err := env.Engine.ExecuteIntent(env.Ctx, "intent-1", rep.ID, domain.StatusPendingClassification, env.Admin, lifecycle.Payload{}); err != nil {
		t.Fatalf("execute intent: %v", err)
	}
	in, err := env.Engine.Repo.GetAppliedIntent(env.Ctx, env.DB, "intent-1")
	if err != nil || in == nil || in.Outcome != "applied" || in.ReportID != rep.ID {
		t.Fatalf("intent not recorded: %+v %v", in, err)
	}
	_, err = env.Engine.ExecuteIntent(env.Ctx, "intent-2", rep.ID, domain.StatusClosed, env.Admin, lifecycle.Payload{})
	expectKind(t, err, engine.KindIllegalTransition)
	in, err = env.Engine.Repo.GetAppliedIntent(env.Ctx, env.DB, "intent-2")
	if err != nil || in != nil {
		t.Fatalf("failed intent should not be recorded as applied: %+v %v", in, err)
	}
}
