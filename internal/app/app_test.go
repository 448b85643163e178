package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"civicflow/internal/config"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/lifecycle"
	"civicflow/internal/repo"
)

func openTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := Open(context.Background(), t.TempDir(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestOpenAppliesAssignmentDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Assignment.DefaultStrategy = "balanced"
	cfg.Assignment.DefaultPriority = 8
	a := openTestApp(t, cfg)
	if a.Engine.DefaultStrategy != engine.StrategyBalanced {
		t.Fatalf("strategy = %q", a.Engine.DefaultStrategy)
	}
	if a.Engine.DefaultPriority != 8 {
		t.Fatalf("priority = %d", a.Engine.DefaultPriority)
	}
	if a.Queue != nil {
		t.Fatalf("queue should be nil without redis_addr")
	}
}

func TestOpenRejectsUnknownStrategy(t *testing.T) {
	cfg := config.Default()
	cfg.Assignment.DefaultStrategy = "round_robin"
	if _, err := Open(context.Background(), t.TempDir(), cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}

func TestOpenWiresRedisQueue(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	cfg := config.Default()
	cfg.Notifications.RedisAddr = mr.Addr()
	a := openTestApp(t, cfg)
	if a.Queue == nil {
		t.Fatalf("expected redis queue")
	}

	ctx := context.Background()
	citizen, err := a.AddUser(ctx, "Ada", domain.RoleCitizen, nil)
	if err != nil {
		t.Fatal(err)
	}
	admin, err := a.AddUser(ctx, "Root", domain.RoleAdmin, nil)
	if err != nil {
		t.Fatal(err)
	}
	rep, err := a.Engine.CreateReport(ctx, domain.Actor{ID: citizen.ID, Role: citizen.Role}, engine.NewReport{Title: "Pothole"})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	if _, err := a.Engine.Execute(ctx, rep.ID, domain.StatusPendingClassification, domain.Actor{ID: admin.ID, Role: admin.Role}, lifecycle.Payload{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if n, err := mr.List(cfg.Notifications.QueueKey); err != nil || len(n) == 0 {
		t.Fatalf("expected queued notification, got %v (%v)", n, err)
	}
}

func TestAddUserDepartmentRules(t *testing.T) {
	a := openTestApp(t, config.Default())
	dept, err := a.AddDepartment(context.Background(), "  Parks ")
	if err != nil {
		t.Fatal(err)
	}
	if dept.Name != "Parks" {
		t.Fatalf("name not trimmed: %q", dept.Name)
	}
	if _, err := a.AddDepartment(context.Background(), " "); err == nil {
		t.Fatalf("expected error for blank department")
	}
	if _, err := a.AddUser(context.Background(), "Olu", domain.RoleOfficer, nil); err == nil {
		t.Fatalf("officer without department should fail")
	}
	if _, err := a.AddUser(context.Background(), "Ada", domain.RoleCitizen, &dept.ID); err == nil {
		t.Fatalf("citizen with department should fail")
	}
	missing := int64(999)
	if _, err := a.AddUser(context.Background(), "Olu", domain.RoleOfficer, &missing); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	u, err := a.AddUser(context.Background(), "Olu", domain.RoleOfficer, &dept.ID)
	if err != nil {
		t.Fatal(err)
	}
	if u.DepartmentID == nil || *u.DepartmentID != dept.ID {
		t.Fatalf("department not stored: %+v", u)
	}
}

func TestIssueAPIKeyStoresHashOnly(t *testing.T) {
	a := openTestApp(t, config.Default())
	u, err := a.AddUser(context.Background(), "Audrey", domain.RoleAuditor, nil)
	if err != nil {
		t.Fatal(err)
	}
	plain, key, err := a.IssueAPIKey(context.Background(), u.ID, " ci ")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(plain, "cf_") || key.KeyHash == plain {
		t.Fatalf("unexpected key material: %q / %q", plain, key.KeyHash)
	}
	stored, err := a.Engine.Repo.GetAPIKeyByHash(context.Background(), repo.HashAPIKey(plain))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.UserID != u.ID || stored.Name != "ci" {
		t.Fatalf("unexpected stored key: %+v", stored)
	}
	if _, _, err := a.IssueAPIKey(context.Background(), 999, ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActorResolution(t *testing.T) {
	a := openTestApp(t, config.Default())
	sys, err := a.Actor(context.Background(), 0, "")
	if err != nil || sys.Role != domain.RoleSystem {
		t.Fatalf("system actor: %+v %v", sys, err)
	}
	if _, err := a.Actor(context.Background(), 0, "admin"); err == nil {
		t.Fatalf("admin without id should fail")
	}
	u, err := a.AddUser(context.Background(), "Root", domain.RoleAdmin, nil)
	if err != nil {
		t.Fatal(err)
	}
	actor, err := a.Actor(context.Background(), u.ID, "")
	if err != nil || actor.Role != domain.RoleAdmin || actor.ID != u.ID {
		t.Fatalf("user actor: %+v %v", actor, err)
	}
}

