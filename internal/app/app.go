package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"civicflow/internal/config"
	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/migrate"
	"civicflow/internal/notify"
	"civicflow/internal/repo"
)

// App holds the wired dependencies shared by the CLI commands.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Engine  engine.Engine
	// Queue is nil unless notifications.redis_addr is set.
	Queue *notify.RedisQueue
	Log   zerolog.Logger
}

// Open connects to the configured database, applies migrations and builds
// the engine. Notifications go to Redis when configured, otherwise to the log.
func Open(ctx context.Context, workspace string, cfg *config.Config, log zerolog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	conn, dialect, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{Config: cfg, DB: conn, Dialect: dialect, Log: log}
	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	if n := cfg.Notifications; n.RedisAddr != "" {
		a.Queue = notify.NewRedisQueue(notify.RedisOptions{
			Addr:     n.RedisAddr,
			Password: n.RedisPassword,
			DB:       n.RedisDB,
			QueueKey: n.QueueKey,
			DeadKey:  n.DeadKey,
		})
		if err := a.Queue.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", n.RedisAddr).Msg("redis unreachable; notifications will fail until it recovers")
		}
		notifier = a.Queue
	}
	a.Engine = engine.New(conn, dialect, notifier, log)
	strategy, err := engine.ParseStrategy(cfg.Assignment.DefaultStrategy)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine.DefaultStrategy = strategy
	if cfg.Assignment.DefaultPriority > 0 {
		a.Engine.DefaultPriority = cfg.Assignment.DefaultPriority
	}
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// JWTSecret reads the signing secret from the environment variable named in config.
func (a *App) JWTSecret() string {
	return strings.TrimSpace(os.Getenv(a.Config.Auth.JWTSecretEnv))
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (a *App) AddDepartment(ctx context.Context, name string) (domain.Department, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Department{}, errors.New("department name is required")
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Department{}, err
	}
	defer tx.Rollback()
	d, err := a.Engine.Repo.InsertDepartment(ctx, tx, name, now())
	if err != nil {
		return d, err
	}
	return d, tx.Commit()
}

// AddUser registers a user. Only officers belong to a department.
func (a *App) AddUser(ctx context.Context, name string, role domain.Role, departmentID *int64) (domain.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.User{}, errors.New("user name is required")
	}
	if role == domain.RoleOfficer && departmentID == nil {
		return domain.User{}, errors.New("officers need a department")
	}
	if role != domain.RoleOfficer && departmentID != nil {
		return domain.User{}, fmt.Errorf("%s users do not belong to a department", role)
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if departmentID != nil {
		if _, err := a.Engine.Repo.GetDepartment(ctx, *departmentID); err != nil {
			return domain.User{}, fmt.Errorf("department %d: %w", *departmentID, err)
		}
	}
	u, err := a.Engine.Repo.InsertUser(ctx, tx, domain.User{Name: name, Role: role, DepartmentID: departmentID, CreatedAt: now()})
	if err != nil {
		return u, err
	}
	return u, tx.Commit()
}

// IssueAPIKey creates a key for a user and returns its only plaintext copy.
func (a *App) IssueAPIKey(ctx context.Context, userID int64, name string) (string, domain.APIKey, error) {
	if _, err := a.Engine.Repo.GetUser(ctx, userID); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("user %d: %w", userID, err)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "cf_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: now(),
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", key, err
	}
	defer tx.Rollback()
	if err := a.Engine.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", key, err
	}
	return plain, key, tx.Commit()
}

// Actor resolves a CLI identity. User id 0 with role system is the
// scheduler/automation identity.
func (a *App) Actor(ctx context.Context, userID int64, role string) (domain.Actor, error) {
	if userID == 0 {
		r, err := domain.ParseRole(firstNonEmpty(role, string(domain.RoleSystem)))
		if err != nil {
			return domain.Actor{}, err
		}
		if r != domain.RoleSystem {
			return domain.Actor{}, errors.New("--as is required for non-system roles")
		}
		return domain.Actor{Role: r}, nil
	}
	u, err := a.Engine.Repo.GetUser(ctx, userID)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("user %d: %w", userID, err)
	}
	return domain.Actor{ID: u.ID, Role: u.Role}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
