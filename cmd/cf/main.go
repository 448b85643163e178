package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civicflow/internal/app"
	"civicflow/internal/config"
	"civicflow/internal/domain"
	"civicflow/internal/logging"
	"civicflow/internal/notify"
	"civicflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "civicflow CLI",
	Long: `civicflow tracks civic issue reports from submission to closure.
- Reports move through a fixed transition table; every change is checked for role, required fields and guards, then written with its history entry in one transaction.
- Officers work reports through a task bound to the report; the task follows the report's status.
- Appeals and escalations let citizens contest decisions and back a reopen.
- Notifications are queued in Redis after commit and delivered to webhooks by 'cf relay'.
Identity: pass --as <user id>; omit it to act as the system.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CIVICFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/civicflow.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("as", 0, "acting user id (0 acts as the system)")
	rootCmd.PersistentFlags().String("db-driver", "", "database driver override (sqlite|postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database DSN override")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	for _, name := range []string{"workspace", "config", "json", "as", "db-driver", "dsn", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(departmentCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(appealCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(outboxCmd())
}

// loadConfig reads the config file and applies flag/env overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("db-driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v := viper.GetString("dsn"); v != "" {
		cfg.Database.DSN = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("redis-addr"); v != "" {
		cfg.Notifications.RedisAddr = v
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withActor resolves --as before running fn.
func withActor(ctx context.Context, fn func(context.Context, *app.App, domain.Actor) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		actor, err := a.Actor(ctx, viper.GetInt64("as"), "")
		if err != nil {
			return err
		}
		return fn(ctx, a, actor)
	})
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect or create civicflow.yml"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default civicflow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("database ready (%s)\n", a.Dialect)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:           a.JWTSecret(),
					AllowDevActorHeader: cfg.Auth.AllowDevActorHeader,
					Logger:              &a.Log,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowDevActorHeader {
					return fmt.Errorf("%s is required for bearer auth", cfg.Auth.JWTSecretEnv)
				}
				handler, err := server.New(server.Config{
					Engine:             a.Engine,
					BasePath:           basePath,
					Auth:               authCfg,
					Log:                a.Log,
					CORSOrigins:        cfg.Server.CORSOrigins,
					RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{
					Addr:              addr,
					Handler:           handler,
					ReadTimeout:       15 * time.Second,
					WriteTimeout:      15 * time.Second,
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info().Str("addr", addr).Str("base_path", basePath).Msg("api listening (OpenAPI at /openapi.json, Swagger UI at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				a.Log.Info().Msg("shutdown complete")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func relayCmd() *cobra.Command {
	var redisAddr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Deliver queued notifications to the configured webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if redisAddr != "" {
				viper.Set("redis-addr", redisAddr)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Queue == nil {
					return errors.New("notifications.redis_addr is not configured")
				}
				relay := notify.NewRelay(a.Queue, a.Config.Notifications, a.Log)
				pending, err := a.Queue.Depth(ctx)
				if err != nil {
					return fmt.Errorf("read queue depth: %w", err)
				}
				dead, err := a.Queue.DeadDepth(ctx)
				if err != nil {
					return fmt.Errorf("read dead letter depth: %w", err)
				}
				a.Log.Info().
					Int("webhooks", len(a.Config.Notifications.Webhooks)).
					Int64("pending", pending).
					Int64("dead", dead).
					Msg("relay started")
				if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "redis address override")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for the --as user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				secret := a.JWTSecret()
				if secret == "" {
					return fmt.Errorf("%s is not set", a.Config.Auth.JWTSecretEnv)
				}
				token, err := server.SignToken(secret, actor, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, arg)
	}
	return id, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalID(cmd *cobra.Command, flag string, v int64) *int64 {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &v
}

func optionalInt(cmd *cobra.Command, flag string, v int) *int {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &v
}

func orDash(v *string) string {
	if v == nil || *v == "" {
		return "-"
	}
	return *v
}

func idOrDash(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}
