package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"stateline/internal/app"
	"stateline/internal/config"
	"stateline/internal/db"
	"stateline/internal/engine/auth"
	"stateline/internal/logging"
	"stateline/internal/migrate"
	"stateline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stateline CLI",
	Long: `Stateline manages per-project workflow states, the transition rules between
them and the workspace configuration records that sit around issues.
- States belong to a project, carry a group (backlog, unstarted, started,
  completed, cancelled, triage) and exactly one of them is the default.
- Transitions are explicit allow or deny rules between two states; pairs
  without a rule follow workflow.transition_default.
- Deleted records are kept with a deleted_at stamp; names become reusable.
- Every change is recorded in the event log, see 'sl events tail'.`,
	SilenceUsage: true,
}

func main() {
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
	viper.SetEnvPrefix("STATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", config.FileName, "config file")
	rootCmd.PersistentFlags().String("db", "", "sqlite database path (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on changes")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace slug")
	rootCmd.PersistentFlags().StringP("project", "p", "", "project id")
	for _, name := range []string{"config", "db", "json", "actor-id", "workspace", "project"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(resourceCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(eventsCmd())
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage stateline.yml"}
	cfgCmd.AddCommand(configInitCmd())
	cfgCmd.AddCommand(configShowCmd())
	cfgCmd.AddCommand(configValidateCmd())
	return cfgCmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Auth.JWTSecret = redact(cfg.Auth.JWTSecret)
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("config")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(cmd.Context(), cfg.DB())
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": applied, "driver": conn.Driver})
			}
			fmt.Printf("Applied %d migration(s) on %s\n", applied, conn.Driver)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowLegacyActorHeader {
				return errors.New("auth.jwt_secret (or STATELINE_JWT_SECRET) is required for bearer auth")
			}
			logger, err := logging.New(cfg.Log.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			a, err := app.Open(cmd.Context(), cfg, app.Options{Logger: logger, Registerer: registry})
			if err != nil {
				return err
			}
			defer a.Close()

			policy, err := cfg.PolicyTable()
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:              cfg.Auth.JWTSecret,
					AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				},
				Policy:   policy,
				Metrics:  a.Metrics,
				Gatherer: registry,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      handler,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					logger.Warn("shutdown", zap.Error(err))
				}
			}()
			logger.Info("serving",
				zap.String("addr", cfg.Server.Addr),
				zap.String("base_path", cfg.Server.BasePath),
				zap.String("driver", string(a.DB.Driver)))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var roles []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token for --actor-id",
		Example: `  sl token issue --role acme=admin
  sl token issue --role '*=viewer' --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			grants := map[string]auth.Role{}
			for _, spec := range roles {
				ws, name, ok := strings.Cut(spec, "=")
				if !ok || ws == "" {
					return fmt.Errorf("role %q must look like workspace=role", spec)
				}
				r, err := auth.ParseRole(name)
				if err != nil {
					return err
				}
				grants[ws] = r
			}
			token, err := server.SignToken(cfg.Auth.JWTSecret, viper.GetString("actor-id"), grants, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringSliceVar(&roles, "role", nil, "workspace=role grant (repeatable, * for every workspace)")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	tok.AddCommand(issue)
	return tok
}

// --- helpers ---

// loadConfig reads the config file when present and applies flag and
// STATELINE_* environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if path := viper.GetString("db"); path != "" {
		cfg.Database.Driver = string(db.SQLite)
		cfg.Database.Path = path
	}
	if url := viper.GetString("database-url"); url != "" {
		cfg.Database.Driver = string(db.Postgres)
		cfg.Database.URL = url
	}
	if secret := viper.GetString("jwt-secret"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 5 * time.Second
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.Open(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actor() string {
	return viper.GetString("actor-id")
}

func workspaceFlag() (string, error) {
	ws := strings.TrimSpace(viper.GetString("workspace"))
	if ws == "" {
		return "", errors.New("--workspace (or STATELINE_WORKSPACE) is required")
	}
	return ws, nil
}

func projectFlags() (string, string, error) {
	ws, err := workspaceFlag()
	if err != nil {
		return "", "", err
	}
	p := strings.TrimSpace(viper.GetString("project"))
	if p == "" {
		return "", "", errors.New("--project (or STATELINE_PROJECT) is required")
	}
	return ws, p, nil
}

// printJSONOrTable prints v as JSON under --json and renders a table otherwise.
func printJSONOrTable(v any, render func(tw table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	render(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
