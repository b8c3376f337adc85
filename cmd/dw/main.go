package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"duewatch/internal/app"
	"duewatch/internal/config"
	"duewatch/internal/db"
	"duewatch/internal/domain"
	"duewatch/internal/engine"
	"duewatch/internal/engine/auth"
	"duewatch/internal/repo"
	"duewatch/internal/scheduler"
	"duewatch/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dw",
	Short: "duewatch reminder and escalation engine",
	Long: `duewatch watches dated project records (milestones, deliverables, purchase orders,
invoices, tasks and issues) and reminds the right people before and after their dates.
- Rules: which entity type, which trigger (days_before, days_after, on_date, recurring), who hears about it and on which channels.
- Sweep: one pass over every active rule; each (rule, entity) pair fires at most once per threshold crossing.
- Escalation: an unacknowledged reminder is re-sent to the escalation roles after the configured number of days.
- Inbox: in-app notifications; reading one acknowledges the reminder behind it.
- Workspace: the .duewatch directory holding the database, next to duewatch.yml.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DUEWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(ackCmd())
	rootCmd.AddCommand(deliveriesCmd())
	rootCmd.AddCommand(fireRecordsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage duewatch.yml",
		Long:  "duewatch.yml holds the sweep schedule, day counting policy, delivery retry settings, transports, redis, auth and operator webhooks. Missing keys keep their defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default duewatch.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
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
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate duewatch.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config", color.GreenString("OK"))
			return nil
		},
	}
}

func entityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Watched project records",
	}
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert projects, users and entities from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			ds, err := config.LoadDataset(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.ImportDataset(ctx, ds)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
	importCmd.Flags().StringVarP(&file, "file", "f", "", "dataset file")
	cmd.AddCommand(importCmd)
	return cmd
}

func sweepCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep now",
		Long:  "Evaluates every active rule, fires due reminders, redrives pending deliveries and escalates unacknowledged reminders. --at pins the clock for backfills and rehearsals.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if at != "" {
					pinned, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return fmt.Errorf("invalid --at: %w", err)
					}
					e.Now = func() time.Time { return pinned }
					e.Dispatcher.Now = e.Now
				}
				rep, err := e.Sweep(ctx)
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				printSweepReport(rep)
				if err != nil && len(rep.Errors) == 0 {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate as of this RFC3339 instant")
	return cmd
}

func printSweepReport(rep engine.SweepReport) {
	status := color.New(color.FgGreen, color.Bold).Sprint("OK")
	switch {
	case rep.Abandoned:
		status = color.New(color.FgRed, color.Bold).Sprint("ABANDONED")
	case len(rep.Errors) > 0 || rep.Failed > 0:
		status = color.New(color.FgYellow, color.Bold).Sprint("PARTIAL")
	}
	fmt.Printf("sweep at %s: %s (%s)\n", rep.Now.Format(time.RFC3339), status, rep.Duration)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Metric", "Count"})
	tw.AppendRows([]table.Row{
		{"rules", rep.Rules},
		{"entities", rep.Entities},
		{"triggered", rep.Triggered},
		{"fired", rep.Fired},
		{"suppressed", rep.Suppressed},
		{"stale", rep.Stale},
		{"unresolved", rep.Unresolved},
		{"forgotten", rep.Forgotten},
		{"escalated", rep.Escalated},
		{"notifications", rep.Notifications},
		{"delivered", rep.Delivered},
		{"failed", rep.Failed},
		{"pending", rep.Pending},
		{"redriven", rep.Redriven},
	})
	tw.Render()
	for _, msg := range rep.Errors {
		fmt.Println(color.YellowString("fault:"), msg)
	}
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Event log",
		Long:  "Every rule change, fired reminder, escalation, acknowledgement and delivery outcome is recorded here.",
	}
	var n int
	var evtType, entityKind, entityID, projectID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEvents(ctx, repo.EventFilters{
					Type:       evtType,
					ProjectID:  projectID,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&n, "n", 20, "number of events")
	list.Flags().StringVar(&evtType, "type", "", "event type filter")
	list.Flags().StringVar(&projectID, "project", "", "project id")
	list.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	list.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.AddCommand(list)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := "dw_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": actor, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created", "Last used"})
				for _, k := range keys {
					lastUsed := "never"
					if k.LastUsedAt != nil {
						lastUsed = k.LastUsedAt.Local().Format(time.DateTime)
					}
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt.Local().Format(time.DateTime), lastUsed})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "filter by actor")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(create, list, del)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := app.Open(ctx, viper.GetString("workspace"), os.Stderr)
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg := rt.Config

			secret := viper.GetString("jwt-secret")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("DUEWATCH_JWT_SECRET or auth.jwt_secret is required for bearer auth")
			}

			var sched *scheduler.Scheduler
			if !noScheduler {
				loc := time.UTC
				if cfg.Policy.Timezone != "" {
					if loc, err = time.LoadLocation(cfg.Policy.Timezone); err != nil {
						return err
					}
				}
				sched, err = scheduler.New(cfg.Sweep.Schedule, loc, rt.Engine, rt.Logger)
				if err != nil {
					return err
				}
				sched.Start(ctx)
				defer sched.Stop()
				rt.Logger.Info("scheduler started", "schedule", cfg.Sweep.Schedule, "next", sched.Next())
			}
			server.NewEventForwarder(rt.Repo(), cfg.Webhooks, rt.Logger).Start(ctx)

			srvCfg := server.Config{
				Engine:   rt.Engine,
				Access:   auth.Service{Roles: rt.Engine.Repo, AdminRoles: cfg.Auth.Admins},
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyActorHeader: legacyHeader,
					AllowDevLogin:          cfg.Auth.DevLogin,
					Logger:                 rt.Logger,
				},
			}
			if sched != nil {
				srvCfg.Scheduler = sched
			}
			if cfg.Auth.DevLogin {
				rt.Logger.Warn("dev login enabled: anyone can mint tokens", "path", path.Join(basePath, "auth/dev/login"))
			}
			handler, err := server.New(srvCfg)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving duewatch API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without running scheduled sweeps")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "DEV ONLY: trust X-Actor-Id without credentials")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Open(ctx, viper.GetString("workspace"), os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e.Repo)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
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

func boolMark(v bool) string {
	if v {
		return color.GreenString("yes")
	}
	return "no"
}
