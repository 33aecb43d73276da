package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"followline/internal/app"
	"followline/internal/config"
	"followline/internal/db"
	"followline/internal/detect"
	"followline/internal/domain"
	"followline/internal/engine"
	"followline/internal/logging"
	"followline/internal/repo"
	"followline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Followline CLI",
	Long: `Followline runs follow-up work through a task lifecycle engine.
Detectors watch business systems (overdue invoices, stale leads) and open
tasks; the scheduler promotes due tasks; the executor composes a message and
either drafts it, sends it, or holds it for approval depending on the task's
autonomy mode and risk. Every change lands in an append-only event log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FOLLOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "Config is the rulebook: worker intervals, delivery channel, risk thresholds, and the default autonomy mode per task type. Stored as followline.yml in the workspace.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default followline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				counts, err := rt.Engine.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task_counts": counts})
				}
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow pending -> scheduled -> in_progress and end completed, failed, or cancelled. Assisted high-risk tasks pause in awaiting_approval until a human approves.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskTransitionCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskCancelCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var id, taskType, mode, priority, owner, refType, refID, dueAt, payloadJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("--payload-json: %w", err)
				}
			}
			actor := app.Actor(viper.GetString("actor-id"))
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.CreateTask(ctx, engine.TaskCreateOptions{
					ID:             id,
					Type:           taskType,
					Mode:           domain.Mode(mode),
					Priority:       domain.Priority(priority),
					OwnerType:      string(actor.Type),
					OwnerID:        owner,
					SubjectRefType: refType,
					SubjectRefID:   refID,
					DueAt:          dueAt,
					Source:         "cli",
					Payload:        payload,
				}, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&taskType, "type", "", "task type")
	cmd.Flags().StringVar(&mode, "mode", "suggestion", "autonomy mode (suggestion, assisted, autonomous)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&owner, "owner-id", "", "owner id")
	cmd.Flags().StringVar(&refType, "subject-ref-type", "", "business subject kind (invoice, lead)")
	cmd.Flags().StringVar(&refID, "subject-ref-id", "", "business subject id")
	cmd.Flags().StringVar(&dueAt, "due-at", "", "due time RFC3339 (empty: eligible now)")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "payload JSON")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("owner-id")
	_ = cmd.MarkFlagRequired("subject-ref-type")
	_ = cmd.MarkFlagRequired("subject-ref-id")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tasks, err := rt.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Mode", "Priority", "Subject", "Due"})
				for _, t := range tasks {
					due := ""
					if t.DueAt != nil {
						due = *t.DueAt
					}
					tw.AppendRow(table.Row{t.ID, t.Type, t.Status, t.Mode, t.Priority, t.SubjectRefType + "/" + t.SubjectRefID, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner-id", "", "owner filter")
	cmd.Flags().StringVar(&f.SubjectRefType, "subject-ref-type", "", "subject kind filter")
	cmd.Flags().StringVar(&f.SubjectRefID, "subject-ref-id", "", "subject id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskTransitionCmd() *cobra.Command {
	var status, transitionErr string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Transition task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			actor := app.Actor(viper.GetString("actor-id"))
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				newStatus := domain.Status(status)
				var t domain.Task
				var err error
				if newStatus == domain.StatusInProgress {
					t, err = rt.Engine.Claim(ctx, id, actor)
				} else {
					t, err = rt.Engine.Transition(ctx, id, newStatus, actor, transitionErr)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&transitionErr, "error", "", "error detail when failing a task")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a held task for sending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			actor := app.Actor(viper.GetString("actor-id"))
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.Approve(ctx, id, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			actor := app.Actor(viper.GetString("actor-id"))
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.Cancel(ctx, id, actor, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func detectCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "detect",
		Short: "Detectors",
	}
	d.AddCommand(detectSweepCmd())
	return d
}

func detectSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run all configured detectors once",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(logging.Config{Level: "info"})
			if err != nil {
				return err
			}
			defer log.Sync()
			return withRuntimeLog(cmd.Context(), log, func(ctx context.Context, rt *app.Runtime) error {
				if len(rt.Detectors.All()) == 0 {
					return fmt.Errorf("no detector sources configured; set sources.invoice_ledger or sources.lead_book")
				}
				runner := &detect.Runner{
					Engine:   rt.Engine,
					Registry: rt.Detectors,
					Config:   rt.Config,
					Log:      log,
				}
				runner.Sweep(ctx)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task creations, transitions, approvals, failures.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.ListEvents(ctx, repo.EventFilters{
					TaskID:    taskID,
					EventType: evtType,
					Limit:     n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Event", "Old", "New", "Actor", "At"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TaskID, e.EventType, deref(e.OldStatus), deref(e.NewStatus), string(e.ActorType) + ":" + e.ActorID, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run workers without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(logging.Config{Level: viper.GetString("log-level")})
			if err != nil {
				return err
			}
			defer log.Sync()
			return withRuntimeLog(cmd.Context(), log, func(ctx context.Context, rt *app.Runtime) error {
				log.Info("workers started",
					zap.String("workspace", viper.GetString("workspace")))
				rt.RunWorkers(ctx)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(logging.Config{Level: viper.GetString("log-level")})
			if err != nil {
				return err
			}
			defer log.Sync()
			return withRuntimeLog(cmd.Context(), log, func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if addr == "" {
					addr = "127.0.0.1:8080"
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("FOLLOWLINE_JWT_SECRET"),
					AllowLegacyActorHeader: rt.Config.Auth.AllowLegacyActorHeader,
					Logger:                 log,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
					return fmt.Errorf("FOLLOWLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				if !noWorkers {
					go rt.RunWorkers(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Followline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API only")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	return withRuntimeLog(ctx, nil, fn)
}

func withRuntimeLog(ctx context.Context, log *zap.Logger, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.New(app.Options{
		Workspace: viper.GetString("workspace"),
		Log:       log,
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
