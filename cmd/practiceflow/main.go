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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"practiceflow/internal/app"
	"practiceflow/internal/automation"
	"practiceflow/internal/config"
	"practiceflow/internal/domain"
	"practiceflow/internal/eventlog"
	"practiceflow/internal/lock"
	"practiceflow/internal/repo"
	"practiceflow/internal/scheduler"
	"practiceflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "practiceflow",
	Short: "practiceflow workflow automation engine",
	Long: `practiceflow runs workflow templates for professional-services firms.
- Workflow: a template of stages, steps and tasks; instantiating it for a client creates an assignment.
- Dependencies: task edges (finish_to_start and friends, with lag days) that gate starts and completions.
- Triggers: "when X happens" rules on a workflow, stage or step, each with conditions and actions.
- Scheduler: periodic scans that fire the time-based triggers (due dates, overdue, schedules) and start delayed dependents.
- Trigger events: the append-only log of every fire, view with 'practiceflow events list'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PRACTICEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/practiceflow.yml)")
	flags.String("db", "", "database file (defaults to <workspace>/.practiceflow/practiceflow.db)")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("timezone", "", "timezone for calendar math (overrides config)")
	flags.String("redis-addr", "", "redis address; switches the scan lease to redis")
	for _, name := range []string{"workspace", "config", "db", "json", "log-level", "log-format", "timezone", "redis-addr"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(workflowsCmd())
	rootCmd.AddCommand(triggersCmd())
	rootCmd.AddCommand(fireCmd())
	rootCmd.AddCommand(configCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				fmt.Println("database ready")
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the scheduler and event forwarding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				ctx := cmd.Context()
				if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
					addr = a.Config.Server.Addr
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath})
				if err != nil {
					return err
				}

				if a.Config.Scheduler.Enabled && !noScheduler {
					locker, err := lock.New(a.Config.Scheduler.Lock)
					if err != nil {
						return err
					}
					if rl, ok := locker.(*lock.Redis); ok {
						defer rl.Close()
					}
					sched := scheduler.New(a.Engine, locker, a.Logger)
					if err := sched.Start(ctx); err != nil {
						return err
					}
					defer sched.Stop()
				}

				if len(a.Config.Forwarding) > 0 {
					fwd := eventlog.NewForwarder(a.Engine.Log, a.Config.Forwarding, a.Logger)
					go fwd.Run(ctx)
				}

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving practiceflow API", "addr", addr, "base_path", basePath)
				fmt.Printf("Serving practiceflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without running scans")
	return cmd
}

func schedulerCmd() *cobra.Command {
	sc := &cobra.Command{Use: "scheduler", Short: "Run time-based scans"}
	var kinds []string
	runOnce := &cobra.Command{
		Use:   "run-once",
		Short: "Run every scan (or the selected kinds) once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				locker, err := lock.New(a.Config.Scheduler.Lock)
				if err != nil {
					return err
				}
				if rl, ok := locker.(*lock.Redis); ok {
					defer rl.Close()
				}
				s := scheduler.New(a.Engine, locker, a.Logger)
				var rep scheduler.Report
				if len(kinds) == 0 {
					rep = s.RunOnce(cmd.Context())
				} else {
					for _, k := range kinds {
						sr, err := s.Scan(cmd.Context(), scheduler.Kind(k))
						rep.Scans = append(rep.Scans, sr)
						if err != nil {
							rep.Errors = append(rep.Errors, err)
						}
					}
				}
				if viper.GetBool("json") {
					if err := printJSON(rep.Scans); err != nil {
						return err
					}
				} else {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Scan", "Candidates", "Events", "Started", "Failures", "Skipped"})
					for _, sr := range rep.Scans {
						tw.AppendRow(table.Row{sr.Kind, sr.Candidates, sr.Events, sr.Started, sr.Failures, sr.Skipped})
					}
					tw.Render()
				}
				return rep.Err()
			})
		},
	}
	runOnce.Flags().StringSliceVar(&kinds, "kind", nil, "scan kind to run (repeatable)")
	sc.AddCommand(runOnce)
	return sc
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Inspect the trigger event log"}
	var f eventlog.Filter
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List trigger events in append order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.OrgID == "" {
				return fmt.Errorf("--org required")
			}
			f.Status = domain.ExecutionStatus(status)
			return withApp(func(a *app.App) error {
				events, err := a.Engine.Log.List(cmd.Context(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Fired", "Trigger", "Type", "Entity", "Status", "Depth", "Error"})
				for _, e := range events {
					tw.AppendRow(table.Row{
						e.Seq, e.FiredAt.Format(time.RFC3339), e.TriggerID, e.TriggerType,
						string(e.EntityType) + ":" + e.EntityID, e.ExecutionStatus, e.Depth, e.ExecutionError,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.OrgID, "org", "", "organization id")
	list.Flags().StringVar(&f.TriggerID, "trigger", "", "trigger id filter")
	list.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	list.Flags().StringVar(&f.AssignmentID, "assignment", "", "assignment id filter")
	list.Flags().StringVar(&f.ChainID, "chain", "", "cascade chain id filter")
	list.Flags().StringVar(&status, "status", "", "execution status filter")
	list.Flags().Int64Var(&f.AfterSeq, "after", 0, "only events after this sequence")
	list.Flags().IntVar(&f.Limit, "limit", 50, "maximum events")
	ev.AddCommand(list)
	return ev
}

func activityCmd() *cobra.Command {
	ac := &cobra.Command{Use: "activity", Short: "Inspect the entity mutation journal"}
	var org string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent mutations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				items, err := eventlog.ListActivity(cmd.Context(), a.DB, org, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Type", "Entity"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.Seq, e.TS.Format(time.RFC3339), e.Type, e.EntityKind + ":" + e.EntityID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&org, "org", "", "organization id")
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	_ = list.MarkFlagRequired("org")
	ac.AddCommand(list)
	return ac
}

func workflowsCmd() *cobra.Command {
	wc := &cobra.Command{Use: "workflows", Short: "Inspect workflow templates"}
	var org string
	list := &cobra.Command{
		Use:   "list",
		Short: "List workflow templates of an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				items, err := a.Engine.Repo.ListWorkflows(cmd.Context(), org)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Updated"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, w.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	show := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a template with its stages, steps and tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				wf, err := a.Engine.Workflow(cmd.Context(), org, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	for _, c := range []*cobra.Command{list, show} {
		c.Flags().StringVar(&org, "org", "", "organization id")
		_ = c.MarkFlagRequired("org")
		wc.AddCommand(c)
	}
	return wc
}

func triggersCmd() *cobra.Command {
	tc := &cobra.Command{Use: "triggers", Short: "Manage triggers"}
	var f repo.TriggerFilters
	var typ string
	list := &cobra.Command{
		Use:   "list",
		Short: "List triggers of an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.OrgID == "" {
				return fmt.Errorf("--org required")
			}
			f.Type = automation.TriggerType(typ)
			return withApp(func(a *app.App) error {
				items, err := a.Engine.ListTriggers(cmd.Context(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Workflow", "Scope", "Type", "Actions", "Enabled"})
				for _, t := range items {
					scope := string(t.Scope)
					if t.ScopeID != "" {
						scope += ":" + t.ScopeID
					}
					tw.AppendRow(table.Row{t.ID, t.WorkflowID, scope, t.Type(), len(t.Definition.Actions), t.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.OrgID, "org", "", "organization id")
	list.Flags().StringVar(&f.WorkflowID, "workflow", "", "workflow id filter")
	list.Flags().StringVar(&typ, "type", "", "trigger type filter")
	list.Flags().BoolVar(&f.EnabledOnly, "enabled", false, "only enabled triggers")
	tc.AddCommand(list)

	for _, enabled := range []bool{true, false} {
		verb := "enable"
		if !enabled {
			verb = "disable"
		}
		var org string
		c := &cobra.Command{
			Use:   verb + " <trigger-id>",
			Short: strings.ToUpper(verb[:1]) + verb[1:] + " a trigger",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app.App) error {
					t, err := a.Engine.SetTriggerEnabled(cmd.Context(), org, args[0], enabled)
					if err != nil {
						return err
					}
					return printJSONOrTable(t)
				})
			},
		}
		c.Flags().StringVar(&org, "org", "", "organization id")
		_ = c.MarkFlagRequired("org")
		tc.AddCommand(c)
	}
	return tc
}

func fireCmd() *cobra.Command {
	var req domain.FireRequest
	var entityType string
	cmd := &cobra.Command{
		Use:   "fire",
		Short: "Fire matching triggers for an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.EntityType = domain.EntityType(entityType)
			return withApp(func(a *app.App) error {
				events, err := a.Engine.FireTrigger(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().StringVar(&req.OrgID, "org", "", "organization id")
	cmd.Flags().StringVar(&req.Type, "type", string(automation.Manual), "trigger type")
	cmd.Flags().StringVar(&entityType, "entity-type", string(domain.EntityAssignment), "entity type")
	cmd.Flags().StringVar(&req.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&req.TriggerID, "trigger", "", "only fire this trigger")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("entity-id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Config is read from practiceflow.yml in the workspace (or --config), over the built-in defaults. PRACTICEFLOW_* environment variables override selected keys.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(appOptions())
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(appOptions())
			if err == nil {
				err = c.Validate()
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
	})
	return cfg
}

// --- helpers ---

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		DBPath:     viper.GetString("db"),
		LogLevel:   viper.GetString("log-level"),
		LogFormat:  viper.GetString("log-format"),
		Override: func(c *config.Config) {
			if tz := viper.GetString("timezone"); tz != "" {
				c.Engine.Timezone = tz
			}
			if addr := viper.GetString("redis-addr"); addr != "" {
				c.Scheduler.Lock.Backend = "redis"
				c.Scheduler.Lock.RedisAddr = addr
			}
			if v := viper.GetString("email-relay-url"); v != "" {
				c.Email.RelayURL = v
			}
			if v := viper.GetString("email-api-key"); v != "" {
				c.Email.APIKey = v
			}
			if v := viper.GetString("agents-api-key"); v != "" {
				c.Agents.APIKey = v
			}
		},
	}
}

func withApp(fn func(*app.App) error) error {
	a, err := app.Open(appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
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
