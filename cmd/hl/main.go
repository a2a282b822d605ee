package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"harvestline/internal/agent"
	"harvestline/internal/app"
	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/engine"
	"harvestline/internal/harvest"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "hl",
	Short: "Harvestline CLI",
	Long: `Harvestline mirrors an issue tracker hierarchy into a local SQLite store.
- Harvest: a full reload walks the hierarchy from the root issue type down,
  plus every issue assigned to a configured team member, and reconciles the
  store against it. Issues that disappear upstream are swept.
- Reload records: every harvest writes one row (running -> completed|failed);
  only one may run at a time and crashed ones are recovered at startup.
- Audit trail: field-level changes are appended on every reload.
- Query: issues, descendants, comment activity and team metrics are served
  over REST and to agents as MCP tools.`,
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
		stop()
		os.Exit(1)
	}
}

// initConfig loads the workspace .env before binding the environment, so
// credentials can live next to harvestline.yml.
func initConfig() {
	envFile := filepath.Join(viper.GetString("workspace"), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %s: %v\n", envFile, err)
	}
	viper.SetEnvPrefix("HARVESTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/harvestline.yml)")
	rootCmd.PersistentFlags().String("db", "", "database file (default <workspace>/.harvestline/harvestline.db)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("upstream-email", "", "upstream account email (overrides config)")
	rootCmd.PersistentFlags().String("upstream-token", "", "upstream API token (overrides config)")
	for _, name := range []string{"workspace", "config", "db", "json", "upstream-email", "upstream-token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(harvestCmd())
	rootCmd.AddCommand(issuesCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(typesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(remoteCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

func serveCmd() *cobra.Command {
	var addr string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST and MCP server with the harvest scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Build(appOptions(os.Stdout))
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			report, err := a.Startup(ctx)
			if err != nil {
				return err
			}
			sched, err := a.Scheduler()
			if err != nil {
				return err
			}
			handler, err := a.Handler(sched)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if !noScheduler {
				g.Go(func() error { return sched.Run(gctx) })
				if report.ReloadNeeded {
					g.Go(func() error {
						sched.RunNow(gctx, report.Reason)
						return nil
					})
				}
			}
			base := a.Config.Server.BasePath
			fmt.Printf("Serving Harvestline API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs, MCP at %s)\n",
				addr, base, base, base, a.Config.Server.MCPPath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve queries only, never harvest")
	return cmd
}

func harvestCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "harvest",
		Short: "Run and inspect harvests",
	}
	h.AddCommand(harvestRunCmd())
	h.AddCommand(harvestRecoverCmd())
	h.AddCommand(harvestStatusCmd())
	h.AddCommand(harvestHistoryCmd())
	h.AddCommand(harvestTestCmd())
	return h
}

func harvestRunCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a full reload now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				// No recovery here: a running server may own the active reload.
				if _, _, err := a.Harvest.SyncIssueTypes(ctx); err != nil {
					return err
				}
				res, err := a.Harvest.TriggerReload(ctx, harvest.TriggerOptions{
					Source:      domain.SourceManual,
					TriggeredBy: "cli",
					Force:       force,
				})
				if err != nil && res.ReloadID == 0 {
					return err
				}
				if viper.GetBool("json") {
					if perr := printJSON(res); perr != nil {
						return perr
					}
					return err
				}
				fmt.Printf("reload %d (%s) %s: %d records, %d issues deleted, %.1fs\n",
					res.ReloadID, res.RunID, res.Status, res.RecordsProcessed, res.IssuesDeleted, res.DurationSeconds)
				for _, w := range res.Warnings {
					fmt.Println("warning:", w)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "terminate an active reload first")
	return cmd
}

func harvestRecoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Fail interrupted reloads and remove their partial data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Harvest.Recover(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				for _, r := range report.Recovered {
					fmt.Printf("recovered reload %d (%s): %d issues removed\n", r.ReloadID, r.RunID, r.IssuesRemoved)
				}
				if report.ReloadNeeded {
					fmt.Println("reload needed:", report.Reason)
				} else {
					fmt.Println("store is current")
				}
				return nil
			})
		},
	}
	return cmd
}

func harvestStatusCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active and last completed reload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Query.HarvestStatus(ctx, recent)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("issues stored: %d\n", st.Issues)
				if st.Active != nil {
					fmt.Printf("active: reload %d (%s) since %s\n", st.Active.ID, st.Active.RunID, st.Active.Started.Format(time.RFC3339))
				}
				if st.LastCompleted != nil && st.LastCompleted.CompletedAt != nil {
					fmt.Printf("last completed: reload %d at %s\n", st.LastCompleted.ID, st.LastCompleted.CompletedAt.Format(time.RFC3339))
				}
				printReloads(st.Recent)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 10, "recent reloads to list")
	return cmd
}

func harvestHistoryCmd() *cobra.Command {
	var limit int
	var status string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List reload records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.ReloadStatus(status)
			switch st {
			case "", domain.ReloadRunning, domain.ReloadCompleted, domain.ReloadFailed:
			default:
				return fmt.Errorf("invalid --status %q (running|completed|failed)", status)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListReloads(ctx, limit, st)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printReloads(items)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max records")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func harvestTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Check upstream credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c := a.Harvest.TestConnectivity(ctx)
				if viper.GetBool("json") {
					return printJSON(c)
				}
				if !c.Connected {
					return fmt.Errorf("upstream not reachable: %s", c.Error)
				}
				fmt.Println("connected as", c.User)
				return nil
			})
		},
	}
	return cmd
}

func issuesCmd() *cobra.Command {
	is := &cobra.Command{
		Use:   "issues",
		Short: "Query harvested issues",
	}
	is.AddCommand(issuesListCmd())
	is.AddCommand(issuesShowCmd())
	is.AddCommand(issuesTreeCmd())
	is.AddCommand(issuesChangesCmd())
	is.AddCommand(issuesCommentedCmd())
	return is
}

func issuesListCmd() *cobra.Command {
	var q engine.IssueQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Query.QueryIssues(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Type", "Status", "Assignee", "Team", "Summary"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Key, it.IssueType.Name, it.Status, deref(it.Assignee), deref(it.Team), it.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&q.Status, "status", "", "status")
	cmd.Flags().StringVar(&q.Team, "team", "", "team")
	cmd.Flags().StringVar(&q.IssueType, "type", "", "issue type id or name")
	cmd.Flags().StringVar(&q.ParentKey, "parent", "", "direct children of this key")
	cmd.Flags().StringVar(&q.Source, "source", "", "jira|github")
	cmd.Flags().IntVar(&q.Limit, "limit", engine.DefaultQueryLimit, "max results")
	return cmd
}

func issuesShowCmd() *cobra.Command {
	var opts engine.DetailOptions
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Show one issue with comments and changelog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Query.IssueDetails(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Comments, "comments", true, "include comments")
	cmd.Flags().BoolVar(&opts.Changelog, "changelog", true, "include changelog")
	cmd.Flags().BoolVar(&opts.Children, "children", false, "include direct children")
	return cmd
}

func issuesTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree <key>",
		Short: "Show an issue and everything below it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Query.Descendants(ctx, args[0], engine.ViewOptions{})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				children := map[string][]engine.IssueView{}
				for _, v := range d.Descendants {
					if v.ParentKey != nil {
						children[*v.ParentKey] = append(children[*v.ParentKey], v)
					}
				}
				fmt.Printf("%s %s [%s]\n", d.Root.Key, d.Root.Summary, d.Root.Status)
				kids := children[d.Root.Key]
				for i, c := range kids {
					printIssueTree(c, children, "", i == len(kids)-1)
				}
				fmt.Printf("%d descendants, depth %d\n", d.TotalCount, d.HierarchyDepth)
				return nil
			})
		},
	}
	return cmd
}

func issuesChangesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "changes <key>",
		Short: "Show the audit trail of an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Query.Changes(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Change", "Field", "Value"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.Timestamp.Format(time.RFC3339), ev.ChangeType, ev.Field, deref(ev.Value)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}

func issuesCommentedCmd() *cobra.Command {
	var days, limit int
	cmd := &cobra.Command{
		Use:   "commented",
		Short: "Issues with recent comments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Query.CommentedSince(ctx, days, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 10, "look-back window in days")
	cmd.Flags().IntVar(&limit, "limit", engine.DefaultQueryLimit, "max issues")
	return cmd
}

func teamCmd() *cobra.Command {
	var dateRange string
	cmd := &cobra.Command{
		Use:   "team <name>",
		Short: "Show team metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Query.TeamMetrics(ctx, args[0], dateRange)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("%s: %d issues, %d active, %d completed (%.0f%%)\n",
					m.Team, m.TotalIssues, m.ActiveIssues, m.Completed, m.CompletionRate*100)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, s := range m.ByStatus {
					tw.AppendRow(table.Row{s.Status, s.Count})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dateRange, "range", "", "YYYY-MM-DD,YYYY-MM-DD bound on last update")
	return cmd
}

func typesCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "types",
		Short: "Issue type hierarchy",
	}
	t.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored issue types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				types, err := a.Query.IssueTypes(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(types)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Children"})
				for _, n := range types {
					tw.AppendRow(table.Row{n.ID, n.Name, fmt.Sprint(n.ChildTypeIDs)})
				}
				tw.Render()
				return nil
			})
		},
	})
	t.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Sync the configured issue types into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				added, updated, err := a.Harvest.SyncIssueTypes(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"added": added, "updated": updated})
				}
				fmt.Printf("issue types: %d added, %d updated\n", added, updated)
				return nil
			})
		},
	})
	return t
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Write, show and validate harvestline.yml",
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
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
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
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions(os.Stderr))
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Upstream.Token != "" {
				shown.Upstream.Token = "***"
			}
			out, err := yaml.Marshal(shown)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(appOptions(os.Stderr))
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
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

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent.Version = version
			// stdout carries the protocol.
			a, err := app.Build(appOptions(os.Stderr))
			if err != nil {
				return err
			}
			defer a.Close()
			if _, _, err := a.Harvest.SyncIssueTypes(cmd.Context()); err != nil {
				return err
			}
			return a.Agent.ServeStdio()
		},
	}
	return cmd
}

// --- helpers ---

func appOptions(logs io.Writer) app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		DBPath:     viper.GetString("db"),
		Email:      viper.GetString("upstream-email"),
		Token:      viper.GetString("upstream-token"),
		LogWriter:  logs,
	}
}

// withApp builds the app with logs on stderr so stdout stays parseable.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Build(appOptions(os.Stderr))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printReloads(items []domain.ReloadRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Started", "Status", "Source", "By", "Records", "Deleted", "Duration", "Error"})
	for _, r := range items {
		dur := ""
		if r.DurationSeconds != nil {
			dur = fmt.Sprintf("%.1fs", *r.DurationSeconds)
		}
		tw.AppendRow(table.Row{
			r.ID, r.Started.Format(time.RFC3339), r.Status, r.Source, r.TriggeredBy,
			r.RecordsProcessed, r.IssuesDeleted, dur, deref(r.ErrorMessage),
		})
	}
	tw.Render()
}

func printIssueTree(v engine.IssueView, children map[string][]engine.IssueView, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s %s [%s]\n", prefix, connector, v.Key, v.Summary, v.Status)
	kids := children[v.Key]
	for i, c := range kids {
		printIssueTree(c, children, newPrefix, i == len(kids)-1)
	}
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
