package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"issuedesk/internal/app"
	"issuedesk/internal/config"
	"issuedesk/internal/db"
	"issuedesk/internal/dialogue"
	"issuedesk/internal/domain"
	"issuedesk/internal/index"
	"issuedesk/internal/logging"
	"issuedesk/internal/mcptool"
	"issuedesk/internal/migrate"
	"issuedesk/internal/repo"
	"issuedesk/internal/server"
	"issuedesk/internal/tracker"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "idesk",
	Short: "Issuedesk CLI",
	Long: `Issuedesk turns plain-language requests into issue tracker operations.
Core concepts:
- Workspace: the .issuedesk directory holding the database (local tracker, entity index, sessions).
- Tracker: either the built-in local tracker or a Jira-compatible REST API.
- Intents: search, create, update and delete. Anything else is answered without touching the tracker.
- Slots: the fields an intent needs (project, issue key, summary, ...). Missing ones are asked for.
- Candidates: indexed issues matching a vague reference ("the login bug"), offered for you to pick.
- Approval: every create, update or delete is shown as a card and only runs after you say yes.
- Sessions: a conversation keeps its state between turns; reuse --session to continue one.`,
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
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ISSUEDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console, json)")
	flags.String("classifier", "", "intent classifier (rules, llm)")
	flags.Bool("strict", false, "re-raise internal panics instead of answering with an internal error")
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = viper.BindPFlag("dialogue.classifier", flags.Lookup("classifier"))
	_ = viper.BindPFlag("dialogue.strict", flags.Lookup("strict"))
}

func registerCommands() {
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(versionCmd())
}

// --- conversation ---

func chatCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long:  "Type requests such as \"KAN 프로젝트에 로그인 버그 생성\". Answer approval cards with yes or no. Type exit to leave.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.SessionsSQLite, func(ctx context.Context, a *app.App) error {
				if session == "" {
					session = uuid.NewString()
				}
				fmt.Printf("session %s\n", session)
				return chatLoop(ctx, a.Controller, session, os.Stdin, os.Stdout)
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id to resume")
	return cmd
}

func chatLoop(ctx context.Context, c *dialogue.Controller, session string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		reply := c.HandleTurn(ctx, dialogue.Turn{SessionID: session, Utterance: line})
		if err := printReply(out, reply); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func askCmd() *cobra.Command {
	var session string
	var approve, reject bool
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send a single turn and print the reply",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve && reject {
				return errors.New("--approve and --reject are mutually exclusive")
			}
			turn := dialogue.Turn{SessionID: session, Utterance: strings.Join(args, " ")}
			if cmd.Flags().Changed("approve") || cmd.Flags().Changed("reject") {
				v := approve && !reject
				turn.Approve = &v
			}
			if strings.TrimSpace(turn.Utterance) == "" && turn.Approve == nil {
				return errors.New("message is required")
			}
			return withApp(cmd.Context(), app.SessionsSQLite, func(ctx context.Context, a *app.App) error {
				reply := a.Controller.HandleTurn(ctx, turn)
				if err := printReply(os.Stdout, reply); err != nil {
					return err
				}
				if reply.Stage != dialogue.StageDone && !viper.GetBool("json") {
					fmt.Printf("(continue with --session %s)\n", reply.SessionID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id to continue")
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the pending card")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the pending card")
	return cmd
}

// --- servers ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.SessionsMemory, func(ctx context.Context, a *app.App) error {
				if cmd.Flags().Changed("addr") {
					a.Config.Server.Addr = addr
				}
				if cmd.Flags().Changed("base-path") {
					a.Config.Server.BasePath = basePath
				}
				auth := server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret, Log: a.Log}
				keys := repo.Repo{DB: a.DB}
				n, err := keys.CountAPIKeys(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					auth.APIKeys = keys
				}
				handler, err := server.New(server.Config{
					Turns:         a.Controller,
					Changes:       a.Syncer,
					BasePath:      a.Config.Server.BasePath,
					Auth:          auth,
					WebhookSecret: a.Config.Server.WebhookSecret,
					Log:           a.Log,
				})
				if err != nil {
					return err
				}
				if !auth.Enabled() {
					a.Log.Warn("authentication disabled; set ISSUEDESK_SERVER_JWT_SECRET or issue a key with idesk apikey create")
				}
				srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				base := "http://" + a.Config.Server.Addr + a.Config.Server.BasePath
				fmt.Printf("Serving Issuedesk API on %s (OpenAPI at %s/openapi.json, docs at %s/docs)\n", base, base, base)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the issue_chat tool over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.SessionsMemory, func(ctx context.Context, a *app.App) error {
				return mcptool.New(a.Controller, version, a.Log).ServeStdio()
			})
		},
	}
}

// --- index ---

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Rebuild the entity index from the tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.SessionsMemory, func(ctx context.Context, a *app.App) error {
				report, err := a.Syncer.Full(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("indexed %d issues from %d projects\n", report.Issues, report.Projects)
				if len(report.Skipped) > 0 {
					fmt.Printf("skipped archived: %s\n", strings.Join(report.Skipped, ", "))
				}
				return nil
			})
		},
	}
}

func searchCmd() *cobra.Command {
	var f index.Filter
	var limit int
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Query the entity index directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withApp(cmd.Context(), app.SessionsMemory, func(ctx context.Context, a *app.App) error {
				hits, err := a.Index.Search(ctx, query, f, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hits)
				}
				printHits(os.Stdout, hits)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectKey, "project", "", "project key filter")
	cmd.Flags().StringVar(&f.IssueType, "type", "", "issue type filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.Assignee, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&limit, "limit", 10, "max results")
	return cmd
}

// --- local tracker ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectTypesCmd())
	prj.AddCommand(projectArchiveCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.SessionsMemory, func(ctx context.Context, a *app.App) error {
				items, err := a.Projects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Name", "Status", "Issue types"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.Key, p.Name, p.Status, strings.Join(p.IssueTypes, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var key, name, desc string
	var types []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project in the local tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocal(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Local.InitProject(ctx, tracker.ProjectOptions{
					Key:         key,
					Name:        name,
					Description: desc,
					IssueTypes:  types,
					Actor:       a.Config.Dialogue.Actor,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "project key, e.g. KAN")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "project description")
	cmd.Flags().StringSliceVar(&types, "types", nil, "issue types (defaults to 작업,버그,스토리,에픽)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func projectTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types KEY",
		Short: "List the issue types a project accepts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.SessionsMemory, func(ctx context.Context, a *app.App) error {
				types, err := a.Tracker.ListIssueTypes(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(types)
				}
				for _, t := range types {
					fmt.Println(t)
				}
				return nil
			})
		},
	}
}

func projectArchiveCmd() *cobra.Command {
	var restore bool
	cmd := &cobra.Command{
		Use:   "archive KEY",
		Short: "Archive a local project so it is read-only and left out of the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocal(cmd.Context(), func(ctx context.Context, a *app.App) error {
				status := domain.ProjectArchived
				if restore {
					status = domain.ProjectActive
				}
				if err := a.Local.SetProjectStatus(ctx, args[0], status); err != nil {
					return err
				}
				fmt.Printf("%s is %s\n", strings.ToUpper(args[0]), status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&restore, "restore", false, "make the project active again")
	return cmd
}

func issueCmd() *cobra.Command {
	iss := &cobra.Command{Use: "issue", Short: "Inspect issues"}
	iss.AddCommand(issueShowCmd())
	iss.AddCommand(issueHistoryCmd())
	return iss
}

func issueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show KEY",
		Short: "Show an issue as the tracker returns it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.SessionsMemory, func(ctx context.Context, a *app.App) error {
				is, err := a.Tracker.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
}

func issueHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history KEY",
		Short: "Show the change log of a local issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocal(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Local.History(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Actor", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Actor, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage issuedesk.yml",
		Long:  "Config lives in issuedesk.yml in the workspace. Any key can be overridden with ISSUEDESK_<SECTION>_<KEY>, e.g. ISSUEDESK_TRACKER_API_TOKEN.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var project string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default issuedesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(project)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "seed a local project with this key")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config (secrets omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
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
}

// --- api keys ---

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for service clients",
		Long:  "Once a key exists, idesk serve requires X-Api-Key (or a bearer token) on every non-public route.",
	}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyDeleteCmd())
	return keys
}

func apiKeyCreateCmd() *cobra.Command {
	var client, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a key; the plaintext is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plain, key, err := r.IssueAPIKey(ctx, client, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "client": key.Client, "name": key.Name, "key": plain})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "client identifier, e.g. slack-bot")
	cmd.Flags().StringVar(&name, "name", "", "optional label")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var client string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issued keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, client)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Client, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "client filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := config.ApplyOverrides(cfg, viper.GetViper()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, sessions string, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	a, err := app.Build(ctx, cfg, app.Options{Workspace: viper.GetString("workspace"), Sessions: sessions}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close workspace", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withLocal(ctx context.Context, fn func(context.Context, *app.App) error) error {
	return withApp(ctx, app.SessionsMemory, func(ctx context.Context, a *app.App) error {
		if a.Local == nil {
			return fmt.Errorf("this command needs the local tracker (tracker.kind is %q)", a.Config.Tracker.Kind)
		}
		return fn(ctx, a)
	})
}

func printReply(w io.Writer, reply dialogue.Reply) error {
	if viper.GetBool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	}
	fmt.Fprintln(w, reply.Message)
	return nil
}

func printHits(w io.Writer, hits []index.Hit) {
	if len(hits) == 0 {
		fmt.Fprintln(w, "no matches")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Key", "Summary", "Status", "Priority", "Assignee", "Score"})
	for _, h := range hits {
		tw.AppendRow(table.Row{h.Issue.Key, h.Issue.Summary, h.Issue.Status, h.Issue.Priority, h.Issue.Assignee, fmt.Sprintf("%.3f", h.Score)})
	}
	tw.Render()
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
