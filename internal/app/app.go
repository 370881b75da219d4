// Package app wires the collaborators of a running issuedesk from its config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"issuedesk/internal/config"
	"issuedesk/internal/db"
	"issuedesk/internal/dialogue"
	"issuedesk/internal/domain"
	"issuedesk/internal/embedding"
	"issuedesk/internal/index"
	"issuedesk/internal/llm"
	"issuedesk/internal/migrate"
	"issuedesk/internal/syncer"
	"issuedesk/internal/tracker"
)

// Session store kinds.
const (
	SessionsMemory = "memory"
	SessionsSQLite = "sqlite"
)

type Options struct {
	Workspace string
	// Sessions selects the session store. Long-running front-ends keep
	// sessions in memory; the one-shot CLI persists them in the workspace.
	Sessions string
}

// App holds the built collaborators. Close releases the database.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Tracker    tracker.Client
	Local      *tracker.Local
	Index      *index.SQLite
	Sessions   dialogue.SessionStore
	Controller *dialogue.Controller
	Syncer     *syncer.Syncer
	Log        *zap.Logger
}

func Build(ctx context.Context, cfg *config.Config, opts Options, log *zap.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn, Log: log}
	if err := a.build(ctx, opts); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config
	if err := migrate.MigrateContext(ctx, a.DB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	switch cfg.Tracker.Kind {
	case "rest":
		a.Tracker = tracker.NewREST(cfg.Tracker.BaseURL, cfg.Tracker.Email, cfg.Tracker.APIToken, a.Log.Named("tracker"))
	default:
		a.Local = tracker.NewLocal(a.DB, a.Log.Named("tracker"))
		if err := SeedProjects(ctx, a.Local, cfg.Tracker.Projects, cfg.Dialogue.Actor); err != nil {
			return err
		}
		a.Tracker = a.Local
	}

	emb, err := embedding.New(ctx, embedding.Options{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
		Dims:     cfg.Embedding.Dims,
	})
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	a.Index = index.NewSQLite(a.DB, emb, a.Log.Named("index"))

	var cls dialogue.Classifier = dialogue.NewRuleClassifier()
	if cfg.Dialogue.Classifier == "llm" {
		c, err := llm.New(ctx, llm.Options{
			Provider: cfg.LLM.Provider,
			Model:    cfg.LLM.Model,
			BaseURL:  cfg.LLM.BaseURL,
			APIKey:   cfg.LLM.APIKey,
		})
		if err != nil {
			return fmt.Errorf("llm: %w", err)
		}
		cls = dialogue.NewLLMClassifier(c)
	}

	switch opts.Sessions {
	case SessionsSQLite:
		store := dialogue.NewSQLiteStore(a.DB, cfg.Dialogue.SessionTTL)
		if n, err := store.Prune(ctx); err != nil {
			a.Log.Warn("prune sessions", zap.Error(err))
		} else if n > 0 {
			a.Log.Debug("pruned sessions", zap.Int64("count", n))
		}
		a.Sessions = store
	default:
		a.Sessions = dialogue.NewMemoryStore(cfg.Dialogue.SessionCapacity, cfg.Dialogue.SessionTTL)
	}

	dlog := a.Log.Named("dialogue")
	cat := dialogue.NewCatalog(a.Tracker, dlog)
	resolver := dialogue.NewResolver(a.Index, dlog)
	if cfg.Index.CandidateLimit > 0 {
		resolver.Limit = cfg.Index.CandidateLimit
	}
	exec := dialogue.NewExecutor(a.Tracker, a.Index, dlog)
	exec.Actor = cfg.Dialogue.Actor
	a.Controller = dialogue.NewController(dialogue.Deps{
		Store:        a.Sessions,
		Extractor:    dialogue.NewExtractor(cls, cat, dlog),
		Continuation: dialogue.NewContinuation(cls, dlog),
		Resolver:     resolver,
		Checker:      dialogue.NewChecker(cat, a.Index, a.Tracker, dlog),
		Executor:     exec,
		Log:          dlog,
		Strict:       cfg.Dialogue.Strict,
	})

	a.Syncer = syncer.New(a.Tracker, a.Index, a.Log.Named("sync"))
	a.Syncer.Concurrency = cfg.Index.SyncConcurrency
	if cfg.Index.SyncOnStart {
		// an unreachable tracker must not block startup
		if _, err := a.Syncer.EnsurePopulated(ctx); err != nil {
			a.Log.Warn("initial index sync failed", zap.Error(err))
		}
	}
	return nil
}

// SeedProjects creates the configured projects that do not exist yet.
func SeedProjects(ctx context.Context, l *tracker.Local, seeds []config.ProjectSeed, actor string) error {
	if len(seeds) == 0 {
		return nil
	}
	existing, err := l.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, p := range existing {
		have[p.Key] = true
	}
	for _, s := range seeds {
		if have[normalizeKey(s.Key)] {
			continue
		}
		opts := tracker.ProjectOptions{Key: s.Key, Name: s.Name, IssueTypes: s.IssueTypes, Actor: actor}
		if _, err := l.InitProject(ctx, opts); err != nil {
			return fmt.Errorf("seed project %s: %w", s.Key, err)
		}
	}
	return nil
}

// Projects lists the tracker's projects, archived ones included.
func (a *App) Projects(ctx context.Context) ([]domain.Project, error) {
	return a.Tracker.ListProjects(ctx)
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func normalizeKey(k string) string {
	return strings.ToUpper(strings.TrimSpace(k))
}
