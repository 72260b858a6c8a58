// Package nagare is the public API for embedding the Nagare conversation
// autopilot server.
//
// Hosts import this package to construct and run the server with their own
// collaborators plugged in:
//
//	app, err := nagare.New(
//	    nagare.WithVersion(version),
//	    nagare.WithLogger(logger),
//	    nagare.WithDrafter(myLLMDrafter{}),
//	    nagare.WithTransport(myWhatsAppBridge{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: nagare (root) imports
// internal/*, but internal/* never imports nagare (root). Public types
// (Draft, Summary, ActionEvent) are standalone structs; the adapters that
// bridge them to internal interfaces live here because this is the only file
// that sees both sides of the boundary.
package nagare

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/nagare-ai/nagare/internal/activity"
	"github.com/nagare-ai/nagare/internal/auth"
	"github.com/nagare-ai/nagare/internal/config"
	"github.com/nagare-ai/nagare/internal/engine"
	"github.com/nagare-ai/nagare/internal/event"
	"github.com/nagare-ai/nagare/internal/mcp"
	"github.com/nagare-ai/nagare/internal/scheduler"
	"github.com/nagare-ai/nagare/internal/server"
	"github.com/nagare-ai/nagare/internal/status"
	"github.com/nagare-ai/nagare/internal/storage"
	"github.com/nagare-ai/nagare/internal/telemetry"
	"github.com/nagare-ai/nagare/migrations"
)

// App is the Nagare server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	buf          *activity.Buffer
	sched        *scheduler.Scheduler
	broker       *server.Broker // nil when no notify connection
	bus          *event.Bus
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Nagare server. It connects to the database, runs
// migrations, seeds the admin operator, and wires all subsystems. It does
// NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("nagare starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run embedded migrations.
	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Run extra (host) migrations after the embedded ones.
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Seed the admin operator.
	if cfg.AdminAPIKey != "" {
		hash, err := auth.HashAPIKey(cfg.AdminAPIKey)
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("admin seed: %w", err)
		}
		if err := db.SeedAdmin(context.Background(), hash); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("admin seed: %w", err)
		}
	} else {
		logger.Warn("NAGARE_ADMIN_API_KEY not set — no admin operator seeded")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Event bus and activity buffer.
	bus := event.NewBus(logger)
	buf := activity.NewBuffer(db, logger, cfg.ActivityBufferSize, cfg.ActivityFlushTimeout)

	// Forward bus events onto the Postgres notify channel so SSE clients on
	// any replica see them.
	if db.HasNotifyConn() {
		bus.Subscribe(func(e event.Event) {
			payload, err := json.Marshal(e)
			if err != nil {
				logger.Warn("event notify marshal failed", "error", err)
				return
			}
			notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := db.Notify(notifyCtx, storage.ChannelActions, string(payload)); err != nil {
				logger.Warn("event notify failed", "error", err, "type", e.Type)
			}
		})
	}

	// Bridge host event hooks onto the bus.
	for _, hook := range o.eventHooks {
		hook := hook
		bus.Subscribe(func(e event.Event) {
			hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := hook.OnActionEvent(hookCtx, ActionEvent{
				Type:     string(e.Type),
				ChatID:   e.ChatID,
				ActionID: e.ActionID,
				At:       e.At,
			}); err != nil {
				logger.Warn("event hook failed", "error", err, "type", e.Type)
			}
		})
	}

	// Transport. Without one, send actions fail terminally.
	var transport scheduler.Transport
	if o.transport != nil {
		transport = transportAdapter{t: o.transport}
	} else {
		logger.Warn("no transport configured — send actions will fail")
		transport = disabledTransport{}
	}

	// Scheduler.
	sched := scheduler.New(db, transport, buf, bus, o.clock, logger, cfg.PollInterval)
	sched.RegisterMetrics()

	// Engine collaborators. Missing ones degrade to logged fallbacks.
	deps := engine.Deps{
		Store:     db,
		Scheduler: sched,
		Recorder:  buf,
		Clock:     o.clock,
		RNG:       o.rng,
		Logger:    logger,
	}
	if o.drafter != nil {
		deps.Drafter = drafterAdapter{d: o.drafter}
	} else {
		logger.Warn("no drafter configured — decisions that reach drafting will fail")
		deps.Drafter = disabledDrafter{}
	}
	if o.summarizer != nil {
		deps.Summarizer = summarizerAdapter{s: o.summarizer}
	} else {
		deps.Summarizer = noopSummarizer{}
	}
	if o.knowledge != nil {
		deps.Knowledge = knowledgeAdapter{k: o.knowledge}
	} else {
		deps.Knowledge = noopKnowledge{}
	}
	if o.suggestions != nil {
		deps.Suggestions = suggestionAdapter{s: o.suggestions}
	} else {
		deps.Suggestions = logSuggestions{logger: logger}
	}
	if o.notifier != nil {
		deps.Notifier = notifierAdapter{n: o.notifier}
	} else {
		deps.Notifier = logNotifier{logger: logger}
	}

	eng := engine.New(deps, engine.Params{
		DedupCapacity:   cfg.DedupCapacity,
		ApprovalHold:    cfg.ApprovalHold,
		ApprovalRelease: cfg.ApprovalRelease,
	})

	// Status projection.
	statusSvc := status.NewService(db, o.clock)

	// MCP server.
	mcpSrv := mcp.New(eng, statusSvc, db, version, logger)

	// SSE broker.
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// HTTP server.
	srv := server.New(cfg, eng, statusSvc, db, jwtMgr, broker, mcpSrv.MCPServer(), logger)

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		buf:          buf,
		sched:        sched,
		broker:       broker,
		bus:          bus,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the activity buffer, scheduler, broker, and HTTP server, then
// blocks until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown has already been called — callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.buf.Start(runCtx)
	a.sched.Start(runCtx)

	g, gctx := errgroup.WithContext(runCtx)

	if a.broker != nil {
		g.Go(func() error {
			a.broker.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		return a.srv.Start()
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown performs a three-phase graceful stop:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) stop the scheduler so no new executions start,
// (3) flush the activity buffer to Postgres.
// It then closes the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("nagare shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: scheduler stop. Pending actions stay in Postgres and are
	// picked up on the next start.
	a.sched.Stop()

	// Phase 3: activity buffer drain.
	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
	a.buf.Drain(drainCtx)
	drainCancel()
	if remaining := a.buf.Len(); remaining > 0 {
		a.logger.Error("activity buffer drain incomplete — unflushed entries will be lost",
			"remaining_entries", remaining,
			"configured_timeout", a.cfg.ShutdownDrainTimeout,
		)
	}

	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("nagare stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ──────────────

type drafterAdapter struct{ d Drafter }

func (a drafterAdapter) GenerateDraft(ctx context.Context, req engine.DraftRequest) (*engine.Draft, error) {
	draft, err := a.d.GenerateDraft(ctx, DraftRequest{
		ChatID:                 req.ChatID,
		Message:                req.Message,
		SenderName:             req.SenderName,
		AgentID:                req.AgentID,
		EmojiOnly:              req.EmojiOnly,
		SuggestClosing:         req.SuggestClosing,
		MessagesInConversation: req.MessagesInConversation,
		DetectGoalCompletion:   req.DetectGoalCompletion,
	})
	if err != nil {
		return nil, err
	}
	out := &engine.Draft{
		Text:              draft.Text,
		SuggestedMessages: draft.SuggestedMessages,
	}
	if draft.Goal != nil {
		out.Goal = &engine.GoalAnalysis{
			Achieved:   draft.Goal.Achieved,
			Confidence: draft.Goal.Confidence,
			Reasoning:  draft.Goal.Reasoning,
		}
	}
	return out, nil
}

type summarizerAdapter struct{ s Summarizer }

func (a summarizerAdapter) GenerateSummary(ctx context.Context, chatID, senderName string, agentID uuid.UUID) (*engine.Summary, error) {
	sum, err := a.s.GenerateSummary(ctx, chatID, senderName, agentID)
	if err != nil {
		return nil, err
	}
	return &engine.Summary{
		Summary:            sum.Summary,
		KeyPoints:          sum.KeyPoints,
		SuggestedNextSteps: sum.SuggestedNextSteps,
		GoalStatus:         sum.GoalStatus,
	}, nil
}

type knowledgeAdapter struct{ k KnowledgeExtractor }

func (a knowledgeAdapter) ExtractKnowledge(ctx context.Context, chatID, senderName string) error {
	return a.k.ExtractKnowledge(ctx, chatID, senderName)
}

type suggestionAdapter struct{ s SuggestionSink }

func (a suggestionAdapter) SuggestReply(ctx context.Context, chatID, text string) error {
	return a.s.SuggestReply(ctx, chatID, text)
}

type notifierAdapter struct{ n ErrorNotifier }

func (a notifierAdapter) NotifyError(chatID string, err error) {
	a.n.NotifyError(chatID, err)
}

type transportAdapter struct{ t Transport }

func (a transportAdapter) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	return a.t.SendMessage(ctx, chatID, text)
}

// ── Fallbacks for unconfigured collaborators ──────────────────────────────────

type disabledDrafter struct{}

func (disabledDrafter) GenerateDraft(context.Context, engine.DraftRequest) (*engine.Draft, error) {
	return nil, fmt.Errorf("nagare: no drafter configured")
}

type disabledTransport struct{}

func (disabledTransport) SendMessage(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("nagare: no transport configured")
}

type noopSummarizer struct{}

func (noopSummarizer) GenerateSummary(_ context.Context, chatID, _ string, _ uuid.UUID) (*engine.Summary, error) {
	return &engine.Summary{
		Summary:    "handoff requested for " + chatID + " (no summarizer configured)",
		GoalStatus: "unknown",
	}, nil
}

type noopKnowledge struct{}

func (noopKnowledge) ExtractKnowledge(context.Context, string, string) error { return nil }

type logSuggestions struct{ logger *slog.Logger }

func (l logSuggestions) SuggestReply(_ context.Context, chatID, text string) error {
	l.logger.Info("suggested reply (no suggestion sink configured)", "chat_id", chatID, "text", text)
	return nil
}

type logNotifier struct{ logger *slog.Logger }

func (l logNotifier) NotifyError(chatID string, err error) {
	l.logger.Error("decision error", "chat_id", chatID, "error", err)
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
