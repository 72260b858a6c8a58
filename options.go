package nagare

import (
	"io/fs"
	"log/slog"
	"math/rand/v2"

	"github.com/nagare-ai/nagare/internal/timing"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported: callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	notifyURL   string
	logger      *slog.Logger
	version     string

	drafter     Drafter
	summarizer  Summarizer
	knowledge   KnowledgeExtractor
	suggestions SuggestionSink
	notifier    ErrorNotifier
	transport   Transport

	clock timing.Clock
	rng   *rand.Rand

	eventHooks      []EventHook
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (NAGARE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (NOTIFY_URL env var). Set this when queries go through a pooler such as
// PgBouncer; LISTEN/NOTIFY needs a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and the MCP server.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDrafter wires the reply drafting collaborator. Required for any mode
// beyond observer; without it, decisions that reach drafting fail and flip
// the chat to error status.
func WithDrafter(d Drafter) Option {
	return func(o *resolvedOptions) { o.drafter = d }
}

// WithSummarizer wires the handoff summary collaborator.
func WithSummarizer(s Summarizer) Option {
	return func(o *resolvedOptions) { o.summarizer = s }
}

// WithKnowledgeExtractor wires the periodic knowledge extraction collaborator.
func WithKnowledgeExtractor(k KnowledgeExtractor) Option {
	return func(o *resolvedOptions) { o.knowledge = k }
}

// WithSuggestionSink wires the side channel that receives suggest-mode drafts.
func WithSuggestionSink(s SuggestionSink) Option {
	return func(o *resolvedOptions) { o.suggestions = s }
}

// WithErrorNotifier wires the out-of-band decision error notifier.
func WithErrorNotifier(n ErrorNotifier) Option {
	return func(o *resolvedOptions) { o.notifier = n }
}

// WithTransport wires the outgoing message channel. Required for sending;
// without it, every send action fails terminally.
func WithTransport(t Transport) Option {
	return func(o *resolvedOptions) { o.transport = t }
}

// WithClock overrides the wall clock. Intended for tests.
func WithClock(c timing.Clock) Option {
	return func(o *resolvedOptions) { o.clock = c }
}

// WithRand overrides the random source used for humanized timing decisions.
// Intended for tests.
func WithRand(r *rand.Rand) Option {
	return func(o *resolvedOptions) { o.rng = r }
}

// WithEventHook registers a hook for action lifecycle notifications.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems are applied in
// registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
