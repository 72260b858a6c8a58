// Package engine implements the per-chat decision pipeline: given an inbound
// message (or a proactive trigger), decide whether to skip, suggest, hold for
// approval, or schedule an outgoing reply, honoring the agent's behavior
// rules for timing, fatigue, activity hours, and goal completion.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nagare-ai/nagare/internal/activity"
	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/storage"
	"github.com/nagare-ai/nagare/internal/timing"
)

const (
	// goalConfidenceThreshold is inclusive: confidence 70 completes the goal.
	goalConfidenceThreshold = 70

	// Fatigue never reduces responsiveness by more than half, and the
	// effective rate never drops below a 30% floor.
	maxFatigueReduction = 50
	minResponseRate     = 30

	// Knowledge extraction fires on every 5th handled message.
	knowledgeEvery = 5

	// Proactive openers go out after a short human-feeling pause.
	proactiveDelayMinSec = 3
	proactiveDelayMaxSec = 8

	// Fallback spacing between parts of a multi-message burst when the agent
	// has no multi-message delay configured.
	defaultBurstSpacing = 2 * time.Second
)

// DraftRequest is the input to the drafting collaborator.
type DraftRequest struct {
	ChatID                 string
	Message                string
	SenderName             string
	AgentID                uuid.UUID
	EmojiOnly              bool
	SuggestClosing         bool
	MessagesInConversation int
	DetectGoalCompletion   bool
}

// GoalAnalysis is the drafting collaborator's judgement on goal progress.
type GoalAnalysis struct {
	Achieved   bool
	Confidence int // 0-100
	Reasoning  string
}

// Draft is the drafting collaborator's output. SuggestedMessages with more
// than one entry turns the reply into a spaced multi-message burst.
type Draft struct {
	Text              string
	SuggestedMessages []string
	Goal              *GoalAnalysis
}

// Summary is the handoff collaborator's output.
type Summary struct {
	Summary            string
	KeyPoints          []string
	SuggestedNextSteps []string
	GoalStatus         string
}

// Drafter produces reply text for a conversation.
type Drafter interface {
	GenerateDraft(ctx context.Context, req DraftRequest) (*Draft, error)
}

// Summarizer produces a handoff summary when automation hands a chat back to
// a human.
type Summarizer interface {
	GenerateSummary(ctx context.Context, chatID, senderName string, agentID uuid.UUID) (*Summary, error)
}

// KnowledgeExtractor mines a conversation for reusable knowledge. Best-effort;
// the engine ignores its errors.
type KnowledgeExtractor interface {
	ExtractKnowledge(ctx context.Context, chatID, senderName string) error
}

// SuggestionSink receives drafts in suggest mode. Nothing is scheduled or
// sent through it.
type SuggestionSink interface {
	SuggestReply(ctx context.Context, chatID, text string) error
}

// ErrorNotifier surfaces decision errors once, immediately, outside the
// activity log.
type ErrorNotifier interface {
	NotifyError(chatID string, err error)
}

// Store is the persistence surface the engine needs.
type Store interface {
	GetChatConfig(ctx context.Context, chatID string) (*model.ChatConfig, error)
	UpsertChatConfig(ctx context.Context, c *model.ChatConfig) error
	UpdateChatConfig(ctx context.Context, c *model.ChatConfig) error
	RecordError(ctx context.Context, chatID, message string) error
	RecordHandled(ctx context.Context, chatID string, at time.Time) error
	GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error)
	CreateHandoff(ctx context.Context, h *model.HandoffSummary) error
}

// ActionScheduler is the slice of the scheduler the engine uses.
type ActionScheduler interface {
	ScheduleMessage(ctx context.Context, chatID string, agentID uuid.UUID, text string, at time.Time) (*model.ScheduledAction, error)
	ScheduleMessages(ctx context.Context, chatID string, agentID uuid.UUID, texts []string, at time.Time, delays []time.Duration) ([]*model.ScheduledAction, error)
	CancelChat(ctx context.Context, chatID string) (int, error)
}

// Params tunes engine behavior; zero values fall back to defaults.
type Params struct {
	DedupCapacity   int
	ApprovalHold    time.Duration // how far out manual-approval drafts are parked
	ApprovalRelease time.Duration // delay applied when a held draft is approved
}

func (p *Params) applyDefaults() {
	if p.DedupCapacity <= 0 {
		p.DedupCapacity = 500
	}
	if p.ApprovalHold <= 0 {
		p.ApprovalHold = 24 * time.Hour
	}
	if p.ApprovalRelease <= 0 {
		p.ApprovalRelease = 5 * time.Second
	}
}

// Engine drives the decision pipeline. Safe for concurrent use across chats.
type Engine struct {
	store     Store
	sched     ActionScheduler
	recorder  activity.Recorder
	drafter   Drafter
	summarize Summarizer
	knowledge KnowledgeExtractor
	suggest   SuggestionSink
	notifier  ErrorNotifier
	clock     timing.Clock
	logger    *slog.Logger
	params    Params

	dedup *dedupCache

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Deps bundles the engine's collaborators. Clock and RNG are injectable for
// deterministic tests; nil selects the system clock and a randomly seeded
// generator.
type Deps struct {
	Store       Store
	Scheduler   ActionScheduler
	Recorder    activity.Recorder
	Drafter     Drafter
	Summarizer  Summarizer
	Knowledge   KnowledgeExtractor
	Suggestions SuggestionSink
	Notifier    ErrorNotifier
	Clock       timing.Clock
	RNG         *rand.Rand
	Logger      *slog.Logger
}

// New creates an engine.
func New(deps Deps, params Params) *Engine {
	params.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = timing.SystemClock{}
	}
	if deps.RNG == nil {
		deps.RNG = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		store:     deps.Store,
		sched:     deps.Scheduler,
		recorder:  deps.Recorder,
		drafter:   deps.Drafter,
		summarize: deps.Summarizer,
		knowledge: deps.Knowledge,
		suggest:   deps.Suggestions,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		rng:       deps.RNG,
		logger:    deps.Logger,
		params:    params,
		dedup:     newDedupCache(params.DedupCapacity),
	}
}

// HandleIncomingMessage runs the decision pipeline for one inbound message.
// Duplicate message IDs are ignored unless forceProcess is set. Decision
// errors flip the chat to error status; they are returned for callers that
// want them but are already fully recorded by then.
func (e *Engine) HandleIncomingMessage(ctx context.Context, msg model.InboundMessage, forceProcess bool) error {
	if e.dedup.Seen(msg) && !forceProcess {
		e.logger.Debug("duplicate message ignored", "chat_id", msg.ChatID, "message_id", msg.ID)
		return nil
	}

	cfg, err := e.store.GetChatConfig(ctx, msg.ChatID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		e.logger.Error("load chat config", "chat_id", msg.ChatID, "error", err)
		return fmt.Errorf("engine: load chat config: %w", err)
	}
	if !cfg.Processable() {
		return nil
	}

	if cfg.Mode == model.ModeObserver {
		return nil
	}

	now := e.clock.Now()
	if cfg.Mode == model.ModeSelfDriving && cfg.Expired(now) {
		cfg.Enabled = false
		cfg.Status = model.StatusInactive
		if err := e.store.UpdateChatConfig(ctx, cfg); err != nil {
			e.logger.Error("expire chat config", "chat_id", cfg.ChatID, "error", err)
		}
		e.recorder.Record(model.ActivityInput{
			ChatID:  cfg.ChatID,
			AgentID: &cfg.AgentID,
			Type:    model.ActivityTimeExpired,
			Payload: map[string]any{"expired_at": cfg.SelfDrivingExpiresAt},
		})
		e.logger.Info("self-driving window expired", "chat_id", cfg.ChatID)
		return nil
	}

	if err := e.decide(ctx, cfg, &msg, forceProcess); err != nil {
		e.recordDecisionError(ctx, cfg, err)
		return err
	}
	return nil
}

// GenerateProactiveMessage opens the conversation from the agent's side: no
// inbound message, a short fixed delay, and no goal detection.
func (e *Engine) GenerateProactiveMessage(ctx context.Context, chatID string) error {
	cfg, err := e.store.GetChatConfig(ctx, chatID)
	if err != nil {
		return fmt.Errorf("engine: load config: %w", err)
	}
	if !cfg.Processable() {
		return ErrNotActive
	}

	if err := e.decide(ctx, cfg, nil, false); err != nil {
		e.recordDecisionError(ctx, cfg, err)
		return err
	}
	return nil
}

// ApproveAndSend releases a held manual-approval draft: pending actions for
// the chat are replaced with one send at a short delay, using text as the
// (possibly operator-edited) final message.
func (e *Engine) ApproveAndSend(ctx context.Context, chatID, text string, agentID uuid.UUID) (*model.ScheduledAction, error) {
	if _, err := e.sched.CancelChat(ctx, chatID); err != nil {
		return nil, fmt.Errorf("engine: clear held drafts: %w", err)
	}

	now := e.clock.Now()
	action, err := e.sched.ScheduleMessage(ctx, chatID, agentID, text, now.Add(e.params.ApprovalRelease))
	if err != nil {
		return nil, fmt.Errorf("engine: schedule approved send: %w", err)
	}

	if err := e.store.RecordHandled(ctx, chatID, now); err != nil {
		e.logger.Error("record handled on approve", "chat_id", chatID, "error", err)
	}
	e.recorder.Record(model.ActivityInput{
		ChatID:  chatID,
		AgentID: &agentID,
		Type:    model.ActivityDraftApproved,
		Payload: map[string]any{"action_id": action.ID.String()},
	})
	return action, nil
}

// RegenerateDraft re-runs the pipeline for a previously seen message,
// dropping it from the dedup cache first so it is processed again.
func (e *Engine) RegenerateDraft(ctx context.Context, messageID string) error {
	msg, ok := e.dedup.Remove(messageID)
	if !ok {
		return ErrMessageNotCached
	}
	return e.HandleIncomingMessage(ctx, msg, false)
}

// decide runs the agent-dependent part of the pipeline. msg is nil on the
// proactive path. Any returned error moves the chat to error status.
func (e *Engine) decide(ctx context.Context, cfg *model.ChatConfig, msg *model.InboundMessage, forceProcess bool) error {
	agent, err := e.store.GetAgent(ctx, cfg.AgentID)
	if err != nil {
		return &AgentNotFoundError{AgentID: cfg.AgentID}
	}
	behavior := agent.Behavior

	now := e.clock.Now()
	if !forceProcess && !timing.WithinActivityHours(behavior, now) {
		// Outside configured hours the agent is simply asleep. No log entry.
		e.logger.Debug("outside activity hours", "chat_id", cfg.ChatID, "agent_id", agent.ID)
		return nil
	}

	proactive := msg == nil
	senderName := ""
	originalText := ""
	var messageID *string
	if msg != nil {
		senderName = msg.SenderName
		originalText = msg.Text
		messageID = &msg.ID
	}

	e.recorder.Record(model.ActivityInput{
		ChatID:  cfg.ChatID,
		AgentID: &cfg.AgentID,
		Type:    model.ActivityMessageReceived,
		Payload: map[string]any{"message_id": messageID, "proactive": proactive},
	})

	rate := e.effectiveResponseRate(cfg, behavior)

	if e.rollPercent() > float64(rate) {
		e.recorder.Record(model.ActivityInput{
			ChatID:  cfg.ChatID,
			AgentID: &cfg.AgentID,
			Type:    model.ActivitySkippedBusy,
			Payload: map[string]any{"effective_response_rate": rate},
		})
		e.logger.Debug("skipped, simulating unavailability", "chat_id", cfg.ChatID, "rate", rate)
		return nil
	}

	emojiOnly := behavior.EmojiOnlyEnabled && e.rollPercent() < float64(behavior.EmojiOnlyChance)
	suggestClosing := false
	if behavior.ClosingEnabled && cfg.LastActivityAt != nil {
		idle := now.Sub(*cfg.LastActivityAt)
		suggestClosing = idle > time.Duration(behavior.ClosingTriggerIdleMinutes)*time.Minute
	}

	draft, err := e.drafter.GenerateDraft(ctx, DraftRequest{
		ChatID:                 cfg.ChatID,
		Message:                originalText,
		SenderName:             senderName,
		AgentID:                agent.ID,
		EmojiOnly:              emojiOnly,
		SuggestClosing:         suggestClosing,
		MessagesInConversation: cfg.MessagesHandled,
		DetectGoalCompletion:   !proactive,
	})
	if err != nil {
		return fmt.Errorf("engine: generate draft: %w", err)
	}

	e.recorder.Record(model.ActivityInput{
		ChatID:  cfg.ChatID,
		AgentID: &cfg.AgentID,
		Type:    model.ActivityDraftGenerated,
		Payload: map[string]any{"emoji_only": emojiOnly, "suggest_closing": suggestClosing},
	})

	e.maybeExtractKnowledge(cfg, senderName)

	if done, err := e.maybeCompleteGoal(ctx, cfg, agent, senderName, draft); err != nil {
		return err
	} else if done {
		return nil
	}

	return e.dispatch(ctx, cfg, behavior, draft, proactive, now)
}

// effectiveResponseRate applies conversation fatigue to the agent's base
// response rate. The longer a conversation runs past the trigger, the less
// often the agent replies, within the configured floor.
func (e *Engine) effectiveResponseRate(cfg *model.ChatConfig, b model.Behavior) int {
	rate := b.ResponseRate
	if rate <= 0 || rate > 100 {
		rate = 100
	}

	if !b.FatigueEnabled || cfg.MessagesHandled < b.FatigueTriggerMessages {
		return rate
	}

	reduction := (cfg.MessagesHandled - b.FatigueTriggerMessages) * b.FatigueResponseReduction
	if reduction > maxFatigueReduction {
		reduction = maxFatigueReduction
	}
	rate -= reduction
	if rate < minResponseRate {
		rate = minResponseRate
	}

	if reduction > 0 {
		e.recorder.Record(model.ActivityInput{
			ChatID:  cfg.ChatID,
			AgentID: &cfg.AgentID,
			Type:    model.ActivityFatigueReduced,
			Payload: map[string]any{"reduction": reduction, "effective_response_rate": rate},
		})
	}
	return rate
}

// maybeExtractKnowledge fires the knowledge collaborator on every 5th handled
// message. Fire-and-forget: failures are logged at debug and never influence
// the pipeline.
func (e *Engine) maybeExtractKnowledge(cfg *model.ChatConfig, senderName string) {
	if cfg.MessagesHandled == 0 || cfg.MessagesHandled%knowledgeEvery != 0 {
		return
	}
	chatID := cfg.ChatID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.knowledge.ExtractKnowledge(ctx, chatID, senderName); err != nil {
			e.logger.Debug("knowledge extraction failed", "chat_id", chatID, "error", err)
		}
	}()
}

// maybeCompleteGoal handles a confident goal detection. Returns done=true
// when the reply should be suppressed (auto-disable and handoff both end the
// conversation); maintenance keeps going.
func (e *Engine) maybeCompleteGoal(ctx context.Context, cfg *model.ChatConfig, agent *model.Agent, senderName string, draft *Draft) (bool, error) {
	goal := draft.Goal
	if goal == nil || !goal.Achieved || goal.Confidence < goalConfidenceThreshold {
		return false, nil
	}

	e.recorder.Record(model.ActivityInput{
		ChatID:  cfg.ChatID,
		AgentID: &cfg.AgentID,
		Type:    model.ActivityGoalDetected,
		Payload: map[string]any{"confidence": goal.Confidence, "reasoning": goal.Reasoning},
	})

	behavior := agent.GoalBehavior
	if cfg.GoalBehaviorOverride != nil {
		behavior = *cfg.GoalBehaviorOverride
	}

	switch behavior {
	case model.GoalMaintenance:
		return false, nil

	case model.GoalHandoff:
		summary, err := e.summarize.GenerateSummary(ctx, cfg.ChatID, senderName, agent.ID)
		if err != nil {
			return false, fmt.Errorf("engine: generate handoff summary: %w", err)
		}
		handoff := &model.HandoffSummary{
			ChatID:             cfg.ChatID,
			AgentID:            agent.ID,
			Summary:            summary.Summary,
			KeyPoints:          summary.KeyPoints,
			SuggestedNextSteps: summary.SuggestedNextSteps,
			GoalStatus:         summary.GoalStatus,
			GeneratedAt:        e.clock.Now(),
		}
		if err := e.store.CreateHandoff(ctx, handoff); err != nil {
			return false, fmt.Errorf("engine: persist handoff summary: %w", err)
		}
		e.recorder.Record(model.ActivityInput{
			ChatID:  cfg.ChatID,
			AgentID: &cfg.AgentID,
			Type:    model.ActivityHandoffTriggered,
			Payload: map[string]any{"handoff_id": handoff.ID},
		})
		fallthrough

	case model.GoalAutoDisable:
		cfg.Enabled = false
		cfg.Status = model.StatusGoalCompleted
		if err := e.store.UpdateChatConfig(ctx, cfg); err != nil {
			return false, fmt.Errorf("engine: disable on goal completion: %w", err)
		}
		e.logger.Info("goal completed, automation disabled",
			"chat_id", cfg.ChatID, "confidence", goal.Confidence, "behavior", behavior)
		return true, nil

	default:
		return false, nil
	}
}

// dispatch routes the finished draft according to the chat's mode.
func (e *Engine) dispatch(ctx context.Context, cfg *model.ChatConfig, behavior model.Behavior, draft *Draft, proactive bool, now time.Time) error {
	texts := []string{draft.Text}
	if len(draft.SuggestedMessages) > 1 {
		texts = draft.SuggestedMessages
	}

	switch cfg.Mode {
	case model.ModeSuggest:
		if draft.Text == "" {
			return nil
		}
		if err := e.suggest.SuggestReply(ctx, cfg.ChatID, draft.Text); err != nil {
			return fmt.Errorf("engine: push suggestion: %w", err)
		}
		return nil

	case model.ModeManualApproval:
		// Park far in the future so the draft surfaces as awaiting approval
		// instead of firing; ApproveAndSend pulls it forward.
		at := now.Add(e.params.ApprovalHold)
		_, err := e.sched.ScheduleMessages(ctx, cfg.ChatID, cfg.AgentID, texts, at, e.burstDelays(behavior, len(texts)))
		if err != nil {
			return fmt.Errorf("engine: hold for approval: %w", err)
		}
		return nil

	case model.ModeSelfDriving:
		var delay time.Duration
		if proactive {
			delay = e.proactiveDelay()
		} else {
			delay = e.replyDelay(behavior, cfg)
		}
		_, err := e.sched.ScheduleMessages(ctx, cfg.ChatID, cfg.AgentID, texts, now.Add(delay), e.burstDelays(behavior, len(texts)))
		if err != nil {
			return fmt.Errorf("engine: schedule reply: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("engine: unexpected mode %q", cfg.Mode)
	}
}

// burstDelays computes the spacing between consecutive parts of an n-part
// burst.
func (e *Engine) burstDelays(b model.Behavior, n int) []time.Duration {
	if n <= 1 {
		return nil
	}
	delays := make([]time.Duration, n-1)
	for i := range delays {
		e.rngMu.Lock()
		d := timing.MultiMessageDelay(e.rng, b)
		e.rngMu.Unlock()
		if d <= 0 {
			d = defaultBurstSpacing
		}
		delays[i] = d
	}
	return delays
}

func (e *Engine) replyDelay(b model.Behavior, cfg *model.ChatConfig) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return timing.ReplyDelay(e.rng, b, cfg.LastActivityAt, &cfg.CreatedAt, e.clock.Now())
}

func (e *Engine) proactiveDelay() time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	span := proactiveDelayMaxSec - proactiveDelayMinSec
	return time.Duration(proactiveDelayMinSec+e.rng.IntN(span+1)) * time.Second
}

// rollPercent draws a uniform value in [0, 100).
func (e *Engine) rollPercent() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64() * 100
}

// recordDecisionError moves the chat to error state, logs the failure, and
// notifies once. Further inbound messages are ignored until a human resets
// the chat.
func (e *Engine) recordDecisionError(ctx context.Context, cfg *model.ChatConfig, decErr error) {
	msg := decErr.Error()
	if err := e.store.RecordError(ctx, cfg.ChatID, msg); err != nil {
		e.logger.Error("record decision error", "chat_id", cfg.ChatID, "error", err)
	}
	e.recorder.Record(model.ActivityInput{
		ChatID:  cfg.ChatID,
		AgentID: &cfg.AgentID,
		Type:    model.ActivityError,
		Payload: map[string]any{"error": msg},
	})
	e.notifier.NotifyError(cfg.ChatID, decErr)
	e.logger.Error("decision failed", "chat_id", cfg.ChatID, "error", decErr)
}
