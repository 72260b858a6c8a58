package nagare

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DraftRequest is the input handed to a Drafter. Message is empty for
// proactive openers.
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

// GoalAnalysis is the Drafter's judgement on whether the agent's goal has
// been reached. Confidence is 0-100.
type GoalAnalysis struct {
	Achieved   bool
	Confidence int
	Reasoning  string
}

// Draft is a Drafter's output. SuggestedMessages with more than one entry
// turns the reply into a spaced multi-message burst.
type Draft struct {
	Text              string
	SuggestedMessages []string
	Goal              *GoalAnalysis
}

// Summary is a Summarizer's output, persisted when a chat is handed back to
// a human.
type Summary struct {
	Summary            string
	KeyPoints          []string
	SuggestedNextSteps []string
	GoalStatus         string
}

// Drafter produces reply text for a conversation. The host wires one in via
// WithDrafter; without it, every decision that reaches drafting fails.
type Drafter interface {
	GenerateDraft(ctx context.Context, req DraftRequest) (*Draft, error)
}

// Summarizer produces a handoff summary when automation hands a chat back to
// a human.
type Summarizer interface {
	GenerateSummary(ctx context.Context, chatID, senderName string, agentID uuid.UUID) (*Summary, error)
}

// KnowledgeExtractor mines a conversation for reusable knowledge. Calls are
// best-effort; failures never affect the decision pipeline.
type KnowledgeExtractor interface {
	ExtractKnowledge(ctx context.Context, chatID, senderName string) error
}

// SuggestionSink receives drafts in suggest mode. Nothing is scheduled or
// sent through it.
type SuggestionSink interface {
	SuggestReply(ctx context.Context, chatID, text string) error
}

// ErrorNotifier surfaces decision errors immediately, outside the activity
// log. Implementations must not block.
type ErrorNotifier interface {
	NotifyError(chatID string, err error)
}

// Transport delivers outgoing messages on the conversation channel. The
// returned messageID identifies the sent message on that channel.
type Transport interface {
	SendMessage(ctx context.Context, chatID, text string) (messageID string, err error)
}

// ActionEvent is an action lifecycle notification delivered to event hooks.
type ActionEvent struct {
	Type     string
	ChatID   string
	ActionID uuid.UUID
	At       time.Time
}

// EventHook receives async action lifecycle notifications. Hook methods run
// in goroutines with a bounded context; failures are logged, never returned
// to the originating request.
type EventHook interface {
	OnActionEvent(ctx context.Context, e ActionEvent) error
}
