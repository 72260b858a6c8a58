package model

import (
	"time"

	"github.com/google/uuid"
)

// Mode selects how the autopilot acts on a conversation.
type Mode string

const (
	// ModeObserver ingests messages for learning; never drafts or sends.
	ModeObserver Mode = "observer"
	// ModeSuggest drafts replies into a side channel; a human sends them.
	ModeSuggest Mode = "suggest"
	// ModeManualApproval schedules drafts held until explicitly approved.
	ModeManualApproval Mode = "manual-approval"
	// ModeSelfDriving sends replies automatically, optionally time-boxed.
	ModeSelfDriving Mode = "self-driving"
)

// ValidMode reports whether m is a known autopilot mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeObserver, ModeSuggest, ModeManualApproval, ModeSelfDriving:
		return true
	}
	return false
}

// ChatStatus is the per-conversation automation state machine.
//
//	inactive →(enable)→ active
//	active →(pause)→ paused →(resume)→ active
//	active →(self-driving expiry)→ inactive
//	active →(unhandled error)→ error
//	active →(goal achieved, auto-disable|handoff)→ goal-completed
//
// error and goal-completed require explicit user action to leave.
type ChatStatus string

const (
	StatusInactive      ChatStatus = "inactive"
	StatusActive        ChatStatus = "active"
	StatusPaused        ChatStatus = "paused"
	StatusError         ChatStatus = "error"
	StatusGoalCompleted ChatStatus = "goal-completed"
)

// ChatConfig is the per-conversation automation record.
// Invariant: enabled=false is only consistent with status=inactive; any
// inbound-event processing requires Enabled && Status==StatusActive.
type ChatConfig struct {
	ChatID               string        `json:"chat_id"`
	AgentID              uuid.UUID     `json:"agent_id"`
	Mode                 Mode          `json:"mode"`
	Status               ChatStatus    `json:"status"`
	Enabled              bool          `json:"enabled"`
	SelfDrivingExpiresAt *time.Time    `json:"self_driving_expires_at,omitempty"`
	MessagesHandled      int           `json:"messages_handled"`
	LastActivityAt       *time.Time    `json:"last_activity_at,omitempty"`
	LastError            *string       `json:"last_error,omitempty"`
	ErrorCount           int           `json:"error_count"`
	GoalBehaviorOverride *GoalBehavior `json:"goal_behavior_override,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Processable reports whether inbound events may be processed for this chat.
func (c ChatConfig) Processable() bool {
	return c.Enabled && c.Status == StatusActive
}

// Expired reports whether a time-boxed self-driving window has passed.
func (c ChatConfig) Expired(now time.Time) bool {
	return c.Mode == ModeSelfDriving && c.SelfDrivingExpiresAt != nil && now.After(*c.SelfDrivingExpiresAt)
}

// InboundMessage is a message received on the conversation channel,
// delivered to the engine by the host (webhook, channel listener, …).
type InboundMessage struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}
