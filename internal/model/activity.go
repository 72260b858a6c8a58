package model

import (
	"time"

	"github.com/google/uuid"
)

// ActivityType categorizes an activity log entry.
type ActivityType string

const (
	ActivityMessageReceived   ActivityType = "message-received"
	ActivityDraftGenerated    ActivityType = "draft-generated"
	ActivityMessageSent       ActivityType = "message-sent"
	ActivityGoalDetected      ActivityType = "goal-detected"
	ActivitySkippedBusy       ActivityType = "skipped-busy"
	ActivityFatigueReduced    ActivityType = "fatigue-reduced"
	ActivityError             ActivityType = "error"
	ActivityTimeExpired       ActivityType = "time-expired"
	ActivityHandoffTriggered  ActivityType = "handoff-triggered"
	ActivityAutopilotEnabled  ActivityType = "autopilot-enabled"
	ActivityAutopilotDisabled ActivityType = "autopilot-disabled"
	ActivityPaused            ActivityType = "paused"
	ActivityResumed           ActivityType = "resumed"
	ActivityDraftApproved     ActivityType = "draft-approved"
)

// ActivityEntry is one append-only record of an engine or scheduler
// decision. Never mutated or deleted except by bulk clear.
type ActivityEntry struct {
	ID        uuid.UUID      `json:"id"`
	ChatID    string         `json:"chat_id"`
	AgentID   *uuid.UUID     `json:"agent_id,omitempty"`
	Type      ActivityType   `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ActivityInput is the caller-supplied part of an activity entry; IDs and
// timestamps are assigned at append time.
type ActivityInput struct {
	ChatID  string
	AgentID *uuid.UUID
	Type    ActivityType
	Payload map[string]any
}
