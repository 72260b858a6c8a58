package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GoalBehavior controls what happens to a chat when the agent's goal is
// detected as achieved.
type GoalBehavior string

const (
	// GoalAutoDisable turns the autopilot off and suppresses the pending reply.
	GoalAutoDisable GoalBehavior = "auto-disable"
	// GoalMaintenance keeps the conversation running unchanged.
	GoalMaintenance GoalBehavior = "maintenance"
	// GoalHandoff generates a handoff summary for a human, then disables.
	GoalHandoff GoalBehavior = "handoff"
)

// Agent is a reusable behavior template assignable to conversations.
// Immutable during a single decision evaluation — the engine loads it once
// per inbound event and never re-reads it mid-cycle.
type Agent struct {
	ID           uuid.UUID    `json:"id"`
	Name         string       `json:"name"`
	Goal         string       `json:"goal"`
	SystemPrompt string       `json:"system_prompt"`
	GoalBehavior GoalBehavior `json:"goal_behavior"`
	Behavior     Behavior     `json:"behavior"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Behavior holds the human-simulation knobs for an agent.
// Persisted as a JSONB blob; out-of-range values are repaired by Normalize
// so a corrupted or partial blob degrades to defaults instead of failing.
type Behavior struct {
	ReplyDelayMinSec       int  `json:"reply_delay_min_sec"`
	ReplyDelayMaxSec       int  `json:"reply_delay_max_sec"`
	ReplyDelayContextAware bool `json:"reply_delay_context_aware"`

	ActivityHoursEnabled bool   `json:"activity_hours_enabled"`
	ActivityStartHour    int    `json:"activity_start_hour"` // 0–23
	ActivityEndHour      int    `json:"activity_end_hour"`   // 0–23
	Timezone             string `json:"timezone"`            // IANA name, e.g. "Europe/Madrid"

	ResponseRate int `json:"response_rate"` // 0–100; 0 in a stored blob means "unset" and normalizes to 100

	EmojiOnlyEnabled bool `json:"emoji_only_enabled"`
	EmojiOnlyChance  int  `json:"emoji_only_chance"` // 0–100

	FatigueEnabled           bool `json:"fatigue_enabled"`
	FatigueTriggerMessages   int  `json:"fatigue_trigger_messages"`
	FatigueResponseReduction int  `json:"fatigue_response_reduction"` // percent per excess message

	ClosingEnabled            bool `json:"closing_enabled"`
	ClosingTriggerIdleMinutes int  `json:"closing_trigger_idle_minutes"`

	MultiMessageEnabled     bool `json:"multi_message_enabled"`
	MultiMessageDelayMinSec int  `json:"multi_message_delay_min_sec"`
	MultiMessageDelayMaxSec int  `json:"multi_message_delay_max_sec"`

	TypingSpeedWPM int `json:"typing_speed_wpm"`

	ReadReceiptEnabled     bool `json:"read_receipt_enabled"`
	ReadReceiptDelayMinSec int  `json:"read_receipt_delay_min_sec"`
	ReadReceiptDelayMaxSec int  `json:"read_receipt_delay_max_sec"`
}

// DefaultBehavior returns the behavior applied when an agent is created
// without explicit settings.
func DefaultBehavior() Behavior {
	return Behavior{
		ReplyDelayMinSec: 30,
		ReplyDelayMaxSec: 180,
		ResponseRate:     100,
		TypingSpeedWPM:   40,
	}
}

// Normalize repairs out-of-range or unset fields in place. Applied after
// every load from storage.
func (b *Behavior) Normalize() {
	if b.ReplyDelayMinSec < 0 {
		b.ReplyDelayMinSec = 0
	}
	if b.ReplyDelayMaxSec < b.ReplyDelayMinSec {
		b.ReplyDelayMaxSec = b.ReplyDelayMinSec
	}
	if b.ResponseRate <= 0 || b.ResponseRate > 100 {
		b.ResponseRate = 100
	}
	if b.EmojiOnlyChance < 0 {
		b.EmojiOnlyChance = 0
	}
	if b.EmojiOnlyChance > 100 {
		b.EmojiOnlyChance = 100
	}
	if b.ActivityStartHour < 0 || b.ActivityStartHour > 23 {
		b.ActivityStartHour = 0
	}
	if b.ActivityEndHour < 0 || b.ActivityEndHour > 23 {
		b.ActivityEndHour = 0
	}
	if b.TypingSpeedWPM <= 0 {
		b.TypingSpeedWPM = 40
	}
	if b.MultiMessageDelayMaxSec < b.MultiMessageDelayMinSec {
		b.MultiMessageDelayMaxSec = b.MultiMessageDelayMinSec
	}
	if b.ReadReceiptDelayMaxSec < b.ReadReceiptDelayMinSec {
		b.ReadReceiptDelayMaxSec = b.ReadReceiptDelayMinSec
	}
}

// ValidGoalBehavior reports whether g is a known goal-completion behavior.
func ValidGoalBehavior(g GoalBehavior) bool {
	switch g {
	case GoalAutoDisable, GoalMaintenance, GoalHandoff:
		return true
	}
	return false
}

// Validate checks fields set by the agent management API.
func (a Agent) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("model: agent name is required")
	}
	if !ValidGoalBehavior(a.GoalBehavior) {
		return fmt.Errorf("model: invalid goal behavior %q", a.GoalBehavior)
	}
	return nil
}
