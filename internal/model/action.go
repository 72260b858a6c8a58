package model

import (
	"time"

	"github.com/google/uuid"
)

// ActionType is the closed set of scheduled work kinds.
// Only ActionSendMessage is executable today; the other variants exist in
// the enum so stored rows round-trip, and the scheduler fails loudly
// (ErrNotImplemented) if one reaches execution.
type ActionType string

const (
	ActionSendMessage     ActionType = "send-message"
	ActionTypingIndicator ActionType = "typing-indicator"
	ActionSendReadReceipt ActionType = "send-read-receipt"
)

// ActionStatus is the lifecycle state of a scheduled action.
// Status is advanced only by the scheduler, except for bulk cancellation.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionCancelled ActionStatus = "cancelled"
)

// ValidActionType reports whether t is a known action type.
func ValidActionType(t ActionType) bool {
	switch t {
	case ActionSendMessage, ActionTypingIndicator, ActionSendReadReceipt:
		return true
	}
	return false
}

// ScheduledAction is one unit of future work.
// Invariant: at most one action system-wide has Status==ActionExecuting at
// any instant — the scheduler's global single-flight latch enforces it.
type ScheduledAction struct {
	ID           uuid.UUID    `json:"id"`
	Seq          int64        `json:"-"` // insertion order, assigned by storage; due-selection tie break
	ChatID       string       `json:"chat_id"`
	AgentID      uuid.UUID    `json:"agent_id"`
	Type         ActionType   `json:"type"`
	ScheduledFor time.Time    `json:"scheduled_for"`
	MessageText  string       `json:"message_text"`
	MessageID    *string      `json:"message_id,omitempty"` // links back to the triggering inbound message
	Status       ActionStatus `json:"status"`
	Attempts     int          `json:"attempts"`
	LastError    *string      `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}
