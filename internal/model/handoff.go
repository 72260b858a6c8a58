package model

import (
	"time"

	"github.com/google/uuid"
)

// HandoffSummary is produced once per goal-completion-with-handoff and
// hands the conversation back to a human.
type HandoffSummary struct {
	ID                 uuid.UUID `json:"id"`
	ChatID             string    `json:"chat_id"`
	AgentID            uuid.UUID `json:"agent_id"`
	Summary            string    `json:"summary"`
	KeyPoints          []string  `json:"key_points"`
	SuggestedNextSteps []string  `json:"suggested_next_steps"`
	GoalStatus         string    `json:"goal_status"`
	GeneratedAt        time.Time `json:"generated_at"`
}
