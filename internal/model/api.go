package model

import "time"

// Error codes returned by the control API.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeForbidden      = "forbidden"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeNotImplemented = "not_implemented"
)

// APIError is the JSON error envelope.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// AuthTokenRequest exchanges an operator API key for a session token.
type AuthTokenRequest struct {
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse carries the issued session token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EnableAutopilotRequest turns automation on for a chat.
type EnableAutopilotRequest struct {
	AgentID              string  `json:"agent_id"`
	Mode                 Mode    `json:"mode"`
	DurationMinutes      int     `json:"duration_minutes,omitempty"` // self-driving time box; 0 = unbounded
	GoalBehaviorOverride *string `json:"goal_behavior_override,omitempty"`
}

// UpdateAutopilotRequest changes mode/agent/duration on an existing config.
type UpdateAutopilotRequest struct {
	AgentID         *string `json:"agent_id,omitempty"`
	Mode            *Mode   `json:"mode,omitempty"`
	DurationMinutes *int    `json:"duration_minutes,omitempty"`
}

// InboundMessageRequest is the webhook body for a received chat message.
type InboundMessageRequest struct {
	MessageID    string `json:"message_id"`
	SenderName   string `json:"sender_name"`
	Text         string `json:"text"`
	ForceProcess bool   `json:"force_process,omitempty"`
}

// ApproveRequest releases a held draft in manual-approval mode.
type ApproveRequest struct {
	Text    string `json:"text"`
	AgentID string `json:"agent_id"`
}

// CreateAgentRequest creates or updates an agent template.
type CreateAgentRequest struct {
	Name         string       `json:"name"`
	Goal         string       `json:"goal"`
	SystemPrompt string       `json:"system_prompt"`
	GoalBehavior GoalBehavior `json:"goal_behavior"`
	Behavior     *Behavior    `json:"behavior,omitempty"`
}

// CreateOperatorRequest provisions a new control-API operator.
type CreateOperatorRequest struct {
	Name   string       `json:"name"`
	Role   OperatorRole `json:"role"`
	APIKey string       `json:"api_key"`
}

// ActivityPage is a paged slice of the activity log.
type ActivityPage struct {
	Entries []ActivityEntry `json:"entries"`
	HasMore bool            `json:"has_more"`
}
