package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotActive is returned by operations that require an enabled, active chat.
var ErrNotActive = errors.New("engine: chat is not active")

// ErrMessageNotCached is returned by RegenerateDraft when the original
// message has aged out of the dedup cache.
var ErrMessageNotCached = errors.New("engine: original message no longer cached")

// AgentNotFoundError marks a config that references a missing agent. The
// decision cycle is aborted and the chat moves to error state.
type AgentNotFoundError struct {
	AgentID uuid.UUID
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("engine: agent %s not found", e.AgentID)
}
