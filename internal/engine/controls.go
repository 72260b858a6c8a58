package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/storage"
)

// EnableOptions configures Enable.
type EnableOptions struct {
	AgentID              uuid.UUID
	Mode                 model.Mode
	DurationMinutes      int // self-driving window; 0 means no expiry
	GoalBehaviorOverride *model.GoalBehavior
}

// Enable turns automation on for a chat, creating or resetting its config.
// Counters and error state start fresh; a previous goal-completed or error
// status does not survive a re-enable.
func (e *Engine) Enable(ctx context.Context, chatID string, opts EnableOptions) (*model.ChatConfig, error) {
	if !model.ValidMode(opts.Mode) {
		return nil, fmt.Errorf("engine: invalid mode %q", opts.Mode)
	}
	if _, err := e.store.GetAgent(ctx, opts.AgentID); err != nil {
		return nil, &AgentNotFoundError{AgentID: opts.AgentID}
	}

	now := e.clock.Now()
	cfg := &model.ChatConfig{
		ChatID:               chatID,
		AgentID:              opts.AgentID,
		Mode:                 opts.Mode,
		Status:               model.StatusActive,
		Enabled:              true,
		GoalBehaviorOverride: opts.GoalBehaviorOverride,
		CreatedAt:            now,
	}
	if opts.Mode == model.ModeSelfDriving && opts.DurationMinutes > 0 {
		expires := now.Add(time.Duration(opts.DurationMinutes) * time.Minute)
		cfg.SelfDrivingExpiresAt = &expires
	}

	if err := e.store.UpsertChatConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("engine: enable chat: %w", err)
	}

	e.recorder.Record(model.ActivityInput{
		ChatID:  chatID,
		AgentID: &opts.AgentID,
		Type:    model.ActivityAutopilotEnabled,
		Payload: map[string]any{"mode": opts.Mode, "expires_at": cfg.SelfDrivingExpiresAt},
	})
	e.logger.Info("autopilot enabled", "chat_id", chatID, "mode", opts.Mode, "agent_id", opts.AgentID)
	return cfg, nil
}

// Disable turns automation off and cancels every pending action for the chat.
func (e *Engine) Disable(ctx context.Context, chatID string) error {
	cfg, err := e.store.GetChatConfig(ctx, chatID)
	if err != nil {
		return err
	}

	cfg.Enabled = false
	cfg.Status = model.StatusInactive
	cfg.SelfDrivingExpiresAt = nil
	if err := e.store.UpdateChatConfig(ctx, cfg); err != nil {
		return fmt.Errorf("engine: disable chat: %w", err)
	}

	cancelled, err := e.sched.CancelChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("engine: cancel chat actions: %w", err)
	}

	e.recorder.Record(model.ActivityInput{
		ChatID:  chatID,
		AgentID: &cfg.AgentID,
		Type:    model.ActivityAutopilotDisabled,
		Payload: map[string]any{"cancelled_actions": cancelled},
	})
	e.logger.Info("autopilot disabled", "chat_id", chatID, "cancelled_actions", cancelled)
	return nil
}

// Pause suspends an active chat. Pending actions stay queued; an executing
// action is never interrupted.
func (e *Engine) Pause(ctx context.Context, chatID string) error {
	cfg, err := e.store.GetChatConfig(ctx, chatID)
	if err != nil {
		return err
	}
	if cfg.Status != model.StatusActive {
		return fmt.Errorf("engine: cannot pause chat in status %q", cfg.Status)
	}

	cfg.Status = model.StatusPaused
	if err := e.store.UpdateChatConfig(ctx, cfg); err != nil {
		return fmt.Errorf("engine: pause chat: %w", err)
	}
	e.recorder.Record(model.ActivityInput{
		ChatID:  chatID,
		AgentID: &cfg.AgentID,
		Type:    model.ActivityPaused,
	})
	return nil
}

// Resume reactivates a paused chat. Error and goal-completed chats need a
// full re-enable instead.
func (e *Engine) Resume(ctx context.Context, chatID string) error {
	cfg, err := e.store.GetChatConfig(ctx, chatID)
	if err != nil {
		return err
	}
	if cfg.Status != model.StatusPaused {
		return fmt.Errorf("engine: cannot resume chat in status %q", cfg.Status)
	}

	cfg.Status = model.StatusActive
	if err := e.store.UpdateChatConfig(ctx, cfg); err != nil {
		return fmt.Errorf("engine: resume chat: %w", err)
	}
	e.recorder.Record(model.ActivityInput{
		ChatID:  chatID,
		AgentID: &cfg.AgentID,
		Type:    model.ActivityResumed,
	})
	return nil
}

// UpdateOptions is a partial update applied by Update; nil fields are left
// unchanged.
type UpdateOptions struct {
	AgentID         *uuid.UUID
	Mode            *model.Mode
	DurationMinutes *int
}

// Update adjusts the agent, mode, or self-driving window of an existing
// config without resetting counters.
func (e *Engine) Update(ctx context.Context, chatID string, opts UpdateOptions) (*model.ChatConfig, error) {
	cfg, err := e.store.GetChatConfig(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if opts.AgentID != nil {
		if _, err := e.store.GetAgent(ctx, *opts.AgentID); err != nil {
			return nil, &AgentNotFoundError{AgentID: *opts.AgentID}
		}
		cfg.AgentID = *opts.AgentID
	}
	if opts.Mode != nil {
		if !model.ValidMode(*opts.Mode) {
			return nil, fmt.Errorf("engine: invalid mode %q", *opts.Mode)
		}
		cfg.Mode = *opts.Mode
	}
	if opts.DurationMinutes != nil {
		if *opts.DurationMinutes > 0 {
			expires := e.clock.Now().Add(time.Duration(*opts.DurationMinutes) * time.Minute)
			cfg.SelfDrivingExpiresAt = &expires
		} else {
			cfg.SelfDrivingExpiresAt = nil
		}
	}

	if err := e.store.UpdateChatConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("engine: update chat config: %w", err)
	}
	return cfg, nil
}

// IsNotFound reports whether err means the chat has no config yet.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
