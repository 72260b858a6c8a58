// Package status computes the read-only per-chat projection shown to
// operators: what phase the automation is in and when the next send fires.
// It is derived from the config and action stores on demand and is never
// authoritative.
package status

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/storage"
	"github.com/nagare-ai/nagare/internal/timing"
)

// Phase summarizes the automation state for display.
type Phase string

const (
	PhaseInactive         Phase = "inactive"
	PhaseIdle             Phase = "idle"
	PhaseScheduled        Phase = "scheduled"
	PhaseAwaitingApproval Phase = "awaiting-approval"
	PhaseExecuting        Phase = "executing"
	PhasePaused           Phase = "paused"
	PhaseError            Phase = "error"
	PhaseGoalCompleted    Phase = "goal-completed"
)

// Snapshot is one chat's projected state.
type Snapshot struct {
	ChatID           string                 `json:"chat_id"`
	Phase            Phase                  `json:"phase"`
	Mode             model.Mode             `json:"mode,omitempty"`
	AgentID          *uuid.UUID             `json:"agent_id,omitempty"`
	MessagesHandled  int                    `json:"messages_handled"`
	ErrorCount       int                    `json:"error_count"`
	LastError        *string                `json:"last_error,omitempty"`
	ExpiresAt        *time.Time             `json:"expires_at,omitempty"`
	NextAction       *model.ScheduledAction `json:"next_action,omitempty"`
	CountdownSeconds *int64                 `json:"countdown_seconds,omitempty"`
}

// Store is the read surface the projection needs.
type Store interface {
	GetChatConfig(ctx context.Context, chatID string) (*model.ChatConfig, error)
	NextPendingAction(ctx context.Context, chatID string) (*model.ScheduledAction, error)
	ExecutingAction(ctx context.Context, chatID string) (*model.ScheduledAction, error)
}

// Service computes snapshots.
type Service struct {
	store Store
	clock timing.Clock
}

// NewService creates a projection service; a nil clock uses the system clock.
func NewService(store Store, clock timing.Clock) *Service {
	if clock == nil {
		clock = timing.SystemClock{}
	}
	return &Service{store: store, clock: clock}
}

// Snapshot projects one chat. A chat without a config is reported as
// inactive, not as an error.
func (s *Service) Snapshot(ctx context.Context, chatID string) (*Snapshot, error) {
	cfg, err := s.store.GetChatConfig(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return &Snapshot{ChatID: chatID, Phase: PhaseInactive}, nil
	}
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ChatID:          cfg.ChatID,
		Mode:            cfg.Mode,
		AgentID:         &cfg.AgentID,
		MessagesHandled: cfg.MessagesHandled,
		ErrorCount:      cfg.ErrorCount,
		LastError:       cfg.LastError,
		ExpiresAt:       cfg.SelfDrivingExpiresAt,
	}

	switch cfg.Status {
	case model.StatusPaused:
		snap.Phase = PhasePaused
		return snap, nil
	case model.StatusError:
		snap.Phase = PhaseError
		return snap, nil
	case model.StatusGoalCompleted:
		snap.Phase = PhaseGoalCompleted
		return snap, nil
	}
	if !cfg.Processable() {
		snap.Phase = PhaseInactive
		return snap, nil
	}

	if executing, err := s.store.ExecutingAction(ctx, chatID); err == nil {
		snap.Phase = PhaseExecuting
		snap.NextAction = executing
		return snap, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	next, err := s.store.NextPendingAction(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		snap.Phase = PhaseIdle
		return snap, nil
	}
	if err != nil {
		return nil, err
	}

	snap.NextAction = next
	if cfg.Mode == model.ModeManualApproval {
		snap.Phase = PhaseAwaitingApproval
	} else {
		snap.Phase = PhaseScheduled
	}

	countdown := int64(next.ScheduledFor.Sub(s.clock.Now()) / time.Second)
	if countdown < 0 {
		countdown = 0
	}
	snap.CountdownSeconds = &countdown
	return snap, nil
}
