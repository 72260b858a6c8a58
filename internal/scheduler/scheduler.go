// Package scheduler owns the delayed-action queue: it persists actions to be
// executed in the future, polls for due work, and executes one action at a
// time against the message transport.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/nagare-ai/nagare/internal/activity"
	"github.com/nagare-ai/nagare/internal/event"
	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/storage"
	"github.com/nagare-ai/nagare/internal/telemetry"
	"github.com/nagare-ai/nagare/internal/timing"
)

// ErrNotImplemented is returned when a scheduled action reaches execution but
// has no transport support yet. The action still moves to failed with the
// error recorded, exercising the full failure path.
var ErrNotImplemented = errors.New("scheduler: action type not implemented")

// Store is the persistence surface the scheduler needs.
type Store interface {
	CreateAction(ctx context.Context, a *model.ScheduledAction) error
	DueAction(ctx context.Context, now time.Time) (*model.ScheduledAction, error)
	MarkExecuting(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
	CancelAction(ctx context.Context, id uuid.UUID) error
	CancelChat(ctx context.Context, chatID string) (int, error)
	RecordHandled(ctx context.Context, chatID string, at time.Time) error
	CountPending(ctx context.Context) (int64, error)
}

// Transport delivers messages to the chat platform. Implementations must be
// safe for sequential reuse; the scheduler never calls SendMessage
// concurrently.
type Transport interface {
	SendMessage(ctx context.Context, chatID, text string) (messageID string, err error)
}

// Scheduler polls storage for due actions and executes them. A single mutex
// guarantees at most one action executes at any moment across all chats; a
// tick that finds the latch held skips silently and the work is picked up by
// the next tick.
type Scheduler struct {
	store     Store
	transport Transport
	recorder  activity.Recorder
	bus       *event.Bus
	clock     timing.Clock
	logger    *slog.Logger
	interval  time.Duration

	execMu sync.Mutex

	startMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler. interval is the poll period for due actions.
func New(store Store, transport Transport, recorder activity.Recorder, bus *event.Bus, clock timing.Clock, logger *slog.Logger, interval time.Duration) *Scheduler {
	if clock == nil {
		clock = timing.SystemClock{}
	}
	return &Scheduler{
		store:     store,
		transport: transport,
		recorder:  recorder,
		bus:       bus,
		clock:     clock,
		logger:    logger,
		interval:  interval,
	}
}

// RegisterMetrics exposes the pending-action backlog as an observable OTEL
// gauge. Call after telemetry.Init so the global meter provider is configured.
func (s *Scheduler) RegisterMetrics() {
	meter := telemetry.Meter("nagare/scheduler")

	_, _ = meter.Int64ObservableGauge("nagare.scheduler.pending_actions",
		metric.WithDescription("Scheduled actions waiting to execute"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := s.store.CountPending(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		}),
	)
}

// Start launches the poll loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "poll_interval", s.interval)
}

// Stop halts the poll loop and waits for an in-flight execution to finish.
// Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one poll pass synchronously: it claims and executes the single
// earliest due action, leaving any backlog for later ticks so send pacing
// follows the poll interval. If another execution holds the latch the tick is
// skipped entirely.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.execMu.TryLock() {
		return
	}
	defer s.execMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	action, err := s.store.DueAction(ctx, s.clock.Now())
	if errors.Is(err, storage.ErrNoDueAction) {
		return
	}
	if err != nil {
		s.logger.Error("scheduler: fetch due action", "error", err)
		return
	}

	s.execute(ctx, action)
}

// Schedule persists a prepared action and announces it on the bus.
func (s *Scheduler) Schedule(ctx context.Context, action *model.ScheduledAction) error {
	if !model.ValidActionType(action.Type) {
		return fmt.Errorf("scheduler: invalid action type %q", action.Type)
	}
	if err := s.store.CreateAction(ctx, action); err != nil {
		return fmt.Errorf("scheduler: schedule action: %w", err)
	}

	s.bus.Publish(event.Event{
		Type:     event.ActionScheduled,
		ChatID:   action.ChatID,
		ActionID: action.ID,
		At:       s.clock.Now(),
	})
	s.logger.Debug("action scheduled",
		"action_id", action.ID, "chat_id", action.ChatID,
		"type", action.Type, "scheduled_for", action.ScheduledFor)
	return nil
}

// ScheduleMessage schedules a single send-message action.
func (s *Scheduler) ScheduleMessage(ctx context.Context, chatID string, agentID uuid.UUID, text string, at time.Time) (*model.ScheduledAction, error) {
	action := &model.ScheduledAction{
		ChatID:       chatID,
		AgentID:      agentID,
		Type:         model.ActionSendMessage,
		ScheduledFor: at,
		MessageText:  text,
	}
	if err := s.Schedule(ctx, action); err != nil {
		return nil, err
	}
	return action, nil
}

// ScheduleMessages schedules a burst of messages starting at `at`, each
// subsequent one offset by its delay. Returns the created actions in order.
func (s *Scheduler) ScheduleMessages(ctx context.Context, chatID string, agentID uuid.UUID, texts []string, at time.Time, delays []time.Duration) ([]*model.ScheduledAction, error) {
	actions := make([]*model.ScheduledAction, 0, len(texts))
	when := at
	for i, text := range texts {
		if i > 0 && i-1 < len(delays) {
			when = when.Add(delays[i-1])
		}
		action, err := s.ScheduleMessage(ctx, chatID, agentID, text, when)
		if err != nil {
			return actions, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// CancelAction cancels one pending action.
func (s *Scheduler) CancelAction(ctx context.Context, id uuid.UUID) error {
	return s.store.CancelAction(ctx, id)
}

// CancelChat cancels every pending action for a chat. Used when a newer
// inbound message supersedes scheduled replies, and on disable or pause.
func (s *Scheduler) CancelChat(ctx context.Context, chatID string) (int, error) {
	return s.store.CancelChat(ctx, chatID)
}

func (s *Scheduler) execute(ctx context.Context, action *model.ScheduledAction) {
	// Claim first. A concurrent cancel between fetch and claim makes this a
	// no-op and the action stays cancelled.
	if err := storage.WithRetry(ctx, func() error {
		return s.store.MarkExecuting(ctx, action.ID)
	}); err != nil {
		s.logger.Debug("action claim lost", "action_id", action.ID, "error", err)
		return
	}

	now := s.clock.Now()
	s.bus.Publish(event.Event{
		Type:     event.ActionExecuting,
		ChatID:   action.ChatID,
		ActionID: action.ID,
		At:       now,
	})

	var execErr error
	switch action.Type {
	case model.ActionSendMessage:
		_, execErr = s.transport.SendMessage(ctx, action.ChatID, action.MessageText)
	case model.ActionTypingIndicator, model.ActionSendReadReceipt:
		execErr = ErrNotImplemented
	default:
		execErr = fmt.Errorf("scheduler: unknown action type %q", action.Type)
	}

	if execErr != nil {
		s.fail(ctx, action, execErr)
		return
	}
	s.complete(ctx, action)
}

func (s *Scheduler) complete(ctx context.Context, action *model.ScheduledAction) {
	if err := storage.WithRetry(ctx, func() error {
		return s.store.MarkCompleted(ctx, action.ID)
	}); err != nil {
		s.logger.Error("scheduler: mark completed", "action_id", action.ID, "error", err)
	}

	if action.Type == model.ActionSendMessage {
		now := s.clock.Now()
		if err := storage.WithRetry(ctx, func() error {
			return s.store.RecordHandled(ctx, action.ChatID, now)
		}); err != nil {
			s.logger.Error("scheduler: record handled", "chat_id", action.ChatID, "error", err)
		}
		s.recorder.Record(model.ActivityInput{
			ChatID:  action.ChatID,
			AgentID: &action.AgentID,
			Type:    model.ActivityMessageSent,
			Payload: map[string]any{"action_id": action.ID.String(), "text": action.MessageText},
		})
	}

	s.bus.Publish(event.Event{
		Type:     event.ActionCompleted,
		ChatID:   action.ChatID,
		ActionID: action.ID,
		At:       s.clock.Now(),
	})
	s.logger.Info("action executed", "action_id", action.ID, "chat_id", action.ChatID, "type", action.Type)
}

// fail records the failure and moves on. Failed actions are never retried and
// the chat config status is left untouched; only decision errors flip a chat
// to error state.
func (s *Scheduler) fail(ctx context.Context, action *model.ScheduledAction, execErr error) {
	if err := storage.WithRetry(ctx, func() error {
		return s.store.MarkFailed(ctx, action.ID, execErr.Error())
	}); err != nil {
		s.logger.Error("scheduler: mark failed", "action_id", action.ID, "error", err)
	}

	s.recorder.Record(model.ActivityInput{
		ChatID:  action.ChatID,
		AgentID: &action.AgentID,
		Type:    model.ActivityError,
		Payload: map[string]any{"action_id": action.ID.String(), "error": execErr.Error()},
	})

	s.bus.Publish(event.Event{
		Type:     event.ActionFailed,
		ChatID:   action.ChatID,
		ActionID: action.ID,
		At:       s.clock.Now(),
	})
	s.logger.Warn("action failed", "action_id", action.ID, "chat_id", action.ChatID, "type", action.Type, "error", execErr)
}
