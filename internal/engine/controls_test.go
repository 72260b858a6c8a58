package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagare-ai/nagare/internal/model"
)

func TestEnableCreatesActiveConfig(t *testing.T) {
	h := newHarness(t)
	agent := &model.Agent{ID: uuid.New(), Name: "sales", GoalBehavior: model.GoalAutoDisable, Behavior: model.DefaultBehavior()}
	h.store.agents[agent.ID] = agent
	ctx := context.Background()

	cfg, err := h.engine.Enable(ctx, "chat-1", EnableOptions{
		AgentID:         agent.ID,
		Mode:            model.ModeSelfDriving,
		DurationMinutes: 60,
	})
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, model.StatusActive, cfg.Status)
	require.NotNil(t, cfg.SelfDrivingExpiresAt)
	assert.Equal(t, h.clock.Now().Add(time.Hour), *cfg.SelfDrivingExpiresAt)
	assert.Equal(t, 1, h.recorder.count(model.ActivityAutopilotEnabled))

	stored := h.store.config("chat-1")
	assert.Equal(t, agent.ID, stored.AgentID)
}

func TestEnableValidatesModeAndAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Enable(ctx, "chat-1", EnableOptions{AgentID: uuid.New(), Mode: "warp-speed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")

	_, err = h.engine.Enable(ctx, "chat-1", EnableOptions{AgentID: uuid.New(), Mode: model.ModeSuggest})
	var notFound *AgentNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestReEnableResetsErrorState(t *testing.T) {
	h := newHarness(t)
	agentID := h.seedChat(t, "chat-1", model.ModeSelfDriving, func(_ *model.Agent, c *model.ChatConfig) {
		c.Status = model.StatusError
		c.Enabled = false
		c.ErrorCount = 3
		msg := "old failure"
		c.LastError = &msg
		c.MessagesHandled = 42
	})
	ctx := context.Background()

	cfg, err := h.engine.Enable(ctx, "chat-1", EnableOptions{AgentID: agentID, Mode: model.ModeSuggest})
	require.NoError(t, err)

	assert.Equal(t, model.StatusActive, cfg.Status)
	assert.Zero(t, cfg.ErrorCount)
	assert.Nil(t, cfg.LastError)
	assert.Zero(t, cfg.MessagesHandled)
}

func TestDisableCancelsPending(t *testing.T) {
	h := newHarness(t)
	h.seedChat(t, "chat-1", model.ModeSelfDriving, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.HandleIncomingMessage(ctx, inbound("chat-1", "m1", "hi"), false))
	require.Len(t, h.sched.pending("chat-1"), 1)

	require.NoError(t, h.engine.Disable(ctx, "chat-1"))

	cfg := h.store.config("chat-1")
	assert.False(t, cfg.Enabled)
	assert.Equal(t, model.StatusInactive, cfg.Status)
	assert.Empty(t, h.sched.pending("chat-1"))
	assert.Equal(t, 1, h.recorder.count(model.ActivityAutopilotDisabled))
}

func TestPauseResumeCycle(t *testing.T) {
	h := newHarness(t)
	h.seedChat(t, "chat-1", model.ModeSelfDriving, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.Pause(ctx, "chat-1"))
	assert.Equal(t, model.StatusPaused, h.store.config("chat-1").Status)

	// Paused chats ignore inbound messages.
	require.NoError(t, h.engine.HandleIncomingMessage(ctx, inbound("chat-1", "m1", "hi"), false))
	assert.Empty(t, h.sched.pending("chat-1"))

	// Double pause is rejected.
	require.Error(t, h.engine.Pause(ctx, "chat-1"))

	require.NoError(t, h.engine.Resume(ctx, "chat-1"))
	assert.Equal(t, model.StatusActive, h.store.config("chat-1").Status)

	require.NoError(t, h.engine.HandleIncomingMessage(ctx, inbound("chat-1", "m2", "hi"), false))
	assert.Len(t, h.sched.pending("chat-1"), 1)
}

func TestResumeRequiresPaused(t *testing.T) {
	h := newHarness(t)
	h.seedChat(t, "chat-1", model.ModeSelfDriving, func(_ *model.Agent, c *model.ChatConfig) {
		c.Status = model.StatusError
	})

	err := h.engine.Resume(context.Background(), "chat-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot resume")
}

func TestUpdatePartialFields(t *testing.T) {
	h := newHarness(t)
	h.seedChat(t, "chat-1", model.ModeSelfDriving, func(_ *model.Agent, c *model.ChatConfig) {
		c.MessagesHandled = 7
	})
	other := &model.Agent{ID: uuid.New(), Name: "support", GoalBehavior: model.GoalMaintenance, Behavior: model.DefaultBehavior()}
	h.store.agents[other.ID] = other
	ctx := context.Background()

	mode := model.ModeManualApproval
	duration := 30
	cfg, err := h.engine.Update(ctx, "chat-1", UpdateOptions{
		AgentID:         &other.ID,
		Mode:            &mode,
		DurationMinutes: &duration,
	})
	require.NoError(t, err)

	assert.Equal(t, other.ID, cfg.AgentID)
	assert.Equal(t, model.ModeManualApproval, cfg.Mode)
	require.NotNil(t, cfg.SelfDrivingExpiresAt)
	assert.Equal(t, h.clock.Now().Add(30*time.Minute), *cfg.SelfDrivingExpiresAt)
	// Counters survive an update, unlike a re-enable.
	assert.Equal(t, 7, cfg.MessagesHandled)

	// Clearing the window.
	zero := 0
	cfg, err = h.engine.Update(ctx, "chat-1", UpdateOptions{DurationMinutes: &zero})
	require.NoError(t, err)
	assert.Nil(t, cfg.SelfDrivingExpiresAt)
}

func TestUpdateRejectsUnknownAgent(t *testing.T) {
	h := newHarness(t)
	h.seedChat(t, "chat-1", model.ModeSelfDriving, nil)

	missing := uuid.New()
	_, err := h.engine.Update(context.Background(), "chat-1", UpdateOptions{AgentID: &missing})
	var notFound *AgentNotFoundError
	require.ErrorAs(t, err, &notFound)
}
