package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/storage"
	"github.com/nagare-ai/nagare/internal/testutil"
	"github.com/nagare-ai/nagare/migrations"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage_test: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(context.Background())
	os.Exit(code)
}

func createAgent(t *testing.T) *model.Agent {
	t.Helper()
	a := &model.Agent{
		Name:         "sales",
		Goal:         "close the deal",
		GoalBehavior: model.GoalAutoDisable,
		Behavior:     model.DefaultBehavior(),
	}
	require.NoError(t, testDB.CreateAgent(context.Background(), a))
	return a
}

func createConfig(t *testing.T, chatID string, agentID uuid.UUID) *model.ChatConfig {
	t.Helper()
	cfg := &model.ChatConfig{
		ChatID:  chatID,
		AgentID: agentID,
		Mode:    model.ModeSelfDriving,
		Status:  model.StatusActive,
		Enabled: true,
	}
	require.NoError(t, testDB.UpsertChatConfig(context.Background(), cfg))
	return cfg
}

func TestMigrationsAreIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestAgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := createAgent(t)

	got, err := testDB.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Name, got.Name)
	assert.Equal(t, model.GoalAutoDisable, got.GoalBehavior)
	assert.Equal(t, 100, got.Behavior.ResponseRate)

	got.Name = "support"
	got.Behavior.FatigueEnabled = true
	require.NoError(t, testDB.UpdateAgent(ctx, got))

	got, err = testDB.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "support", got.Name)
	assert.True(t, got.Behavior.FatigueEnabled)

	_, err = testDB.GetAgent(ctx, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAgentCorruptedBehaviorFallsBackToDefaults(t *testing.T) {
	ctx := context.Background()
	a := createAgent(t)

	// Corrupt the blob behind the model's back.
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE agents SET behavior = '"not an object"'::jsonb WHERE id = $1`, a.ID)
	require.NoError(t, err)

	got, err := testDB.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultBehavior(), got.Behavior)
}

func TestChatConfigUpsertAndCounters(t *testing.T) {
	ctx := context.Background()
	a := createAgent(t)
	cfg := createConfig(t, "chat-counters", a.ID)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, testDB.RecordHandled(ctx, cfg.ChatID, at))
	require.NoError(t, testDB.RecordHandled(ctx, cfg.ChatID, at.Add(time.Minute)))

	got, err := testDB.GetChatConfig(ctx, cfg.ChatID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessagesHandled)
	require.NotNil(t, got.LastActivityAt)

	// Upsert replaces in place without violating the primary key.
	got.Mode = model.ModeSuggest
	require.NoError(t, testDB.UpsertChatConfig(ctx, got))
	again, err := testDB.GetChatConfig(ctx, cfg.ChatID)
	require.NoError(t, err)
	assert.Equal(t, model.ModeSuggest, again.Mode)

	require.ErrorIs(t, testDB.RecordHandled(ctx, "nope", at), storage.ErrNotFound)
}

func TestChatConfigErrorTracking(t *testing.T) {
	ctx := context.Background()
	a := createAgent(t)
	cfg := createConfig(t, "chat-errors", a.ID)

	require.NoError(t, testDB.RecordError(ctx, cfg.ChatID, "draft blew up"))
	require.NoError(t, testDB.RecordError(ctx, cfg.ChatID, "again"))

	got, err := testDB.GetChatConfig(ctx, cfg.ChatID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, 2, got.ErrorCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "again", *got.LastError)

	require.NoError(t, testDB.SetChatStatus(ctx, cfg.ChatID, model.StatusActive))
	got, err = testDB.GetChatConfig(ctx, cfg.ChatID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
}

func TestDueActionOrdering(t *testing.T) {
	ctx := context.Background()
	a := createAgent(t)
	now := time.Now().UTC()

	mk := func(chatID string, at time.Time) *model.ScheduledAction {
		action := &model.ScheduledAction{
			ChatID:       chatID,
			AgentID:      a.ID,
			Type:         model.ActionSendMessage,
			ScheduledFor: at,
			MessageText:  "hi",
		}
		require.NoError(t, testDB.CreateAction(ctx, action))
		return action
	}

	later := mk("due-b", now.Add(-time.Second))
	sameTimeFirst := mk("due-a", now.Add(-time.Minute))
	sameTimeSecond := mk("due-a", now.Add(-time.Minute))
	mk("due-c", now.Add(time.Hour)) // not due

	// Earliest scheduled_for wins; ties break by insertion order.
	for _, want := range []uuid.UUID{sameTimeFirst.ID, sameTimeSecond.ID, later.ID} {
		due, err := testDB.DueAction(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, want, due.ID)
		require.NoError(t, testDB.MarkExecuting(ctx, due.ID))
		require.NoError(t, testDB.MarkCompleted(ctx, due.ID))
	}

	// Completion leaves attempts untouched; only failures bump it.
	got, err := testDB.GetAction(ctx, later.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Attempts)

	_, err = testDB.DueAction(ctx, now)
	require.ErrorIs(t, err, storage.ErrNoDueAction)
}

func TestActionLifecycleGuards(t *testing.T) {
	ctx := context.Background()
	a := createAgent(t)

	action := &model.ScheduledAction{
		ChatID:       "guards",
		AgentID:      a.ID,
		Type:         model.ActionSendMessage,
		ScheduledFor: time.Now().UTC(),
		MessageText:  "hi",
	}
	require.NoError(t, testDB.CreateAction(ctx, action))
	assert.Positive(t, action.Seq)

	require.NoError(t, testDB.MarkExecuting(ctx, action.ID))
	// A second claim must lose.
	require.ErrorIs(t, testDB.MarkExecuting(ctx, action.ID), storage.ErrNotFound)
	// Cancelling an executing action is a no-op.
	require.ErrorIs(t, testDB.CancelAction(ctx, action.ID), storage.ErrNotFound)

	require.NoError(t, testDB.MarkFailed(ctx, action.ID, "send failed"))
	got, err := testDB.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
}

func TestCancelChatBulk(t *testing.T) {
	ctx := context.Background()
	a := createAgent(t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, testDB.CreateAction(ctx, &model.ScheduledAction{
			ChatID:       "bulk",
			AgentID:      a.ID,
			Type:         model.ActionSendMessage,
			ScheduledFor: now.Add(time.Hour),
			MessageText:  "hi",
		}))
	}

	n, err := testDB.CancelChat(ctx, "bulk")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pending, err := testDB.PendingActions(ctx, "bulk")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApproveActionReschedules(t *testing.T) {
	ctx := context.Background()
	a := createAgent(t)
	now := time.Now().UTC()

	action := &model.ScheduledAction{
		ChatID:       "approve",
		AgentID:      a.ID,
		Type:         model.ActionSendMessage,
		ScheduledFor: now.Add(24 * time.Hour),
		MessageText:  "draft",
	}
	require.NoError(t, testDB.CreateAction(ctx, action))

	release := now.Add(5 * time.Second)
	require.NoError(t, testDB.ApproveAction(ctx, action.ID, "edited", release))

	got, err := testDB.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.MessageText)
	assert.WithinDuration(t, release, got.ScheduledFor, time.Millisecond)
}

func TestActivityLogPaging(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New()

	base := time.Now().UTC().Add(-time.Hour)
	entries := make([]model.ActivityEntry, 5)
	for i := range entries {
		entries[i] = model.ActivityEntry{
			ChatID:    "activity",
			AgentID:   &agentID,
			Type:      model.ActivityMessageReceived,
			Payload:   map[string]any{"n": i},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	require.NoError(t, testDB.InsertActivities(ctx, entries))

	page, err := testDB.ListActivity(ctx, "activity", 3, nil)
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	assert.True(t, page.HasMore)
	// Newest first.
	assert.True(t, page.Entries[0].CreatedAt.After(page.Entries[1].CreatedAt))

	oldest := page.Entries[2].CreatedAt
	page, err = testDB.ListActivity(ctx, "activity", 10, &oldest)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.False(t, page.HasMore)

	n, err := testDB.CountActivity(ctx, "activity", model.ActivityMessageReceived)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestHandoffRoundTrip(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New()

	older := &model.HandoffSummary{
		ChatID:             "handoff",
		AgentID:            agentID,
		Summary:            "first summary",
		KeyPoints:          []string{"a"},
		SuggestedNextSteps: []string{"b"},
		GoalStatus:         "achieved",
		GeneratedAt:        time.Now().UTC().Add(-time.Hour),
	}
	newer := &model.HandoffSummary{
		ChatID:      "handoff",
		AgentID:     agentID,
		Summary:     "second summary",
		GoalStatus:  "achieved",
		GeneratedAt: time.Now().UTC(),
	}
	require.NoError(t, testDB.CreateHandoff(ctx, older))
	require.NoError(t, testDB.CreateHandoff(ctx, newer))
	assert.NotEqual(t, uuid.Nil, older.ID)
	assert.NotEqual(t, uuid.Nil, newer.ID)

	latest, err := testDB.LatestHandoff(ctx, "handoff")
	require.NoError(t, err)
	assert.Equal(t, "second summary", latest.Summary)

	all, err := testDB.ListHandoffs(ctx, "handoff", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = testDB.LatestHandoff(ctx, "no-such-chat")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOperatorsAndSeedAdmin(t *testing.T) {
	ctx := context.Background()

	op := &model.Operator{Name: "alice", Role: model.RoleOperator, APIKeyHash: "salt$hash"}
	require.NoError(t, testDB.CreateOperator(ctx, op))

	got, err := testDB.GetOperatorByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.RoleOperator, got.Role)

	require.NoError(t, testDB.SeedAdmin(ctx, "admin$hash"))
	// Seeding again must not clobber the existing row.
	require.NoError(t, testDB.SeedAdmin(ctx, "different$hash"))
	admin, err := testDB.GetOperatorByName(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "admin$hash", admin.APIKeyHash)

	_, err = testDB.GetOperatorByName(ctx, "bob")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.True(t, testDB.HasNotifyConn())
	require.NoError(t, testDB.Listen(ctx, storage.ChannelActions))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelActions, `{"type":"action-scheduled"}`))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelActions, channel)
	assert.Contains(t, payload, "action-scheduled")
}
