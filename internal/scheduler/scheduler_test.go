package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagare-ai/nagare/internal/event"
	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeStore struct {
	mu      sync.Mutex
	actions []*model.ScheduledAction
	seq     int64
	handled map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{handled: make(map[string]int)}
}

func (f *fakeStore) CreateAction(_ context.Context, a *model.ScheduledAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	f.seq++
	a.Seq = f.seq
	if a.Status == "" {
		a.Status = model.ActionPending
	}
	f.actions = append(f.actions, a)
	return nil
}

func (f *fakeStore) DueAction(_ context.Context, now time.Time) (*model.ScheduledAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*model.ScheduledAction
	for _, a := range f.actions {
		if a.Status == model.ActionPending && !a.ScheduledFor.After(now) {
			due = append(due, a)
		}
	}
	if len(due) == 0 {
		return nil, storage.ErrNoDueAction
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(due[j].ScheduledFor)
		}
		return due[i].Seq < due[j].Seq
	})
	cp := *due[0]
	return &cp, nil
}

func (f *fakeStore) find(id uuid.UUID) *model.ScheduledAction {
	for _, a := range f.actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (f *fakeStore) MarkExecuting(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.find(id)
	if a == nil || a.Status != model.ActionPending {
		return storage.ErrNotFound
	}
	a.Status = model.ActionExecuting
	return nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.find(id)
	if a == nil {
		return storage.ErrNotFound
	}
	a.Status = model.ActionCompleted
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.find(id)
	if a == nil {
		return storage.ErrNotFound
	}
	a.Status = model.ActionFailed
	a.Attempts++
	a.LastError = &message
	return nil
}

func (f *fakeStore) CancelAction(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.find(id)
	if a == nil || a.Status != model.ActionPending {
		return storage.ErrNotFound
	}
	a.Status = model.ActionCancelled
	return nil
}

func (f *fakeStore) CancelChat(_ context.Context, chatID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.actions {
		if a.ChatID == chatID && a.Status == model.ActionPending {
			a.Status = model.ActionCancelled
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) RecordHandled(_ context.Context, chatID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled[chatID]++
	return nil
}

func (f *fakeStore) CountPending(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, a := range f.actions {
		if a.Status == model.ActionPending {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) status(id uuid.UUID) model.ActionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.find(id); a != nil {
		return a.Status
	}
	return ""
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []string
	fail  error
	block chan struct{} // when set, SendMessage blocks until closed
}

func (t *fakeTransport) SendMessage(_ context.Context, chatID, text string) (string, error) {
	if t.block != nil {
		<-t.block
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return "", t.fail
	}
	t.sent = append(t.sent, chatID+":"+text)
	return fmt.Sprintf("wamid-%d", len(t.sent)), nil
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type fakeRecorder struct {
	mu     sync.Mutex
	inputs []model.ActivityInput
}

func (r *fakeRecorder) Record(input model.ActivityInput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, input)
}

func (r *fakeRecorder) byType(t model.ActivityType) []model.ActivityInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ActivityInput
	for _, in := range r.inputs {
		if in.Type == t {
			out = append(out, in)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestScheduler(t *testing.T) (*Scheduler, *fakeStore, *fakeTransport, *fakeRecorder, *fakeClock) {
	t.Helper()
	store := newFakeStore()
	transport := &fakeTransport{}
	recorder := &fakeRecorder{}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	bus := event.NewBus(testLogger())
	s := New(store, transport, recorder, bus, clock, testLogger(), 50*time.Millisecond)
	return s, store, transport, recorder, clock
}

func TestTickExecutesDueAction(t *testing.T) {
	s, store, transport, recorder, clock := newTestScheduler(t)
	ctx := context.Background()

	action, err := s.ScheduleMessage(ctx, "chat-1", uuid.New(), "hello", clock.Now().Add(-time.Second))
	require.NoError(t, err)

	s.Tick(ctx)

	assert.Equal(t, model.ActionCompleted, store.status(action.ID))
	assert.Zero(t, store.find(action.ID).Attempts)
	assert.Equal(t, 1, transport.sentCount())
	assert.Equal(t, 1, store.handled["chat-1"])

	sent := recorder.byType(model.ActivityMessageSent)
	require.Len(t, sent, 1)
	assert.Equal(t, "chat-1", sent[0].ChatID)
}

func TestTickIgnoresFutureActions(t *testing.T) {
	s, store, transport, _, clock := newTestScheduler(t)
	ctx := context.Background()

	action, err := s.ScheduleMessage(ctx, "chat-1", uuid.New(), "later", clock.Now().Add(time.Minute))
	require.NoError(t, err)

	s.Tick(ctx)
	assert.Equal(t, model.ActionPending, store.status(action.ID))
	assert.Zero(t, transport.sentCount())

	clock.Advance(2 * time.Minute)
	s.Tick(ctx)
	assert.Equal(t, model.ActionCompleted, store.status(action.ID))
	assert.Equal(t, 1, transport.sentCount())
}

func TestTickExecutesOneActionInInsertionOrderOnTie(t *testing.T) {
	s, _, transport, _, clock := newTestScheduler(t)
	ctx := context.Background()

	at := clock.Now().Add(-time.Second)
	for _, text := range []string{"first", "second", "third"} {
		_, err := s.ScheduleMessage(ctx, "chat-1", uuid.New(), text, at)
		require.NoError(t, err)
	}

	// A backlog drains one action per tick, not all at once.
	s.Tick(ctx)
	require.Equal(t, 1, transport.sentCount())
	assert.Equal(t, []string{"chat-1:first"}, transport.sent)

	s.Tick(ctx)
	s.Tick(ctx)
	require.Equal(t, 3, transport.sentCount())
	assert.Equal(t, []string{"chat-1:first", "chat-1:second", "chat-1:third"}, transport.sent)

	s.Tick(ctx)
	assert.Equal(t, 3, transport.sentCount())
}

func TestTickSkipsWhileExecutionInFlight(t *testing.T) {
	s, store, transport, _, clock := newTestScheduler(t)
	ctx := context.Background()

	action, err := s.ScheduleMessage(ctx, "chat-1", uuid.New(), "hello", clock.Now().Add(-time.Second))
	require.NoError(t, err)

	s.execMu.Lock()
	s.Tick(ctx)
	s.execMu.Unlock()

	assert.Equal(t, model.ActionPending, store.status(action.ID))
	assert.Zero(t, transport.sentCount())

	s.Tick(ctx)
	assert.Equal(t, model.ActionCompleted, store.status(action.ID))
}

func TestFailedActionIsTerminal(t *testing.T) {
	s, store, transport, recorder, clock := newTestScheduler(t)
	ctx := context.Background()

	transport.fail = errors.New("gateway timeout")

	action, err := s.ScheduleMessage(ctx, "chat-1", uuid.New(), "hello", clock.Now().Add(-time.Second))
	require.NoError(t, err)

	s.Tick(ctx)

	assert.Equal(t, model.ActionFailed, store.status(action.ID))
	require.NotNil(t, store.find(action.ID).LastError)
	assert.Contains(t, *store.find(action.ID).LastError, "gateway timeout")
	assert.Equal(t, 1, store.find(action.ID).Attempts)
	assert.Zero(t, store.handled["chat-1"])
	require.Len(t, recorder.byType(model.ActivityError), 1)

	// No retry: further ticks never touch a failed action.
	transport.fail = nil
	s.Tick(ctx)
	assert.Equal(t, model.ActionFailed, store.status(action.ID))
	assert.Equal(t, 1, store.find(action.ID).Attempts)
}

func TestUnsupportedActionTypesFailAtExecution(t *testing.T) {
	s, store, _, _, clock := newTestScheduler(t)
	ctx := context.Background()

	for _, typ := range []model.ActionType{model.ActionTypingIndicator, model.ActionSendReadReceipt} {
		action := &model.ScheduledAction{
			ChatID:       "chat-1",
			AgentID:      uuid.New(),
			Type:         typ,
			ScheduledFor: clock.Now().Add(-time.Second),
		}
		require.NoError(t, s.Schedule(ctx, action))

		s.Tick(ctx)

		assert.Equal(t, model.ActionFailed, store.status(action.ID), "type %s", typ)
		require.NotNil(t, store.find(action.ID).LastError)
		assert.Contains(t, *store.find(action.ID).LastError, "not implemented")
	}
}

func TestScheduleRejectsUnknownType(t *testing.T) {
	s, _, _, _, clock := newTestScheduler(t)

	err := s.Schedule(context.Background(), &model.ScheduledAction{
		ChatID:       "chat-1",
		AgentID:      uuid.New(),
		Type:         "launch-rocket",
		ScheduledFor: clock.Now(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid action type")
}

func TestScheduleMessagesAppliesSpacing(t *testing.T) {
	s, store, _, _, clock := newTestScheduler(t)
	ctx := context.Background()

	base := clock.Now().Add(10 * time.Second)
	actions, err := s.ScheduleMessages(ctx, "chat-1", uuid.New(),
		[]string{"one", "two", "three"}, base,
		[]time.Duration{3 * time.Second, 5 * time.Second})
	require.NoError(t, err)
	require.Len(t, actions, 3)

	assert.Equal(t, base, store.find(actions[0].ID).ScheduledFor)
	assert.Equal(t, base.Add(3*time.Second), store.find(actions[1].ID).ScheduledFor)
	assert.Equal(t, base.Add(8*time.Second), store.find(actions[2].ID).ScheduledFor)
}

func TestCancelChatClearsPendingOnly(t *testing.T) {
	s, store, _, _, clock := newTestScheduler(t)
	ctx := context.Background()

	a1, err := s.ScheduleMessage(ctx, "chat-1", uuid.New(), "due", clock.Now().Add(-time.Second))
	require.NoError(t, err)
	s.Tick(ctx)
	require.Equal(t, model.ActionCompleted, store.status(a1.ID))

	a2, err := s.ScheduleMessage(ctx, "chat-1", uuid.New(), "pending", clock.Now().Add(time.Hour))
	require.NoError(t, err)
	a3, err := s.ScheduleMessage(ctx, "chat-2", uuid.New(), "other chat", clock.Now().Add(time.Hour))
	require.NoError(t, err)

	n, err := s.CancelChat(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.ActionCancelled, store.status(a2.ID))
	assert.Equal(t, model.ActionPending, store.status(a3.ID))
	assert.Equal(t, model.ActionCompleted, store.status(a1.ID))
}

func TestStartStopIdempotent(t *testing.T) {
	s, _, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx) // second start is a no-op
	s.Stop()
	s.Stop() // second stop is a no-op

	// Restart works after a full stop.
	s.Start(ctx)
	s.Stop()
}

func TestPollLoopExecutesWithoutManualTicks(t *testing.T) {
	s, store, transport, _, clock := newTestScheduler(t)
	ctx := context.Background()

	action, err := s.ScheduleMessage(ctx, "chat-1", uuid.New(), "hello", clock.Now().Add(-time.Second))
	require.NoError(t, err)

	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return store.status(action.ID) == model.ActionCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, transport.sentCount())
}
