package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagare-ai/nagare/internal/auth"
	"github.com/nagare-ai/nagare/internal/config"
	"github.com/nagare-ai/nagare/internal/engine"
	"github.com/nagare-ai/nagare/internal/event"
	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/scheduler"
	"github.com/nagare-ai/nagare/internal/status"
	"github.com/nagare-ai/nagare/internal/storage"
	"github.com/nagare-ai/nagare/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "server_test: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(context.Background())
	os.Exit(code)
}

type nopRecorder struct{}

func (nopRecorder) Record(model.ActivityInput) {}

type stubDrafter struct{}

func (stubDrafter) GenerateDraft(_ context.Context, req engine.DraftRequest) (*engine.Draft, error) {
	return &engine.Draft{Text: "sounds good"}, nil
}

type stubTransport struct{}

func (stubTransport) SendMessage(_ context.Context, chatID, _ string) (string, error) {
	return "out-" + chatID, nil
}

type stubSummarizer struct{}

func (stubSummarizer) GenerateSummary(_ context.Context, chatID, _ string, _ uuid.UUID) (*engine.Summary, error) {
	return &engine.Summary{Summary: "summary for " + chatID}, nil
}

type nopKnowledge struct{}

func (nopKnowledge) ExtractKnowledge(context.Context, string, string) error { return nil }

type nopSuggest struct{}

func (nopSuggest) SuggestReply(context.Context, string, string) error { return nil }

type nopNotifier struct{}

func (nopNotifier) NotifyError(string, error) {}

type testEnv struct {
	handler http.Handler
	jwtMgr  *auth.JWTManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := discardLogger()

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	bus := event.NewBus(logger)
	sched := scheduler.New(testDB, stubTransport{}, nopRecorder{}, bus, nil, logger, time.Hour)

	eng := engine.New(engine.Deps{
		Store:       testDB,
		Scheduler:   sched,
		Recorder:    nopRecorder{},
		Drafter:     stubDrafter{},
		Summarizer:  stubSummarizer{},
		Knowledge:   nopKnowledge{},
		Suggestions: nopSuggest{},
		Notifier:    nopNotifier{},
		Logger:      logger,
	}, engine.Params{})

	cfg := config.Config{
		Port:                0,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		MaxRequestBodyBytes: 1 << 20,
	}

	srv := New(cfg, eng, status.NewService(testDB, nil), testDB, jwtMgr, nil, nil, logger)
	return &testEnv{handler: srv.Handler(), jwtMgr: jwtMgr}
}

func (e *testEnv) token(t *testing.T, role model.OperatorRole) string {
	t.Helper()
	token, _, err := e.jwtMgr.IssueToken(model.Operator{ID: uuid.New(), Name: "test-" + string(role), Role: role})
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func seedAgent(t *testing.T) *model.Agent {
	t.Helper()
	a := &model.Agent{
		Name:         "concierge",
		Goal:         "schedule a visit",
		GoalBehavior: model.GoalAutoDisable,
		Behavior:     model.DefaultBehavior(),
	}
	require.NoError(t, testDB.CreateAgent(context.Background(), a))
	return a
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthTokenFlow(t *testing.T) {
	env := newTestEnv(t)

	hash, err := auth.HashAPIKey("sk-live-123")
	require.NoError(t, err)
	require.NoError(t, testDB.CreateOperator(context.Background(), &model.Operator{
		ID:         uuid.New(),
		Name:       "auth-flow-op",
		Role:       model.RoleOperator,
		APIKeyHash: hash,
	}))

	rec := env.do(t, http.MethodPost, "/v1/auth/token", "", model.AuthTokenRequest{
		Name: "auth-flow-op", APIKey: "sk-live-123",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.AuthTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)

	claims, err := env.jwtMgr.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, model.RoleOperator, claims.Role)

	// Wrong key and unknown operator both come back as 401.
	rec = env.do(t, http.MethodPost, "/v1/auth/token", "", model.AuthTokenRequest{
		Name: "auth-flow-op", APIKey: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/auth/token", "", model.AuthTokenRequest{
		Name: "nobody", APIKey: "sk-live-123",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAgentCRUDOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, model.RoleAdmin)

	rec := env.do(t, http.MethodPost, "/v1/agents", admin, model.CreateAgentRequest{
		Name:         "closer",
		Goal:         "close the deal",
		GoalBehavior: model.GoalHandoff,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created model.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, model.GoalHandoff, created.GoalBehavior)
	assert.Equal(t, 100, created.Behavior.ResponseRate)

	rec = env.do(t, http.MethodGet, "/v1/agents/"+created.ID.String(), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/agents/"+created.ID.String(), admin, model.CreateAgentRequest{
		Name:         "closer-v2",
		Goal:         "close the deal faster",
		GoalBehavior: model.GoalMaintenance,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/agents/"+created.ID.String(), admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/agents/"+created.ID.String(), admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentCreateRejectsBadGoalBehavior(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/agents", env.token(t, model.RoleOperator), model.CreateAgentRequest{
		Name:         "broken",
		GoalBehavior: model.GoalBehavior("explode"),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAutopilotLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	op := env.token(t, model.RoleOperator)
	agent := seedAgent(t)
	chatID := "http-lifecycle-" + uuid.NewString()

	// Enable self-driving.
	rec := env.do(t, http.MethodPost, "/v1/chats/"+chatID+"/autopilot", op, model.EnableAutopilotRequest{
		AgentID: agent.ID.String(),
		Mode:    model.ModeSelfDriving,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg model.ChatConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, model.StatusActive, cfg.Status)

	// No pending actions yet: idle.
	rec = env.do(t, http.MethodGet, "/v1/chats/"+chatID+"/status", op, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, status.PhaseIdle, snap.Phase)

	// Inbound message schedules a reply.
	rec = env.do(t, http.MethodPost, "/v1/chats/"+chatID+"/messages", op, model.InboundMessageRequest{
		MessageID:  "m-" + uuid.NewString(),
		SenderName: "Ana",
		Text:       "hola, sigue disponible?",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/chats/"+chatID+"/status", op, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, status.PhaseScheduled, snap.Phase)
	require.NotNil(t, snap.CountdownSeconds)
	assert.GreaterOrEqual(t, *snap.CountdownSeconds, int64(0))

	rec = env.do(t, http.MethodGet, "/v1/chats/"+chatID+"/actions", op, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var actions []model.ScheduledAction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &actions))
	require.NotEmpty(t, actions)
	assert.Equal(t, "sounds good", actions[0].MessageText)

	// Pause and resume.
	rec = env.do(t, http.MethodPost, "/v1/chats/"+chatID+"/pause", op, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/chats/"+chatID+"/status", op, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, status.PhasePaused, snap.Phase)

	// Pausing twice is a conflict.
	rec = env.do(t, http.MethodPost, "/v1/chats/"+chatID+"/pause", op, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/chats/"+chatID+"/resume", op, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Disable cancels the pending action.
	rec = env.do(t, http.MethodDelete, "/v1/chats/"+chatID+"/autopilot", op, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/chats/"+chatID+"/status", op, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, status.PhaseInactive, snap.Phase)
}

func TestEnableRejectsUnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/chats/no-agent-chat/autopilot", env.token(t, model.RoleOperator), model.EnableAutopilotRequest{
		AgentID: uuid.NewString(),
		Mode:    model.ModeSuggest,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestViewerCannotMutate(t *testing.T) {
	env := newTestEnv(t)
	viewer := env.token(t, model.RoleViewer)

	rec := env.do(t, http.MethodPost, "/v1/chats/some-chat/pause", viewer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/chats", viewer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusForUnknownChatIsInactive(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/chats/never-seen/status", env.token(t, model.RoleViewer), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, status.PhaseInactive, snap.Phase)
}

func TestEventsEndpointWithoutBroker(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/events", env.token(t, model.RoleViewer), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
