package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nagare-ai/nagare/internal/auth"
	"github.com/nagare-ai/nagare/internal/engine"
	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/status"
	"github.com/nagare-ai/nagare/internal/storage"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuthToken exchanges an operator name and API key for a session token.
// A dummy verification runs on unknown names so lookup misses and key
// mismatches take comparable time.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "name and api_key are required")
		return
	}

	op, err := s.db.GetOperatorByName(r.Context(), req.Name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		s.internalError(w, r, err)
		return
	}

	ok, err := auth.VerifyAPIKey(req.APIKey, op.APIKeyHash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.jwtMgr.IssueToken(*op)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}

	agent := &model.Agent{
		Name:         req.Name,
		Goal:         req.Goal,
		SystemPrompt: req.SystemPrompt,
		GoalBehavior: req.GoalBehavior,
		Behavior:     model.DefaultBehavior(),
	}
	if req.Behavior != nil {
		agent.Behavior = *req.Behavior
		agent.Behavior.Normalize()
	}
	if err := agent.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	if err := s.db.CreateAgent(r.Context(), agent); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.db.ListAgents(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "agentID")
	if !ok {
		return
	}
	agent, err := s.db.GetAgent(r.Context(), id)
	if err != nil {
		s.storageError(w, r, err, "agent not found")
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "agentID")
	if !ok {
		return
	}
	var req model.CreateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}

	agent, err := s.db.GetAgent(r.Context(), id)
	if err != nil {
		s.storageError(w, r, err, "agent not found")
		return
	}

	agent.Name = req.Name
	agent.Goal = req.Goal
	agent.SystemPrompt = req.SystemPrompt
	agent.GoalBehavior = req.GoalBehavior
	if req.Behavior != nil {
		agent.Behavior = *req.Behavior
		agent.Behavior.Normalize()
	}
	if err := agent.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	if err := s.db.UpdateAgent(r.Context(), agent); err != nil {
		s.storageError(w, r, err, "agent not found")
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "agentID")
	if !ok {
		return
	}
	if err := s.db.DeleteAgent(r.Context(), id); err != nil {
		s.storageError(w, r, err, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableAutopilot(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	var req model.EnableAutopilotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}

	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid agent_id")
		return
	}

	opts := engine.EnableOptions{
		AgentID:         agentID,
		Mode:            req.Mode,
		DurationMinutes: req.DurationMinutes,
	}
	if req.GoalBehaviorOverride != nil {
		gb := model.GoalBehavior(*req.GoalBehaviorOverride)
		if !model.ValidGoalBehavior(gb) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid goal_behavior_override")
			return
		}
		opts.GoalBehaviorOverride = &gb
	}

	cfg, err := s.engine.Enable(r.Context(), chatID, opts)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cfg)
}

func (s *Server) handleUpdateAutopilot(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	var req model.UpdateAutopilotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}

	var opts engine.UpdateOptions
	if req.AgentID != nil {
		agentID, err := uuid.Parse(*req.AgentID)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid agent_id")
			return
		}
		opts.AgentID = &agentID
	}
	opts.Mode = req.Mode
	opts.DurationMinutes = req.DurationMinutes

	cfg, err := s.engine.Update(r.Context(), chatID, opts)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cfg)
}

func (s *Server) handleDisableAutopilot(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	if err := s.engine.Disable(r.Context(), chatID); err != nil {
		s.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	if err := s.engine.Pause(r.Context(), chatID); err != nil {
		s.transitionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	if err := s.engine.Resume(r.Context(), chatID); err != nil {
		s.transitionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInboundMessage is the webhook entry point for a received chat
// message. Returns 202 because processing outcome (skip, draft, schedule) is
// observable through activity and status, not the webhook response.
func (s *Server) handleInboundMessage(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	var req model.InboundMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.MessageID == "" || req.Text == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "message_id and text are required")
		return
	}

	msg := model.InboundMessage{
		ID:         req.MessageID,
		ChatID:     chatID,
		SenderName: req.SenderName,
		Text:       req.Text,
		ReceivedAt: time.Now().UTC(),
	}

	if err := s.engine.HandleIncomingMessage(r.Context(), msg, req.ForceProcess); err != nil {
		s.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleProactive(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	if err := s.engine.GenerateProactiveMessage(r.Context(), chatID); err != nil {
		if errors.Is(err, engine.ErrNotActive) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "chat is not active")
			return
		}
		s.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	var req model.ApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "text is required")
		return
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid agent_id")
		return
	}

	action, err := s.engine.ApproveAndSend(r.Context(), chatID, req.Text, agentID)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, action)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageID")
	if err := s.engine.RegenerateDraft(r.Context(), messageID); err != nil {
		if errors.Is(err, engine.ErrMessageNotCached) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "message no longer cached")
			return
		}
		s.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// chatOverview pairs a chat config with its projected status.
type chatOverview struct {
	Config   *model.ChatConfig `json:"config"`
	Snapshot *status.Snapshot  `json:"snapshot"`
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	configs, err := s.db.ListChatConfigs(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	overviews := make([]chatOverview, 0, len(configs))
	for _, cfg := range configs {
		snap, err := s.status.Snapshot(r.Context(), cfg.ChatID)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		overviews = append(overviews, chatOverview{Config: cfg, Snapshot: snap})
	}
	writeJSON(w, r, http.StatusOK, overviews)
}

func (s *Server) handleChatStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.status.Snapshot(r.Context(), r.PathValue("chatID"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 200)
	actions, err := s.db.ListActions(r.Context(), r.PathValue("chatID"), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, actions)
}

func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 200)

	var before *time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "before must be RFC 3339")
			return
		}
		before = &t
	}

	page, err := s.db.ListActivity(r.Context(), r.PathValue("chatID"), limit, before)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

func (s *Server) handleListHandoffs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 100)
	handoffs, err := s.db.ListHandoffs(r.Context(), r.PathValue("chatID"), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, handoffs)
}

func (s *Server) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req model.CreateOperatorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "name and api_key are required")
		return
	}
	if model.RoleRank(req.Role) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid role")
		return
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	op := &model.Operator{
		ID:         uuid.New(),
		Name:       req.Name,
		Role:       req.Role,
		APIKeyHash: hash,
	}
	if err := s.db.CreateOperator(r.Context(), op); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, op)
}

func (s *Server) handleListOperators(w http.ResponseWriter, r *http.Request) {
	ops, err := s.db.ListOperators(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ops)
}

// pathUUID parses a UUID path segment, writing a 400 on failure.
func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// engineError maps engine failures onto HTTP statuses.
func (s *Server) engineError(w http.ResponseWriter, r *http.Request, err error) {
	var agentErr *engine.AgentNotFoundError
	switch {
	case engine.IsNotFound(err):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "chat has no autopilot config")
	case errors.As(err, &agentErr):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, agentErr.Error())
	case errors.Is(err, engine.ErrNotActive):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "chat is not active")
	default:
		s.internalError(w, r, err)
	}
}

// transitionError maps pause/resume failures. Anything past the not-found
// check is an invalid state transition.
func (s *Server) transitionError(w http.ResponseWriter, r *http.Request, err error) {
	if engine.IsNotFound(err) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "chat has no autopilot config")
		return
	}
	writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
}

func (s *Server) storageError(w http.ResponseWriter, r *http.Request, err error, notFoundMsg string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, notFoundMsg)
		return
	}
	s.internalError(w, r, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed",
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
		"error", err,
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
}
