// Package mcp implements the Model Context Protocol server for Nagare.
//
// The MCP server exposes conversation autopilot status and controls as MCP
// resources and tools, so MCP-compatible assistants can inspect and steer
// running conversations.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nagare-ai/nagare/internal/engine"
	"github.com/nagare-ai/nagare/internal/status"
	"github.com/nagare-ai/nagare/internal/storage"
)

// Server wraps the MCP server with Nagare's engine and read side.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *engine.Engine
	status    *status.Service
	db        *storage.DB
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources and tools.
func New(eng *engine.Engine, statusSvc *status.Service, db *storage.DB, version string, logger *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		status: statusSvc,
		db:     db,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"nagare",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// nagare://chats — every chat with an autopilot config.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"nagare://chats",
			"Managed Chats",
			mcplib.WithResourceDescription("All conversations with an autopilot configuration"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleChatsList,
	)

	// nagare://chats/{id}/activity — recent activity for one chat.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"nagare://chats/{id}/activity",
			"Chat Activity",
			mcplib.WithTemplateDescription("Recent activity log entries for a specific chat"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleChatActivity,
	)
}

func (s *Server) registerTools() {
	// nagare_status — projected status of a chat.
	s.mcpServer.AddTool(
		mcplib.NewTool("nagare_status",
			mcplib.WithDescription("Get the projected autopilot status of a conversation, including phase and countdown to the next scheduled action"),
			mcplib.WithString("chat_id", mcplib.Description("Conversation identifier"), mcplib.Required()),
		),
		s.handleStatus,
	)

	// nagare_pause — suspend an active chat.
	s.mcpServer.AddTool(
		mcplib.NewTool("nagare_pause",
			mcplib.WithDescription("Pause autopilot on an active conversation. Pending actions stay queued."),
			mcplib.WithString("chat_id", mcplib.Description("Conversation identifier"), mcplib.Required()),
		),
		s.handlePause,
	)

	// nagare_resume — reactivate a paused chat.
	s.mcpServer.AddTool(
		mcplib.NewTool("nagare_resume",
			mcplib.WithDescription("Resume autopilot on a paused conversation"),
			mcplib.WithString("chat_id", mcplib.Description("Conversation identifier"), mcplib.Required()),
		),
		s.handleResume,
	)

	// nagare_activity — paged activity log.
	s.mcpServer.AddTool(
		mcplib.NewTool("nagare_activity",
			mcplib.WithDescription("List recent activity log entries for a conversation"),
			mcplib.WithString("chat_id", mcplib.Description("Conversation identifier"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Maximum entries to return")),
		),
		s.handleActivity,
	)
}

func (s *Server) handleChatsList(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	configs, err := s.db.ListChatConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list chats: %w", err)
	}

	data, err := json.MarshalIndent(configs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal chats: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "nagare://chats",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleChatActivity(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	chatID := chatIDFromActivityURI(uri)
	if chatID == "" {
		return nil, fmt.Errorf("mcp: invalid chat activity URI: %s", uri)
	}

	page, err := s.db.ListActivity(ctx, chatID, 20, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: chat activity: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"chat_id": chatID,
		"entries": page.Entries,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal activity: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// chatIDFromActivityURI extracts {id} from nagare://chats/{id}/activity.
func chatIDFromActivityURI(uri string) string {
	rest, ok := strings.CutPrefix(uri, "nagare://chats/")
	if !ok {
		return ""
	}
	chatID, ok := strings.CutSuffix(rest, "/activity")
	if !ok || chatID == "" || strings.Contains(chatID, "/") {
		return ""
	}
	return chatID
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	chatID := request.GetString("chat_id", "")
	if chatID == "" {
		return errorResult("chat_id is required"), nil
	}

	snap, err := s.status.Snapshot(ctx, chatID)
	if err != nil {
		return errorResult(fmt.Sprintf("status failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(snap, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handlePause(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	chatID := request.GetString("chat_id", "")
	if chatID == "" {
		return errorResult("chat_id is required"), nil
	}

	if err := s.engine.Pause(ctx, chatID); err != nil {
		return errorResult(fmt.Sprintf("pause failed: %v", err)), nil
	}

	s.logger.Info("mcp: chat paused", "chat_id", chatID)
	return textResult(`{"status": "paused"}`), nil
}

func (s *Server) handleResume(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	chatID := request.GetString("chat_id", "")
	if chatID == "" {
		return errorResult("chat_id is required"), nil
	}

	if err := s.engine.Resume(ctx, chatID); err != nil {
		return errorResult(fmt.Sprintf("resume failed: %v", err)), nil
	}

	s.logger.Info("mcp: chat resumed", "chat_id", chatID)
	return textResult(`{"status": "active"}`), nil
}

func (s *Server) handleActivity(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	chatID := request.GetString("chat_id", "")
	if chatID == "" {
		return errorResult("chat_id is required"), nil
	}
	limit := request.GetInt("limit", 20)

	page, err := s.db.ListActivity(ctx, chatID, limit, nil)
	if err != nil {
		return errorResult(fmt.Sprintf("activity failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"entries":  page.Entries,
		"has_more": page.HasMore,
	}, "", "  ")
	return textResult(string(data)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
