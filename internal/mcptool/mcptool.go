// Package mcptool exposes the conversational turn interface as a Model
// Context Protocol tool, so an assistant can drive issue operations through
// the same approval gate a person would.
package mcptool

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"issuedesk/internal/dialogue"
)

const ToolName = "issue_chat"

// Turns is the part of the dialogue controller the tool calls.
type Turns interface {
	HandleTurn(ctx context.Context, in dialogue.Turn) dialogue.Reply
}

type Server struct {
	turns Turns
	log   *zap.Logger
	mcp   *server.MCPServer
}

func New(turns Turns, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		turns: turns,
		log:   log,
		mcp: server.NewMCPServer(
			"issuedesk",
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
	}
	s.mcp.AddTool(Tool(), s.handleChat)
	return s
}

// Tool describes issue_chat.
func Tool() mcp.Tool {
	return mcp.NewTool(ToolName,
		mcp.WithDescription("Search, create, update or delete tracker issues in natural language. "+
			"Reuse the returned session_id to answer follow-up questions. Changes are only made after "+
			"the pending card is approved with approve=true or a yes answer."),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("The user's utterance, e.g. \"KAN 프로젝트에 로그인 버그 생성\""),
		),
		mcp.WithString("session_id",
			mcp.Description("Conversation to continue; omit to start a new one"),
		),
		mcp.WithBoolean("approve",
			mcp.Description("Answer to a pending approval card"),
		),
	)
}

func (s *Server) handleChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if strings.TrimSpace(message) == "" {
		return mcp.NewToolResultError("message must not be empty"), nil
	}
	turn := dialogue.Turn{
		SessionID: req.GetString("session_id", ""),
		Utterance: message,
	}
	if v, ok := req.GetArguments()["approve"].(bool); ok {
		turn.Approve = &v
	}
	reply := s.turns.HandleTurn(ctx, turn)
	s.log.Debug("tool call", zap.String("tool", ToolName), zap.String("session", reply.SessionID), zap.String("stage", string(reply.Stage)))

	data, err := json.Marshal(reply)
	if err != nil {
		return mcp.NewToolResultError("encode reply: " + err.Error()), nil
	}
	if reply.Error != nil && reply.Error.Kind == dialogue.KindInternal {
		return mcp.NewToolResultError(string(data)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ServeStdio serves the tool over stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}
