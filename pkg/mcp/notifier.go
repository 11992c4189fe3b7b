package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier pushes execution updates to interested clients.
type Notifier interface {
	Notify(ctx context.Context, executionID string, payload map[string]any) error
}

// SessionNotifier implements Notifier with MCP server notifications.
type SessionNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewSessionNotifier creates a notifier that pushes to registered sessions.
func NewSessionNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *SessionNotifier {
	return &SessionNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session watching the execution.
// Best-effort: returns nil if nobody is watching.
func (n *SessionNotifier) Notify(_ context.Context, executionID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(executionID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
