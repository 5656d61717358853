// Package transport wraps an ACP client-side connection over a child
// process's stdio and exposes the handshake, session and prompt calls the
// session manager drives.
package transport

import (
	"context"
	"fmt"
	"io"

	acp "github.com/coder/acp-go-sdk"
	"github.com/kandev/acprunner/internal/common/logger"
	"go.uber.org/zap"
)

// ClientInfo identifies this process to the agent during the handshake.
type ClientInfo struct {
	Name    string
	Version string
}

// AgentInfo contains information about the connected agent.
type AgentInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion int    `json:"protocol_version"`
	LoadSession     bool   `json:"load_session"`
}

// McpServer describes an MCP server the agent should connect to. A non-empty
// URL selects the SSE transport, otherwise Command is launched over stdio.
type McpServer struct {
	Name    string   `json:"name" yaml:"name"`
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	URL     string   `json:"url,omitempty" yaml:"url,omitempty"`
}

// Connection is a framed ACP channel to one agent process.
type Connection struct {
	conn   *acp.ClientSideConnection
	logger *logger.Logger
}

// NewConnection starts reading ACP messages from stdout and dispatches
// inbound requests to client. Writes go to stdin. The connection's own
// diagnostics go to slog.Default, which must be configured beforehand: the
// reader goroutines are already running when the constructor returns.
func NewConnection(client acp.Client, stdin io.Writer, stdout io.Reader, log *logger.Logger) *Connection {
	if log == nil {
		log = logger.NewNop()
	}
	conn := acp.NewClientSideConnection(client, stdin, stdout)
	return &Connection{conn: conn, logger: log}
}

// Initialize performs the capability handshake. We advertise file read and
// write plus terminal support.
func (c *Connection) Initialize(ctx context.Context, info ClientInfo) (*AgentInfo, error) {
	resp, err := c.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    info.Name,
			Version: info.Version,
		},
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ACP initialize handshake failed: %w", err)
	}

	agent := &AgentInfo{
		Name:            "unknown",
		Version:         "unknown",
		ProtocolVersion: int(resp.ProtocolVersion),
		LoadSession:     resp.AgentCapabilities.LoadSession,
	}
	if resp.AgentInfo != nil {
		agent.Name = resp.AgentInfo.Name
		agent.Version = resp.AgentInfo.Version
	}
	c.logger.Info("ACP connection initialized",
		zap.String("agent_name", agent.Name),
		zap.String("agent_version", agent.Version),
		zap.Int("protocol_version", agent.ProtocolVersion))
	return agent, nil
}

// NewSession creates a remote session rooted at cwd and returns its id.
func (c *Connection) NewSession(ctx context.Context, cwd string, servers []McpServer) (string, error) {
	resp, err := c.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: toACPMcpServers(servers),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	c.logger.Info("created new session", zap.String("session_id", string(resp.SessionId)))
	return string(resp.SessionId), nil
}

// Prompt submits text to the session and blocks until the agent finishes
// the turn, ctx is done, or the connection drops.
func (c *Connection) Prompt(ctx context.Context, sessionID, text string) (acp.StopReason, error) {
	resp, err := c.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	if err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return resp.StopReason, nil
}

// Cancel asks the agent to abandon the current turn.
func (c *Connection) Cancel(ctx context.Context, sessionID string) error {
	if err := c.conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(sessionID)}); err != nil {
		return fmt.Errorf("cancel failed: %w", err)
	}
	return nil
}

// Done is closed when the peer's output stream ends.
func (c *Connection) Done() <-chan struct{} {
	return c.conn.Done()
}

func toACPMcpServers(servers []McpServer) []acp.McpServer {
	if len(servers) == 0 {
		return []acp.McpServer{}
	}
	out := make([]acp.McpServer, 0, len(servers))
	for _, server := range servers {
		if server.URL != "" {
			out = append(out, acp.McpServer{
				Sse: &acp.McpServerSseInline{
					Name:    server.Name,
					Url:     server.URL,
					Type:    "sse",
					Headers: []acp.HttpHeader{},
				},
			})
			continue
		}
		out = append(out, acp.McpServer{
			Stdio: &acp.McpServerStdio{
				Name:    server.Name,
				Command: server.Command,
				Args:    append([]string{}, server.Args...),
			},
		})
	}
	return out
}
