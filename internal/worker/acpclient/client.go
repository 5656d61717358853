// Package acpclient implements the client side of the Agent Client Protocol:
// the operations a running agent may invoke on us (permissions, streamed
// updates, file access and terminals).
package acpclient

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/kandev/acprunner/internal/common/logger"
	"github.com/kandev/acprunner/internal/worker/terminal"
	"go.uber.org/zap"
)

const (
	messageProgress  = 1
	toolCallProgress = 5
	maxProgress      = 95
)

// UpdateHandler is called for every session update received from the agent.
type UpdateHandler func(notification acp.SessionNotification)

// DecisionHandler is called for every permission decision.
type DecisionHandler func(decision Decision)

// Client implements acp.Client and keeps the per-session counters that the
// session manager reads back.
type Client struct {
	logger        *logger.Logger
	workspaceRoot string
	policy        PermissionPolicy
	terminals     *terminal.Registry
	now           func() time.Time

	mu              sync.RWMutex
	updateHandler   UpdateHandler
	decisionHandler DecisionHandler

	stateMu      sync.Mutex
	toolCalls    int
	progress     int
	lastActivity time.Time
	output       strings.Builder
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(l *logger.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithWorkspaceRoot sets the directory relative file paths resolve against.
func WithWorkspaceRoot(root string) ClientOption {
	return func(c *Client) {
		c.workspaceRoot = root
	}
}

// WithUpdateHandler sets the handler for session updates
func WithUpdateHandler(h UpdateHandler) ClientOption {
	return func(c *Client) {
		c.updateHandler = h
	}
}

// WithDecisionHandler sets the audit handler for permission decisions.
func WithDecisionHandler(h DecisionHandler) ClientOption {
	return func(c *Client) {
		c.decisionHandler = h
	}
}

// WithPermissionPolicy sets the tool-kind allow-list.
func WithPermissionPolicy(p PermissionPolicy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithTerminalRegistry sets the registry backing the terminal operations.
func WithTerminalRegistry(r *terminal.Registry) ClientOption {
	return func(c *Client) {
		c.terminals = r
	}
}

// WithClock overrides the time source used for activity tracking.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a new ACP client implementation
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		logger: logger.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.allowed == nil {
		c.policy = NewPermissionPolicy(nil)
	}
	if c.terminals == nil {
		c.terminals = terminal.NewRegistry(terminal.Config{WorkDir: c.workspaceRoot}, c.logger)
	}
	c.lastActivity = c.now()
	return c
}

// SetUpdateHandler sets the update handler (thread-safe)
func (c *Client) SetUpdateHandler(h UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateHandler = h
}

// Touch records activity now.
func (c *Client) Touch() {
	now := c.now()
	c.stateMu.Lock()
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
	c.stateMu.Unlock()
}

// LastActivity returns the time of the most recent inbound operation.
func (c *Client) LastActivity() time.Time {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastActivity
}

// ToolCallCount returns the number of tool calls the agent has reported.
func (c *Client) ToolCallCount() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.toolCalls
}

// Progress returns the current progress estimate, 0 to 100.
func (c *Client) Progress() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.progress
}

// Complete pins progress at 100.
func (c *Client) Complete() {
	c.stateMu.Lock()
	c.progress = 100
	c.stateMu.Unlock()
}

// Output returns the concatenated agent message text.
func (c *Client) Output() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.output.String()
}

// Terminals exposes the terminal registry so the owner can tear it down.
func (c *Client) Terminals() *terminal.Registry {
	return c.terminals
}

func (c *Client) addProgress(delta int) {
	if c.progress >= maxProgress {
		return
	}
	c.progress = min(c.progress+delta, maxProgress)
}

// RequestPermission answers from the static allow-list. It never returns an
// error; anything it cannot make sense of is cancelled.
func (c *Client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (resp acp.RequestPermissionResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("permission request panicked", zap.Any("panic", r))
			resp, err = cancelledPermission(), nil
		}
	}()
	c.Touch()

	decision, resp := c.policy.Decide(p)
	fields := []zap.Field{
		zap.String("session_id", decision.SessionID),
		zap.String("tool_call_id", decision.ToolCallID),
		zap.String("kind", decision.Kind),
		zap.String("title", decision.Title),
		zap.Int("num_options", len(p.Options)),
	}
	if decision.Approved {
		c.logger.Info("permission approved", append(fields, zap.String("option_id", decision.OptionID))...)
	} else {
		c.logger.Warn("permission cancelled", append(fields, zap.String("reason", decision.Reason))...)
	}

	c.mu.RLock()
	handler := c.decisionHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(decision)
	}
	return resp, nil
}

// SessionUpdate handles session update notifications from the agent
func (c *Client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.Touch()

	u := n.Update
	c.stateMu.Lock()
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			c.output.WriteString(u.AgentMessageChunk.Content.Text.Text)
		}
		c.addProgress(messageProgress)
	case u.ToolCall != nil:
		c.toolCalls++
		c.addProgress(toolCallProgress)
	}
	c.stateMu.Unlock()

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			text := u.AgentMessageChunk.Content.Text.Text
			c.logger.Debug("agent message chunk", zap.String("text", text[:min(50, len(text))]))
		}
	case u.ToolCall != nil:
		c.logger.Info("tool call",
			zap.String("tool_call_id", string(u.ToolCall.ToolCallId)),
			zap.String("title", u.ToolCall.Title),
			zap.String("kind", string(u.ToolCall.Kind)),
			zap.String("status", string(u.ToolCall.Status)))
	case u.ToolCallUpdate != nil:
		c.logger.Debug("tool call update",
			zap.String("tool_call_id", string(u.ToolCallUpdate.ToolCallId)))
	case u.Plan != nil:
		c.logger.Info("plan update", zap.Int("entries", len(u.Plan.Entries)))
	}

	c.mu.RLock()
	handler := c.updateHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(n)
	}
	return nil
}

// resolvePath makes relative paths relative to the workspace root.
func (c *Client) resolvePath(path string) string {
	if filepath.IsAbs(path) || c.workspaceRoot == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(c.workspaceRoot, path)
}

// Verify interface implementation
var _ acp.Client = (*Client)(nil)
