package acpclient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
)

// ReadTextFile reads a file for the agent. Failures come back as content
// rather than as a protocol error so the agent can react to them.
func (c *Client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	c.Touch()
	path := c.resolvePath(p.Path)
	c.logger.Debug("reading file", zap.String("path", path))

	b, err := os.ReadFile(path)
	if err != nil {
		c.logger.Debug("read failed", zap.String("path", path), zap.Error(err))
		return acp.ReadTextFileResponse{Content: fmt.Sprintf("Error reading file %s: %v", p.Path, err)}, nil
	}

	return acp.ReadTextFileResponse{Content: sliceLines(string(b), p.Line, p.Limit)}, nil
}

// sliceLines applies the 1-based line offset and line limit of a read request.
func sliceLines(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 0 {
		start = min(*line-1, len(lines))
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}

// WriteTextFile writes a file for the agent, creating parent directories.
// Failures are returned as protocol errors.
func (c *Client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	c.Touch()
	path := c.resolvePath(p.Path)
	c.logger.Debug("writing file", zap.String("path", path), zap.Int("bytes", len(p.Content)))

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, fmt.Errorf("create parent directory for %s: %w", p.Path, err)
		}
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		c.logger.Warn("write failed", zap.String("path", path), zap.Error(err))
		return acp.WriteTextFileResponse{}, fmt.Errorf("write %s: %w", p.Path, err)
	}
	return acp.WriteTextFileResponse{}, nil
}
