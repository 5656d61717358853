package acpclient

import (
	"context"

	acp "github.com/coder/acp-go-sdk"
	"github.com/kandev/acprunner/internal/worker/process"
	"github.com/kandev/acprunner/internal/worker/terminal"
	"go.uber.org/zap"
)

// CreateTerminal starts a command in a new virtual terminal and returns
// without waiting for it.
func (c *Client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	c.Touch()

	spec := terminal.Spec{
		Command: p.Command,
		Args:    p.Args,
	}
	if p.Cwd != nil {
		spec.Cwd = *p.Cwd
	}
	if p.OutputByteLimit != nil {
		spec.OutputByteLimit = *p.OutputByteLimit
	}
	if len(p.Env) > 0 {
		spec.Env = make(map[string]string, len(p.Env))
		for _, v := range p.Env {
			spec.Env[v.Name] = v.Value
		}
	}

	id, err := c.terminals.Create(spec)
	if err != nil {
		return acp.CreateTerminalResponse{}, err
	}
	c.logger.Info("terminal created",
		zap.String("terminal_id", id),
		zap.String("command", p.Command),
		zap.Strings("args", p.Args))
	return acp.CreateTerminalResponse{TerminalId: id}, nil
}

// TerminalOutput returns the terminal's buffered output.
func (c *Client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	c.Touch()
	out, err := c.terminals.Output(p.TerminalId)
	if err != nil {
		return acp.TerminalOutputResponse{}, err
	}
	return acp.TerminalOutputResponse{
		Output:     out.Output,
		Truncated:  out.Truncated,
		ExitStatus: toExitStatus(out.ExitStatus),
	}, nil
}

// WaitForTerminalExit blocks until the terminal's process exits.
func (c *Client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	c.Touch()
	status, err := c.terminals.Wait(ctx, p.TerminalId)
	if err != nil {
		return acp.WaitForTerminalExitResponse{}, err
	}
	c.Touch()
	return acp.WaitForTerminalExitResponse{ExitCode: status.Code, Signal: status.Signal}, nil
}

// KillTerminalCommand stops the terminal's process but keeps the terminal.
func (c *Client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	c.Touch()
	c.logger.Debug("kill terminal", zap.String("terminal_id", p.TerminalId))
	if err := c.terminals.Kill(p.TerminalId); err != nil {
		return acp.KillTerminalCommandResponse{}, err
	}
	return acp.KillTerminalCommandResponse{}, nil
}

// ReleaseTerminal stops and forgets the terminal. Unknown ids are ignored.
func (c *Client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	c.Touch()
	c.logger.Debug("release terminal", zap.String("terminal_id", p.TerminalId))
	c.terminals.Release(p.TerminalId)
	return acp.ReleaseTerminalResponse{}, nil
}

func toExitStatus(s *process.Status) *acp.TerminalExitStatus {
	if s == nil {
		return nil
	}
	return &acp.TerminalExitStatus{ExitCode: s.Code, Signal: s.Signal}
}
