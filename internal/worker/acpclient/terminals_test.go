//go:build unix

package acpclient

import (
	"context"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/kandev/acprunner/internal/worker/terminal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTerminalClient(t *testing.T) *Client {
	t.Helper()
	log := newTestLogger(t)
	reg := terminal.NewRegistry(terminal.Config{WorkDir: t.TempDir(), KillGrace: 500 * time.Millisecond}, log)
	t.Cleanup(func() { reg.CloseAll() })
	return NewClient(WithLogger(log), WithTerminalRegistry(reg))
}

func TestTerminalLifecycle(t *testing.T) {
	c := newTerminalClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created, err := c.CreateTerminal(ctx, acp.CreateTerminalRequest{
		SessionId: "s-1",
		Command:   "sh",
		Args:      []string{"-c", "echo out; exit 0"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.TerminalId)

	exit, err := c.WaitForTerminalExit(ctx, acp.WaitForTerminalExitRequest{SessionId: "s-1", TerminalId: created.TerminalId})
	require.NoError(t, err)
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, 0, *exit.ExitCode)
	assert.Nil(t, exit.Signal)

	out, err := c.TerminalOutput(ctx, acp.TerminalOutputRequest{SessionId: "s-1", TerminalId: created.TerminalId})
	require.NoError(t, err)
	assert.Equal(t, "out\n", out.Output)
	assert.False(t, out.Truncated)
	require.NotNil(t, out.ExitStatus)
	require.NotNil(t, out.ExitStatus.ExitCode)
	assert.Equal(t, 0, *out.ExitStatus.ExitCode)

	_, err = c.ReleaseTerminal(ctx, acp.ReleaseTerminalRequest{SessionId: "s-1", TerminalId: created.TerminalId})
	require.NoError(t, err)
	_, err = c.ReleaseTerminal(ctx, acp.ReleaseTerminalRequest{SessionId: "s-1", TerminalId: created.TerminalId})
	require.NoError(t, err)

	_, err = c.TerminalOutput(ctx, acp.TerminalOutputRequest{SessionId: "s-1", TerminalId: created.TerminalId})
	assert.ErrorIs(t, err, terminal.ErrTerminalNotFound)
}

func TestTerminalOutput_EmptyBeforeOutput(t *testing.T) {
	c := newTerminalClient(t)
	limit := 128
	created, err := c.CreateTerminal(context.Background(), acp.CreateTerminalRequest{
		SessionId:       "s-1",
		Command:         "sleep",
		Args:            []string{"10"},
		OutputByteLimit: &limit,
	})
	require.NoError(t, err)

	out, err := c.TerminalOutput(context.Background(), acp.TerminalOutputRequest{SessionId: "s-1", TerminalId: created.TerminalId})
	require.NoError(t, err)
	assert.Empty(t, out.Output)
	assert.False(t, out.Truncated)
	assert.Nil(t, out.ExitStatus)
}

func TestKillTerminalCommand(t *testing.T) {
	c := newTerminalClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created, err := c.CreateTerminal(ctx, acp.CreateTerminalRequest{SessionId: "s-1", Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	_, err = c.KillTerminalCommand(ctx, acp.KillTerminalCommandRequest{SessionId: "s-1", TerminalId: created.TerminalId})
	require.NoError(t, err)

	exit, err := c.WaitForTerminalExit(ctx, acp.WaitForTerminalExitRequest{SessionId: "s-1", TerminalId: created.TerminalId})
	require.NoError(t, err)
	assert.Nil(t, exit.ExitCode)
	require.NotNil(t, exit.Signal)

	_, err = c.KillTerminalCommand(ctx, acp.KillTerminalCommandRequest{SessionId: "s-1", TerminalId: "term-missing"})
	assert.ErrorIs(t, err, terminal.ErrTerminalNotFound)
}

func TestWaitForTerminalExit_UnknownID(t *testing.T) {
	c := newTerminalClient(t)
	exit, err := c.WaitForTerminalExit(context.Background(), acp.WaitForTerminalExitRequest{SessionId: "s-1", TerminalId: "term-404"})
	require.NoError(t, err)
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, -1, *exit.ExitCode)
	assert.Nil(t, exit.Signal)
}
