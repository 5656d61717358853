package acpclient

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/kandev/acprunner/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func decode[T any](t *testing.T, raw string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func permissionRequest(t *testing.T, kind string, options string) acp.RequestPermissionRequest {
	t.Helper()
	toolCall := `{"toolCallId":"tc-1","title":"do thing"}`
	if kind != "" {
		toolCall = `{"toolCallId":"tc-1","title":"do thing","kind":"` + kind + `"}`
	}
	return decode[acp.RequestPermissionRequest](t, `{"sessionId":"s-1","toolCall":`+toolCall+`,"options":`+options+`}`)
}

const standardOptions = `[
	{"optionId":"reject","name":"Reject","kind":"reject_once"},
	{"optionId":"allow","name":"Allow","kind":"allow_once"}
]`

func TestRequestPermission(t *testing.T) {
	tests := []struct {
		name     string
		kind     string
		options  string
		wantOpt  string
		approved bool
	}{
		{"allowed kind selects allow option", "read", standardOptions, "allow", true},
		{"allowed kind is case-insensitive", "Execute", standardOptions, "allow", true},
		{"allow_always after reject is selected", "read", `[{"optionId":"no","name":"No","kind":"reject_always"},{"optionId":"always","name":"Always","kind":"allow_always"}]`, "always", true},
		{"falls back to first option", "edit", `[{"optionId":"only","name":"Go","kind":"reject_once"}]`, "only", true},
		{"unknown kind is cancelled", "delete", standardOptions, "", false},
		{"missing kind is cancelled", "", standardOptions, "", false},
		{"no options is cancelled", "read", `[]`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var decisions []Decision
			c := NewClient(
				WithLogger(newTestLogger(t)),
				WithPermissionPolicy(NewPermissionPolicy([]string{"read", "execute", "edit"})),
				WithDecisionHandler(func(d Decision) { decisions = append(decisions, d) }),
			)

			resp, err := c.RequestPermission(context.Background(), permissionRequest(t, tt.kind, tt.options))
			require.NoError(t, err)
			if tt.approved {
				require.NotNil(t, resp.Outcome.Selected)
				assert.Nil(t, resp.Outcome.Cancelled)
				assert.Equal(t, acp.PermissionOptionId(tt.wantOpt), resp.Outcome.Selected.OptionId)
			} else {
				assert.Nil(t, resp.Outcome.Selected)
				assert.NotNil(t, resp.Outcome.Cancelled)
			}
			require.Len(t, decisions, 1)
			assert.Equal(t, tt.approved, decisions[0].Approved)
			assert.Equal(t, "do thing", decisions[0].Title)
		})
	}
}

func TestRequestPermission_NeverSelectsOutsideAllowList(t *testing.T) {
	c := NewClient(WithPermissionPolicy(NewPermissionPolicy([]string{"read"})))
	for _, kind := range []string{"edit", "delete", "move", "execute", "fetch", "other", "switch_mode"} {
		resp, err := c.RequestPermission(context.Background(), permissionRequest(t, kind, standardOptions))
		require.NoError(t, err)
		assert.Nil(t, resp.Outcome.Selected, kind)
	}
}

func TestRequestPermission_RefreshesActivity(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClient(WithClock(func() time.Time { return now }))
	now = now.Add(time.Minute)

	_, err := c.RequestPermission(context.Background(), permissionRequest(t, "read", standardOptions))
	require.NoError(t, err)
	assert.Equal(t, now, c.LastActivity())
}

func TestSessionUpdate_CountersAndProgress(t *testing.T) {
	var mu sync.Mutex
	var received int
	c := NewClient(
		WithLogger(newTestLogger(t)),
		WithUpdateHandler(func(acp.SessionNotification) {
			mu.Lock()
			received++
			mu.Unlock()
		}),
	)

	chunk := decode[acp.SessionNotification](t, `{"sessionId":"s-1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hello "}}}`)
	toolCall := decode[acp.SessionNotification](t, `{"sessionId":"s-1","update":{"sessionUpdate":"tool_call","toolCallId":"tc-1","title":"Read file","kind":"read","status":"pending"}}`)

	require.NoError(t, c.SessionUpdate(context.Background(), chunk))
	require.NoError(t, c.SessionUpdate(context.Background(), chunk))
	require.NoError(t, c.SessionUpdate(context.Background(), toolCall))

	assert.Equal(t, "hello hello ", c.Output())
	assert.Equal(t, 1, c.ToolCallCount())
	assert.Equal(t, 7, c.Progress())
	assert.Equal(t, 3, received)

	last := c.Progress()
	for i := 0; i < 40; i++ {
		require.NoError(t, c.SessionUpdate(context.Background(), toolCall))
		assert.GreaterOrEqual(t, c.Progress(), last)
		last = c.Progress()
	}
	assert.Equal(t, 95, c.Progress())

	c.Complete()
	assert.Equal(t, 100, c.Progress())
}

func TestReadTextFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour"), 0o644))
	c := NewClient(WithWorkspaceRoot(dir))

	resp, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{SessionId: "s-1", Path: path})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour", resp.Content)

	line, limit := 2, 2
	resp, err = c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{SessionId: "s-1", Path: "notes.txt", Line: &line, Limit: &limit})
	require.NoError(t, err)
	assert.Equal(t, "two\nthree", resp.Content)
}

func TestReadTextFile_ErrorBecomesContent(t *testing.T) {
	c := NewClient(WithWorkspaceRoot(t.TempDir()))

	resp, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{SessionId: "s-1", Path: "missing.txt"})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "Error reading file missing.txt")
}

func TestWriteTextFile(t *testing.T) {
	dir := t.TempDir()
	c := NewClient(WithWorkspaceRoot(dir))

	_, err := c.WriteTextFile(context.Background(), acp.WriteTextFileRequest{SessionId: "s-1", Path: "a/b/c.txt", Content: "data"})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "a", "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestWriteTextFile_FailureIsError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	c := NewClient(WithWorkspaceRoot(dir))

	_, err := c.WriteTextFile(context.Background(), acp.WriteTextFileRequest{SessionId: "s-1", Path: "file/child.txt", Content: "data"})
	assert.Error(t, err)
}
