// Package process holds the OS-level plumbing shared by agent processes and
// agent-created terminals: process groups, two-phase termination, exit
// status decoding and environment merging.
package process

import (
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultKillGrace is the time between the graceful and the forced signal.
const DefaultKillGrace = 3 * time.Second

// Configure prepares cmd to run in its own process group so the whole tree
// can be signalled together. When detached is false the child is also tied
// to this process's lifetime where the platform allows it.
func Configure(cmd *exec.Cmd, detached bool) {
	setProcGroup(cmd, detached)
}

// Terminate stops p in two phases: a graceful signal to its process group,
// then a forced kill if done has not closed within grace. It reports whether
// the forced kill was needed. done must close when the process has been reaped.
func Terminate(p *os.Process, done <-chan struct{}, grace time.Duration) (forced bool) {
	if p == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}

	if err := terminateProcessGroup(p); err != nil {
		// Graceful delivery failed, usually because the process is gone.
		return killProcessGroup(p) == nil
	}

	if grace <= 0 {
		grace = DefaultKillGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return false
	case <-timer.C:
		_ = killProcessGroup(p)
		return true
	}
}

// Kill force-kills p's process group immediately.
func Kill(p *os.Process) error {
	if p == nil {
		return nil
	}
	return killProcessGroup(p)
}

// Status describes how a process ended. Code is nil when the process was
// terminated by a signal.
type Status struct {
	Code   *int    `json:"exit_code,omitempty"`
	Signal *string `json:"signal,omitempty"`
}

// ExitStatus decodes a finished process state. A nil state yields nil.
func ExitStatus(state *os.ProcessState) *Status {
	if state == nil {
		return nil
	}
	if sig, ok := signalName(state); ok {
		return &Status{Signal: &sig}
	}
	code := state.ExitCode()
	return &Status{Code: &code}
}

// FailedStatus is the sentinel status for processes that never ran.
func FailedStatus() *Status {
	code := -1
	return &Status{Code: &code}
}

// Clone returns a deep copy of s.
func (s *Status) Clone() *Status {
	if s == nil {
		return nil
	}
	out := &Status{}
	if s.Code != nil {
		v := *s.Code
		out.Code = &v
	}
	if s.Signal != nil {
		v := *s.Signal
		out.Signal = &v
	}
	return out
}

// MergeEnv overlays overrides on base (KEY=VALUE form) and drops every key in
// clear. Later overrides win. Ordering of untouched base entries is preserved.
func MergeEnv(base []string, overrides map[string]string, clear []string) []string {
	drop := make(map[string]struct{}, len(clear)+len(overrides))
	for _, k := range clear {
		drop[envKey(k)] = struct{}{}
	}
	for k := range overrides {
		drop[envKey(k)] = struct{}{}
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, skip := drop[envKey(key)]; skip {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		if contains(clear, k) {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

func contains(list []string, key string) bool {
	for _, k := range list {
		if envKey(k) == envKey(key) {
			return true
		}
	}
	return false
}
