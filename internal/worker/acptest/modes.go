package acptest

import (
	"fmt"
	"os"
	"time"
)

// ModeEnv selects a scripted agent when a test binary re-executes itself.
const ModeEnv = "ACPRUNNER_FAKE_AGENT"

// Scripted agent modes.
const (
	ModeOK       = "ok"       // streams text and one tool call, then ends the turn
	ModeTools    = "tools"    // exercises permissions, file writes and terminals
	ModeTerminal = "terminal" // opens a long-running terminal, then hangs
	ModeHang     = "hang"     // never answers the prompt
	ModeCrash    = "crash"    // exits with status 3 mid-prompt
	ModeExit1    = "exit1"    // writes to stderr and exits 1 before the handshake
	ModeRPCError = "rpcerror" // rejects the prompt with a JSON-RPC error and stays alive
)

// ServeIfRequested turns the current process into a scripted agent on
// stdio and exits when ModeEnv is set. Call it first thing in TestMain.
func ServeIfRequested() {
	if mode := os.Getenv(ModeEnv); mode != "" {
		os.Exit(Run(mode))
	}
}

// Run serves the scripted agent for mode on stdio and returns an exit code.
func Run(mode string) int {
	if mode == ModeExit1 {
		fmt.Fprintln(os.Stderr, "loading config")
		fmt.Fprintln(os.Stderr, "boom: missing credentials")
		return 1
	}

	agent := &Agent{Name: "fake-" + mode, OnPrompt: func(turn *Turn) string {
		switch mode {
		case ModeOK:
			turn.SendText("hello ")
			turn.ToolCall("call-1", "Read README.md", "read")
			turn.SendText("world")
			return "end_turn"
		case ModeTools:
			return toolsTurn(turn)
		case ModeTerminal:
			if _, err := turn.CreateTerminal("sleep", "30"); err != nil {
				return "refusal"
			}
			time.Sleep(time.Hour)
		case ModeRPCError:
			turn.Fail(-32603, "model overloaded")
			return ""
		case ModeCrash:
			turn.SendText("partial")
			time.Sleep(50 * time.Millisecond)
			os.Exit(3)
		default:
			time.Sleep(time.Hour)
		}
		return ""
	}}
	if err := agent.Serve(os.Stdin, os.Stdout); err != nil {
		return 2
	}
	return 0
}

func toolsTurn(turn *Turn) string {
	turn.SendText("Working. ")
	turn.ToolCall("call-1", "Write notes.txt", "edit")
	if opt, err := turn.RequestPermission("call-1", "Write notes.txt", "edit"); err != nil || opt == "" {
		return "refusal"
	}
	if err := turn.WriteFile("notes.txt", "done\n"); err != nil {
		return "refusal"
	}
	if opt, _ := turn.RequestPermission("call-2", "Delete everything", "delete"); opt != "" {
		return "refusal"
	}

	id, err := turn.CreateTerminal("sh", "-c", "echo from-terminal")
	if err != nil {
		return "refusal"
	}
	if _, err := turn.Call("terminal/wait_for_exit", map[string]any{"terminalId": id}); err != nil {
		return "refusal"
	}
	if _, err := turn.Call("terminal/release", map[string]any{"terminalId": id}); err != nil {
		return "refusal"
	}
	turn.SendText("Done.")
	return "end_turn"
}
