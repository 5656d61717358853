//go:build unix

package process

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalGroup delivers sig to p's process group when p leads one, and to p
// alone otherwise so a child sharing our group never takes us down with it.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if pgid, err := syscall.Getpgid(p.Pid); err == nil && pgid == p.Pid {
		return syscall.Kill(-pgid, sig)
	}
	return p.Signal(sig)
}

func terminateProcessGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

func killProcessGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

func signalName(state *os.ProcessState) (string, bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "", false
	}
	if name := unix.SignalName(ws.Signal()); name != "" {
		return name, true
	}
	return ws.Signal().String(), true
}

func envKey(k string) string { return k }
