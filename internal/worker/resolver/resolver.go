// Package resolver locates the agent executable.
package resolver

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/kandev/acprunner/internal/common/logger"
)

// Platform lists the install locations searched after PATH.
type Platform interface {
	// Candidates returns directories to search, in priority order.
	Candidates(home string, getenv func(string) string) []string
	// ExecutableNames returns the file names a command may be installed as.
	ExecutableNames(command string) []string
}

// Resolver finds the agent binary. The zero value of each func field falls
// back to the os/exec implementation.
type Resolver struct {
	Command  string
	EnvVar   string
	Platform Platform

	LookPath func(string) (string, error)
	Getenv   func(string) string
	HomeDir  func() (string, error)

	logger *logger.Logger
}

// New returns a resolver for command on the current OS.
func New(command, envVar string, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Default()
	}
	return &Resolver{
		Command:  command,
		EnvVar:   envVar,
		Platform: ForOS(runtime.GOOS),
		logger:   log,
	}
}

// Resolve returns an absolute path when one is found and the bare command
// name otherwise, so a later spawn reports "not found" itself.
func (r *Resolver) Resolve() string {
	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	lookPath := r.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	log := r.logger
	if log == nil {
		log = logger.NewNop()
	}

	if r.EnvVar != "" {
		if p := strings.TrimSpace(getenv(r.EnvVar)); p != "" {
			log.Debug("agent executable from environment", zap.String("env", r.EnvVar), zap.String("path", p))
			return p
		}
	}

	if p, err := lookPath(r.Command); err == nil {
		log.Debug("agent executable found in PATH", zap.String("path", p))
		return p
	}

	if r.Platform != nil {
		home := ""
		if r.HomeDir != nil {
			home, _ = r.HomeDir()
		} else {
			home, _ = os.UserHomeDir()
		}
		names := r.Platform.ExecutableNames(r.Command)
		for _, dir := range r.Platform.Candidates(home, getenv) {
			for _, name := range names {
				p := filepath.Join(dir, name)
				if isExecutableFile(p) {
					log.Debug("agent executable found in install dir", zap.String("path", p))
					return p
				}
			}
		}
	}

	log.Debug("agent executable not found, using bare name", zap.String("command", r.Command))
	return r.Command
}

// ForOS returns the platform lookup table for goos.
func ForOS(goos string) Platform {
	if goos == "windows" {
		return windowsPlatform{}
	}
	return unixPlatform{}
}

type unixPlatform struct{}

func (unixPlatform) Candidates(home string, getenv func(string) string) []string {
	var dirs []string
	if home != "" {
		nvmDir := getenv("NVM_DIR")
		if nvmDir == "" {
			nvmDir = filepath.Join(home, ".nvm")
		}
		for _, v := range versionDirs(filepath.Join(nvmDir, "versions", "node")) {
			dirs = append(dirs, filepath.Join(v, "bin"))
		}
		dirs = append(dirs,
			filepath.Join(home, ".volta", "bin"),
			filepath.Join(home, ".npm-global", "bin"),
			filepath.Join(home, ".local", "bin"),
		)
	}
	return append(dirs, "/usr/local/bin", "/opt/homebrew/bin")
}

func (unixPlatform) ExecutableNames(command string) []string {
	return []string{command}
}

type windowsPlatform struct{}

func (windowsPlatform) Candidates(home string, getenv func(string) string) []string {
	var dirs []string
	if appData := getenv("APPDATA"); appData != "" {
		dirs = append(dirs, filepath.Join(appData, "npm"))
	}
	if nvmHome := getenv("NVM_HOME"); nvmHome != "" {
		dirs = append(dirs, versionDirs(nvmHome)...)
	}
	if home != "" {
		dirs = append(dirs, filepath.Join(home, "AppData", "Roaming", "npm"))
	}
	if programFiles := getenv("ProgramFiles"); programFiles != "" {
		dirs = append(dirs, filepath.Join(programFiles, "nodejs"))
	}
	return dirs
}

func (windowsPlatform) ExecutableNames(command string) []string {
	if filepath.Ext(command) != "" {
		return []string{command}
	}
	return []string{command + ".cmd", command + ".exe", command}
}

// versionDirs lists semver-named subdirectories of root, newest first.
// Entries that do not parse as versions are ignored.
func versionDirs(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	type versioned struct {
		path string
		v    *semver.Version
	}
	var found []versioned
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := semver.NewVersion(e.Name())
		if err != nil {
			continue
		}
		found = append(found, versioned{path: filepath.Join(root, e.Name()), v: v})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].v.GreaterThan(found[j].v) })

	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.path
	}
	return out
}

func isExecutableFile(p string) bool {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}
