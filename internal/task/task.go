// Package task defines the unit of work handed to a worker.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kandev/acprunner/internal/worker/transport"
)

// Task is one prompt to run in one agent process.
type Task struct {
	ID         string                `json:"id,omitempty" yaml:"id,omitempty"`
	Prompt     string                `json:"prompt" yaml:"prompt"`
	Cwd        string                `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Model      string                `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout    Duration              `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	McpServers []transport.McpServer `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`
}

// Duration accepts "90s"-style strings in YAML and JSON task files.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("timeout: expected a duration string at line %d", value.Line)
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON accepts either a duration string or integer milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("timeout: expected duration string or milliseconds: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("timeout: %w", err)
	}
	return Duration(v), nil
}

// LoadFile reads a task from a YAML file. A relative cwd is resolved
// against the file's directory.
func LoadFile(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var t Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}

	if t.Cwd != "" && !filepath.IsAbs(t.Cwd) {
		t.Cwd = filepath.Join(filepath.Dir(path), t.Cwd)
	}
	return &t, nil
}

// Validate reports every problem with the task at once.
func (t *Task) Validate() error {
	var errs []error
	if strings.TrimSpace(t.Prompt) == "" {
		errs = append(errs, errors.New("prompt is required"))
	}
	if t.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if t.Cwd != "" {
		if info, err := os.Stat(t.Cwd); err != nil {
			errs = append(errs, fmt.Errorf("cwd: %w", err))
		} else if !info.IsDir() {
			errs = append(errs, fmt.Errorf("cwd %q is not a directory", t.Cwd))
		}
	}
	for i, s := range t.McpServers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: name is required", i))
		}
		if s.Command == "" && s.URL == "" {
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: command or url is required", i))
		}
	}
	return errors.Join(errs...)
}

// TimeoutOr returns the task timeout, or def when none was set.
func (t *Task) TimeoutOr(def time.Duration) time.Duration {
	if t.Timeout > 0 {
		return time.Duration(t.Timeout)
	}
	return def
}
