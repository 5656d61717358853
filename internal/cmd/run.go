package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/acprunner/internal/common/logger"
	"github.com/kandev/acprunner/internal/events/bus"
	"github.com/kandev/acprunner/internal/task"
	"github.com/kandev/acprunner/internal/tracing"
	"github.com/kandev/acprunner/internal/worker/lifecycle"
)

type runOptions struct {
	prompt  string
	model   string
	cwd     string
	timeout time.Duration
	events  bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [task.yaml]",
		Short: "Run one task and print its result as JSON",
		Long: `Run launches one agent, sends the task prompt and prints the
result as JSON on stdout. The exit status is 0 when the task succeeded
and 1 otherwise.

The task comes from a YAML file or from --prompt. Flags override the
matching fields of a task file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := buildTask(args, opts)
			if err != nil {
				return err
			}
			return runCommand(cmd, t, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "prompt text (instead of a task file)")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "model identifier passed to the agent")
	cmd.Flags().StringVar(&opts.cwd, "cwd", "", "working directory for the agent")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "overall task timeout (default agent.defaultTimeout)")
	cmd.Flags().BoolVar(&opts.events, "events", false, "write worker events to stderr as JSON lines")
	return cmd
}

// buildTask merges the optional task file with flag overrides.
func buildTask(args []string, opts runOptions) (*task.Task, error) {
	t := &task.Task{}
	if len(args) == 1 {
		loaded, err := task.LoadFile(args[0])
		if err != nil {
			return nil, err
		}
		t = loaded
	} else if opts.prompt == "" {
		return nil, fmt.Errorf("a task file or --prompt is required")
	}

	if opts.prompt != "" {
		t.Prompt = opts.prompt
	}
	if opts.model != "" {
		t.Model = opts.model
	}
	if opts.cwd != "" {
		t.Cwd = opts.cwd
	}
	if opts.timeout > 0 {
		t.Timeout = task.Duration(opts.timeout)
	}
	if t.Cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		t.Cwd = wd
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func runCommand(cmd *cobra.Command, t *task.Task, opts runOptions) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()
	if opts.events {
		if _, err := eventBus.Subscribe(bus.AllWorkers, eventWriter(cmd.ErrOrStderr())); err != nil {
			return err
		}
	}

	mgr := lifecycle.NewManager(lifecycle.NewConfig(cfg), log, lifecycle.WithEventBus(eventBus))
	return runTask(ctx, mgr, *t, time.Duration(t.Timeout), cmd.OutOrStdout(), log)
}

// runTask runs t to completion, prints the result and maps it to an exit
// status.
func runTask(ctx context.Context, mgr *lifecycle.Manager, t task.Task, timeout time.Duration, out io.Writer, log *logger.Logger) error {
	res := mgr.Run(ctx, t, timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Warn("worker shutdown incomplete", zap.Error(err))
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if !res.Success {
		return NewSilentExit(1)
	}
	return nil
}

// eventWriter encodes every bus event as one JSON line.
func eventWriter(w io.Writer) bus.EventHandler {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(_ context.Context, event *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(event)
	}
}
