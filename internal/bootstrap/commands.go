// Package bootstrap provides core.Bootstrapper implementations: one that runs
// configured commands, and a function adapter for embedding.
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/bootguard/internal/hooks"
	"github.com/hugo-lorenzo-mato/bootguard/internal/logging"
)

// SafeModeEnv is set to "1" in the environment of safe-mode commands.
const SafeModeEnv = "BOOTGUARD_SAFE_MODE"

// Commands configures a CommandBootstrapper. Each command is a single string
// split on whitespace.
type Commands struct {
	Full       string
	Safe       string
	Background []string
}

// CommandBootstrapper initializes the application by running commands.
//
// RunFull runs the full command and then starts the background commands
// without waiting for them; their failures go to the signal source as
// unobserved async failures. RunSafe runs the safe command, or the full
// command with SafeModeEnv set when no safe command is configured, and
// starts nothing in the background.
type CommandBootstrapper struct {
	runner   *Runner
	cmds     Commands
	signals  *hooks.Signals
	logger   *logging.Logger
	inFlight sync.WaitGroup
}

// NewCommandBootstrapper creates a command bootstrapper. A nil signals uses the
// process-wide source.
func NewCommandBootstrapper(runner *Runner, cmds Commands, signals *hooks.Signals, logger *logging.Logger) *CommandBootstrapper {
	if signals == nil {
		signals = hooks.Process()
	}
	return &CommandBootstrapper{
		runner:  runner,
		cmds:    cmds,
		signals: signals,
		logger:  logging.OrNop(logger).WithComponent("bootstrap"),
	}
}

// RunFull implements core.Bootstrapper.
func (b *CommandBootstrapper) RunFull(ctx context.Context) error {
	if argv := splitCommand(b.cmds.Full); len(argv) > 0 {
		if err := b.runner.Run(ctx, "full", argv); err != nil {
			return err
		}
	} else {
		b.logger.Info("no full command configured")
	}

	b.startBackground(ctx)
	return nil
}

// RunSafe implements core.Bootstrapper.
func (b *CommandBootstrapper) RunSafe(ctx context.Context) error {
	argv := splitCommand(b.cmds.Safe)
	if len(argv) == 0 {
		argv = splitCommand(b.cmds.Full)
	}
	if len(argv) == 0 {
		b.logger.Info("no safe command configured")
		return nil
	}
	return b.runner.Run(ctx, "safe", argv, SafeModeEnv+"=1")
}

// Wait blocks until background commands started by RunFull have finished.
func (b *CommandBootstrapper) Wait() {
	b.inFlight.Wait()
}

func (b *CommandBootstrapper) startBackground(ctx context.Context) {
	var cmds [][]string
	for _, c := range b.cmds.Background {
		if argv := splitCommand(c); len(argv) > 0 {
			cmds = append(cmds, argv)
		}
	}
	if len(cmds) == 0 {
		return
	}

	b.inFlight.Add(1)
	b.signals.Go(ctx, "background initialization", func(ctx context.Context) error {
		defer b.inFlight.Done()

		g, gctx := errgroup.WithContext(ctx)
		for i, argv := range cmds {
			name := fmt.Sprintf("background[%d]", i)
			g.Go(func() error {
				return b.runner.Run(gctx, name, argv)
			})
		}
		return g.Wait()
	})
	b.logger.Info("background commands started", "count", len(cmds))
}

func splitCommand(s string) []string {
	return strings.Fields(s)
}
