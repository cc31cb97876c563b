// Package daemon supervises the talon controller process: spawning it
// under the shell-evaluated profile environment, and signalling it on
// shutdown. Death detection and cleanup live with the telemetry poller;
// this package only starts and signals.
package daemon

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/openobs/talond/internal/config"
)

// Supervisor spawns and signals the controller process.
type Supervisor struct {
	logger *log.Logger
}

// NewSupervisor returns a Supervisor logging through logger.
func NewSupervisor(logger *log.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Spawn launches the controller executable fire-and-forget under the
// environment captured from the profile script. The controller is
// expected to begin publishing shared memory on its own; the caller
// waits on the pointing condition, not on the child.
func (s *Supervisor) Spawn(ctx context.Context, cfg *config.Config) error {
	env := s.profileEnv(ctx, cfg.ProfileScript)

	cmd := exec.Command(cfg.ControllerPath, cfg.ControllerArgs...)
	// A nil Env would make the child inherit talond's own environment.
	if env == nil {
		env = []string{}
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemon: start %s: %w", cfg.ControllerPath, err)
	}
	s.logger.Printf("[INFO] daemon: spawned controller %s (pid %d)",
		cfg.ControllerPath, cmd.Process.Pid)

	// Reap the child when it exits so it never lingers as a zombie.
	go func() {
		if err := cmd.Wait(); err != nil {
			s.logger.Printf("[WARN] daemon: controller exited: %v", err)
		}
	}()
	return nil
}

// Signal delivers SIGINT to the controller pid observed in shared
// memory, asking it to shut down in an orderly way.
func (s *Supervisor) Signal(pid int32) error {
	if pid <= 0 {
		return fmt.Errorf("daemon: no controller pid")
	}
	if err := unix.Kill(int(pid), unix.SIGINT); err != nil {
		return fmt.Errorf("daemon: signal pid %d: %w", pid, err)
	}
	return nil
}

// profileEnv builds the controller's environment by sourcing the profile
// script through a sub-shell and capturing `env`, bounded by ctx. Any
// failure falls back to an empty environment; the controller must cope.
func (s *Supervisor) profileEnv(ctx context.Context, script string) []string {
	if script == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c",
		fmt.Sprintf(". %s && env", script))
	var output bytes.Buffer
	cmd.Stdout = &output

	if err := cmd.Run(); err != nil {
		s.logger.Printf("[WARN] daemon: source %s: %v", script, err)
		return nil
	}
	return parseEnv(output.String())
}

// parseEnv extracts KEY=VALUE lines from env(1) output, skipping
// anything that doesn't fit that shape (multi-line values, blank lines).
func parseEnv(raw string) []string {
	var env []string
	for _, line := range strings.Split(raw, "\n") {
		if line == "" {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		env = append(env, line)
	}
	return env
}
