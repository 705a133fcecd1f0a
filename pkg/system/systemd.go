package system

import (
	"context"

	"github.com/cherve/cherve/pkg/engine"
)

// Systemd controls units through systemctl.
type Systemd struct {
	runner engine.Runner
}

// NewSystemd creates a systemd collaborator.
func NewSystemd(runner engine.Runner) *Systemd {
	return &Systemd{runner: runner}
}

// Enabled reports whether the unit is enabled.
func (s *Systemd) Enabled(ctx context.Context, name string) (bool, error) {
	return s.query(ctx, "is-enabled", name)
}

// Active reports whether the unit is running.
func (s *Systemd) Active(ctx context.Context, name string) (bool, error) {
	return s.query(ctx, "is-active", name)
}

// EnableNow enables and starts the unit.
func (s *Systemd) EnableNow(ctx context.Context, name string) error {
	return s.run(ctx, "enable", "--now", name)
}

// Reload asks the unit to reload its configuration.
func (s *Systemd) Reload(ctx context.Context, name string) error {
	return s.run(ctx, "reload", name)
}

// Restart restarts the unit.
func (s *Systemd) Restart(ctx context.Context, name string) error {
	return s.run(ctx, "restart", name)
}

// query maps a systemctl is-* probe to a bool; a non-zero exit means no.
func (s *Systemd) query(ctx context.Context, verb, name string) (bool, error) {
	_, err := s.runner.Run(ctx, engine.Command{Argv: []string{"systemctl", verb, "--quiet", name}, Quiet: true})
	if err != nil {
		if engine.IsCommandFailure(err) && ctx.Err() == nil {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Systemd) run(ctx context.Context, args ...string) error {
	_, err := s.runner.Run(ctx, engine.Command{Argv: append([]string{"systemctl"}, args...)})
	return err
}
