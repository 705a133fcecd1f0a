package system

import (
	"context"
	"strings"

	"github.com/cherve/cherve/pkg/engine"
)

var aptEnv = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}

// Apt manages Debian packages through dpkg-query and apt-get.
type Apt struct {
	runner engine.Runner
}

// NewApt creates an apt collaborator.
func NewApt(runner engine.Runner) *Apt {
	return &Apt{runner: runner}
}

// Installed reports whether dpkg considers name fully installed.
func (a *Apt) Installed(ctx context.Context, name string) (bool, error) {
	res, err := a.runner.Run(ctx, engine.Command{
		Argv:  []string{"dpkg-query", "-W", "-f=${Status}", name},
		Quiet: true,
	})
	if err != nil {
		// dpkg-query exits 1 for packages it has never seen.
		if engine.IsCommandFailure(err) && ctx.Err() == nil {
			return false, nil
		}
		return false, err
	}
	return strings.Contains(res.Stdout, "install ok installed"), nil
}

// Update refreshes the package index.
func (a *Apt) Update(ctx context.Context) error {
	_, err := a.runner.Run(ctx, engine.Command{
		Argv: []string{"apt-get", "update"},
		Env:  aptEnv,
	})
	return err
}

// Install installs names non-interactively.
func (a *Apt) Install(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	argv := append([]string{"apt-get", "install", "-y"}, names...)
	_, err := a.runner.Run(ctx, engine.Command{Argv: argv, Env: aptEnv})
	return err
}
