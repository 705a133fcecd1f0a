package system

import (
	"context"
	"errors"
	"os/user"

	"github.com/cherve/cherve/pkg/engine"
)

// Accounts creates site accounts with useradd.
type Accounts struct {
	runner engine.Runner
}

// NewAccounts creates an accounts collaborator.
func NewAccounts(runner engine.Runner) *Accounts {
	return &Accounts{runner: runner}
}

// Exists reports whether a local account called name exists.
func (a *Accounts) Exists(_ context.Context, name string) (bool, error) {
	_, err := user.Lookup(name)
	if err == nil {
		return true, nil
	}
	var unknown user.UnknownUserError
	if errors.As(err, &unknown) {
		return false, nil
	}
	return false, err
}

// Create adds the account and locks its password so only sudo can reach it.
func (a *Accounts) Create(ctx context.Context, name string) error {
	if _, err := a.runner.Run(ctx, engine.Command{Argv: []string{"useradd", "-m", "-s", "/bin/bash", name}}); err != nil {
		return err
	}
	_, err := a.runner.Run(ctx, engine.Command{Argv: []string{"passwd", "-l", name}, Quiet: true})
	return err
}

// Remove deletes the account and its home directory.
func (a *Accounts) Remove(ctx context.Context, name string) error {
	_, err := a.runner.Run(ctx, engine.Command{Argv: []string{"userdel", "-r", name}, Quiet: true})
	return err
}
