package engine

import (
	"context"
	"time"
)

// Command describes one external process invocation.
type Command struct {
	// Argv is the program and its arguments. Argv[0] is resolved via PATH.
	Argv []string

	// User runs the command under another identity via a login shell when set.
	User string

	// Env holds extra environment variables merged over the current environment.
	Env map[string]string

	// Dir is the working directory.
	Dir string

	// Stdin is fed to the process when non-empty.
	Stdin string

	// Quiet suppresses streaming of output to the operator's terminal.
	Quiet bool
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// Runner executes external commands.
// A non-zero exit must be reported as an EngineError of class
// ErrorClassExternalCommand; the result is returned alongside it.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*ExecResult, error)
}

// Packages queries and installs system packages.
type Packages interface {
	// Installed reports whether the named package is installed.
	Installed(ctx context.Context, name string) (bool, error)

	// Update refreshes the package index.
	Update(ctx context.Context) error

	// Install installs the named packages non-interactively.
	Install(ctx context.Context, names []string) error
}

// Services queries and controls system services.
type Services interface {
	Enabled(ctx context.Context, name string) (bool, error)
	Active(ctx context.Context, name string) (bool, error)

	// EnableNow enables the unit and starts it immediately.
	EnableNow(ctx context.Context, name string) error

	Reload(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
}

// Prompter asks the operator questions.
type Prompter interface {
	PromptYesNo(question string, def bool) (bool, error)

	// PromptChoice returns one of options. def must be one of options.
	PromptChoice(question string, options []string, def string) (string, error)

	PromptText(question string, def string) (string, error)
}

// CertRequest asks for a certificate covering Domain and AltNames.
type CertRequest struct {
	Domain   string
	AltNames []string
	// Email is used for account registration; empty registers without one.
	Email string
}

// Certificate holds the on-disk location of issued material.
type Certificate struct {
	CertPath string
	KeyPath  string
}

// CertIssuer obtains TLS certificates.
type CertIssuer interface {
	Issue(ctx context.Context, req CertRequest) (*Certificate, error)
}

// StepRecord is one journaled step of a run.
type StepRecord struct {
	Name     string
	Status   StepStatus
	Duration time.Duration
	Detail   string
}

// StepRecorder persists step outcomes, typically to the run journal.
type StepRecorder interface {
	RecordStep(ctx context.Context, runID string, step StepRecord) error
}

// Accounts manages the Linux accounts that own sites.
type Accounts interface {
	Exists(ctx context.Context, name string) (bool, error)

	// Create adds a locked account with a home directory and a bash shell.
	Create(ctx context.Context, name string) error

	// Remove deletes the account and its home directory.
	Remove(ctx context.Context, name string) error
}

// Database engines a site can be provisioned with.
const (
	DatabaseMySQL      = "mysql"
	DatabasePostgreSQL = "postgresql"
)

// DatabaseRequest describes a database and its owning role.
type DatabaseRequest struct {
	Engine   string
	Name     string
	Owner    string
	Password string
}

// Databases creates application databases.
type Databases interface {
	Provision(ctx context.Context, req DatabaseRequest) error
}

// DeployKey is a per-site SSH identity used for repository access.
type DeployKey struct {
	PrivateKeyPath string
	PublicKey      string
	// Created is false when an existing key was reused.
	Created bool
}

// DeployKeys manages a site account's deploy key and trusted git hosts.
type DeployKeys interface {
	Ensure(ctx context.Context, user string) (*DeployKey, error)
	TrustHost(ctx context.Context, user, host string) error
}
