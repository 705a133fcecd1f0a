// Package system implements cherve's host collaborators on top of external
// tools: the process runner, apt, systemd, account and database creation,
// certbot, operator prompts and the DNS preflight.
package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cherve/cherve/pkg/engine"
)

// ExecRunner runs commands as child processes. Commands with a User run
// through that account's login shell via sudo.
type ExecRunner struct {
	// Stdout and Stderr receive streamed output of non-quiet commands.
	// Nil writers disable streaming.
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecRunner returns a runner that streams to the operator's terminal.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Run executes cmd and waits for it. Cancelling ctx kills the process.
func (r *ExecRunner) Run(ctx context.Context, cmd engine.Command) (*engine.ExecResult, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	argv := cmd.Argv
	if cmd.User != "" {
		argv = AsUser(cmd.User, cmd.Dir, cmd.Env, cmd.Argv)
	}

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if cmd.User == "" {
		c.Dir = cmd.Dir
		if len(cmd.Env) > 0 {
			c.Env = append(os.Environ(), envList(cmd.Env)...)
		}
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if !cmd.Quiet {
		if r.Stdout != nil {
			c.Stdout = io.MultiWriter(&stdout, r.Stdout)
		}
		if r.Stderr != nil {
			c.Stderr = io.MultiWriter(&stderr, r.Stderr)
		}
	}

	log.Debug().Strs("argv", cmd.Argv).Str("user", cmd.User).Str("dir", cmd.Dir).Msg("Running command")

	start := time.Now()
	err := c.Run()
	result := &engine.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(err, ctxErr)
		}
		return result, engine.NewCommandError(cmd.Argv, result.ExitCode, result.Stderr, err)
	}
	return result, nil
}

// AsUser wraps argv so it runs in user's login shell, after changing to dir
// and exporting env.
func AsUser(user, dir string, env map[string]string, argv []string) []string {
	var script strings.Builder
	for _, kv := range envList(env) {
		k, v, _ := strings.Cut(kv, "=")
		fmt.Fprintf(&script, "export %s=%s; ", k, ShellQuote(v))
	}
	if dir != "" {
		fmt.Fprintf(&script, "cd %s && ", ShellQuote(dir))
	}
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = ShellQuote(a)
	}
	script.WriteString("exec ")
	script.WriteString(strings.Join(quoted, " "))

	return []string{"sudo", "-H", "-u", user, "--", "bash", "-lc", script.String()}
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@,+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
