package site

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cherve/cherve/pkg/config"
	"github.com/cherve/cherve/pkg/engine"
	"github.com/cherve/cherve/pkg/envfile"
	"github.com/cherve/cherve/pkg/sshkeys"
	"github.com/cherve/cherve/pkg/stores"
)

// EnvFileName is the application secrets file inside the application root.
const EnvFileName = ".env"

// DeployOutcome summarizes one deploy.
type DeployOutcome struct {
	// Cloned is true when the working tree was created by this deploy.
	Cloned bool

	Env *envfile.Outcome

	// Composer and Artisan report which bootstrap steps ran.
	Composer bool
	Artisan  bool
}

// Deploy brings the application tree up to date, productionizes its env file
// and runs dependency and framework bootstrap steps when their entrypoints
// are present. Routing and certificates are left alone.
func (l *Lifecycle) Deploy(ctx context.Context, name string) (*DeployOutcome, error) {
	start := time.Now()
	rec, err := l.store.LoadSite(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec.RepoSSH == "" {
		return nil, engine.NewPreconditionError(engine.ErrCodeInvalidInput,
			"site "+name+" has no repository configured (repo_ssh)")
	}

	key, err := l.keys.Ensure(ctx, rec.SiteUser)
	if err != nil {
		return nil, stepFailure("deploy key", err)
	}

	outcome := &DeployOutcome{}
	git := gitEnv(key.PrivateKeyPath)

	if err := l.step(ctx, name, "git", func(ctx context.Context) error {
		cloned, err := l.syncRepository(ctx, rec, git)
		outcome.Cloned = cloned
		return err
	}); err != nil {
		return nil, err
	}

	envPath := filepath.Join(rec.AppRoot, EnvFileName)
	if err := l.step(ctx, name, "env", func(ctx context.Context) error {
		candidates := make([]string, len(envfile.TemplateNames))
		for i, t := range envfile.TemplateNames {
			candidates[i] = filepath.Join(rec.AppRoot, t)
		}
		res, err := envfile.EnsureAndProductionize(envPath, candidates, managedKeys(rec))
		if err != nil {
			return err
		}
		outcome.Env = res
		owner := rec.SiteUser + ":" + rec.SiteUser
		if _, err := l.runner.Run(ctx, engine.Command{Argv: []string{"chown", owner, envPath}, Quiet: true}); err != nil {
			return err
		}
		return os.Chmod(envPath, envfile.FileMode)
	}); err != nil {
		return nil, err
	}

	if fileExists(filepath.Join(rec.AppRoot, "composer.json")) {
		outcome.Composer = true
		if err := l.step(ctx, name, "composer", func(ctx context.Context) error {
			return l.asSite(ctx, rec, nil, "composer", "install", "--no-dev", "--optimize-autoloader", "--no-interaction")
		}); err != nil {
			return nil, err
		}
	}

	if fileExists(filepath.Join(rec.AppRoot, "artisan")) {
		outcome.Artisan = true
		if err := l.step(ctx, name, "artisan", func(ctx context.Context) error {
			return l.bootstrapLaravel(ctx, rec, envPath)
		}); err != nil {
			return nil, err
		}
	}

	l.audit(ctx, stores.EntitySite, name, "deploy", "branch="+rec.Branch)
	log.Info().
		Str("site", name).
		Str("branch", rec.Branch).
		Bool("cloned", outcome.Cloned).
		Dur("duration", since(start)).
		Msg("Deploy completed")
	return outcome, nil
}

// syncRepository clones the configured branch into the application root, or
// fetches, checks out and pulls it when a working tree exists.
func (l *Lifecycle) syncRepository(ctx context.Context, rec *config.SiteRecord, env map[string]string) (bool, error) {
	if fileExists(filepath.Join(rec.AppRoot, ".git")) {
		for _, argv := range [][]string{
			{"git", "fetch", "origin", rec.Branch},
			{"git", "checkout", rec.Branch},
			{"git", "pull", "--ff-only", "origin", rec.Branch},
		} {
			if err := l.asSite(ctx, rec, env, argv...); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	_, err := l.runner.Run(ctx, engine.Command{
		Argv: []string{"git", "clone", "--branch", rec.Branch, rec.RepoSSH, rec.AppRoot},
		User: rec.SiteUser,
		Env:  env,
		Dir:  rec.SiteRoot,
	})
	return err == nil, err
}

func (l *Lifecycle) bootstrapLaravel(ctx context.Context, rec *config.SiteRecord, envPath string) error {
	hasKey, err := envfile.HasValue(envPath, "APP_KEY")
	if err != nil {
		return err
	}
	if !hasKey {
		if err := l.asSite(ctx, rec, nil, "php", "artisan", "key:generate", "--force"); err != nil {
			return err
		}
	}
	for _, cmd := range []string{"migrate", "config:cache", "route:cache", "view:cache"} {
		argv := []string{"php", "artisan", cmd}
		if cmd == "migrate" {
			argv = append(argv, "--force")
		}
		if err := l.asSite(ctx, rec, nil, argv...); err != nil {
			return err
		}
	}
	return nil
}

// asSite runs argv in the application root as the site account.
func (l *Lifecycle) asSite(ctx context.Context, rec *config.SiteRecord, env map[string]string, argv ...string) error {
	_, err := l.runner.Run(ctx, engine.Command{Argv: argv, User: rec.SiteUser, Env: env, Dir: rec.AppRoot})
	return err
}

// managedKeys returns the env keys a deploy enforces.
func managedKeys(rec *config.SiteRecord) []envfile.KeyValue {
	keys := []envfile.KeyValue{
		{Key: "APP_ENV", Value: "production"},
		{Key: "APP_DEBUG", Value: "false"},
	}
	if url := AppURL(rec); url != "" {
		keys = append(keys, envfile.KeyValue{Key: "APP_URL", Value: url})
	}
	if rec.HasDatabase() {
		keys = append(keys,
			envfile.KeyValue{Key: "DB_CONNECTION", Value: dbConnection(rec.DBService)},
			envfile.KeyValue{Key: "DB_DATABASE", Value: rec.DBName},
			envfile.KeyValue{Key: "DB_USERNAME", Value: rec.DBOwnerUser},
		)
	}
	return keys
}

// AppURL is the public URL of the site's first domain, or empty when no
// domain is attached.
func AppURL(rec *config.SiteRecord) string {
	if len(rec.Domains) == 0 {
		return ""
	}
	d := rec.Domains[0]
	if d.TLSEnabled {
		return "https://" + d.Name
	}
	return "http://" + d.Name
}

// dbConnection maps a database engine to Laravel's connection name.
func dbConnection(service string) string {
	if service == engine.DatabasePostgreSQL {
		return "pgsql"
	}
	return service
}

func gitEnv(keyPath string) map[string]string {
	return map[string]string{"GIT_SSH_COMMAND": sshkeys.GitSSHCommand(keyPath)}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
