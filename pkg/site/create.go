package site

import (
	"context"
	"crypto/rand"
	"fmt"
	"html"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cherve/cherve/pkg/config"
	"github.com/cherve/cherve/pkg/engine"
	"github.com/cherve/cherve/pkg/sshkeys"
	"github.com/cherve/cherve/pkg/stores"
)

const (
	lowerAlnum = "abcdefghijklmnopqrstuvwxyz0123456789"
	mixedAlnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	dbSuffixLength   = 6
	dbPasswordLength = 24
)

// CreateOptions describes a new site.
type CreateOptions struct {
	Name    string
	RepoSSH string
	Branch  string
	Email   string

	// Database is engine.DatabaseMySQL, engine.DatabasePostgreSQL or empty.
	Database string
}

// CreateResult is what the operator needs to see once: the deploy key to
// register with the git provider and the database password.
type CreateResult struct {
	Site       *config.SiteRecord
	DeployKey  *engine.DeployKey
	DBPassword string
	Warnings   []string
}

// Create provisions the account, directories, deploy key and optional
// database of a new site and writes its record in landing mode with no
// domains. It never renders routing.
func (l *Lifecycle) Create(ctx context.Context, opts CreateOptions) (_ *CreateResult, err error) {
	start := time.Now()
	name := opts.Name

	if !config.ValidLinuxUser(name) {
		return nil, engine.NewPreconditionError(engine.ErrCodeInvalidInput,
			fmt.Sprintf("invalid site name %q: use lowercase letters, digits, '-' and '_'", name))
	}
	if opts.Email != "" && !config.ValidEmail(opts.Email) {
		return nil, engine.NewPreconditionError(engine.ErrCodeInvalidInput,
			fmt.Sprintf("invalid email %q", opts.Email))
	}
	switch opts.Database {
	case "", engine.DatabaseMySQL, engine.DatabasePostgreSQL:
	default:
		return nil, engine.NewPreconditionError(engine.ErrCodeInvalidInput,
			fmt.Sprintf("unsupported database %q", opts.Database))
	}

	if l.store.SiteExists(name) {
		return nil, engine.NewAlreadyExistsError("site %q already exists", name)
	}
	exists, err := l.accounts.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, engine.NewAlreadyExistsError("linux account %q already exists", name)
	}

	rec := config.NewSiteRecord(name, l.store.Settings().WWWRoot)
	rec.RepoSSH = opts.RepoSSH
	rec.Email = opts.Email
	if opts.Branch != "" {
		rec.Branch = opts.Branch
	}

	result := &CreateResult{Site: rec}

	if err := l.step(ctx, name, "account", func(ctx context.Context) error {
		return l.accounts.Create(ctx, rec.SiteUser)
	}); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			l.undoCreate(ctx, rec)
		}
	}()

	if err := l.step(ctx, name, "directories", func(ctx context.Context) error {
		return l.prepareDirectories(ctx, rec)
	}); err != nil {
		return nil, err
	}

	if err := l.step(ctx, name, "deploy key", func(ctx context.Context) error {
		key, err := l.keys.Ensure(ctx, rec.SiteUser)
		if err != nil {
			return err
		}
		result.DeployKey = key

		host := DefaultGitHost
		if rec.RepoSSH != "" {
			if h, err := sshkeys.HostFromRepo(rec.RepoSSH); err == nil {
				host = h
			} else {
				result.Warnings = append(result.Warnings, err.Error())
			}
		}
		return l.keys.TrustHost(ctx, rec.SiteUser, host)
	}); err != nil {
		return nil, err
	}

	if opts.Database != "" {
		req := engine.DatabaseRequest{
			Engine: opts.Database,
			Name:   fmt.Sprintf("%s_%s", rec.SiteUser, randomString(lowerAlnum, dbSuffixLength)),
			Owner:  rec.SiteUser + "_db_owner",
		}
		req.Password = randomString(mixedAlnum, dbPasswordLength)

		if err := l.step(ctx, name, "database", func(ctx context.Context) error {
			return l.databases.Provision(ctx, req)
		}); err != nil {
			return nil, err
		}
		rec.DBService = req.Engine
		rec.DBName = req.Name
		rec.DBOwnerUser = req.Owner
		result.DBPassword = req.Password
	}

	if err := l.store.SaveSite(ctx, rec); err != nil {
		return nil, err
	}
	l.audit(ctx, stores.EntitySite, name, "create", "mode="+string(rec.Mode))
	l.metrics.SetSiteMode(name, false)

	log.Info().
		Str("site", name).
		Str("site_root", rec.SiteRoot).
		Str("database", rec.DBService).
		Dur("duration", since(start)).
		Msg("Site created")
	return result, nil
}

// undoCreate removes the account and site root of a create that failed
// after the account was added, so the name can be used again.
func (l *Lifecycle) undoCreate(ctx context.Context, rec *config.SiteRecord) {
	ctx = context.WithoutCancel(ctx)
	if err := l.accounts.Remove(ctx, rec.SiteUser); err != nil {
		log.Error().Err(err).Str("site", rec.SiteName).Msg("Failed to remove account of failed site")
	}
	if err := os.RemoveAll(rec.SiteRoot); err != nil {
		log.Error().Err(err).Str("site", rec.SiteName).Str("path", rec.SiteRoot).Msg("Failed to remove site root of failed site")
	}
	log.Warn().Str("site", rec.SiteName).Msg("Site creation rolled back")
}

// prepareDirectories creates the site, application and landing roots and a
// placeholder landing page, owned by the site account.
func (l *Lifecycle) prepareDirectories(ctx context.Context, rec *config.SiteRecord) error {
	for _, dir := range []string{rec.SiteRoot, rec.AppRoot, rec.LandingRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	index := filepath.Join(rec.LandingRoot, "index.html")
	if _, err := os.Stat(index); os.IsNotExist(err) {
		if err := os.WriteFile(index, []byte(landingPage(rec.SiteName)), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", index, err)
		}
	}

	owner := rec.SiteUser + ":" + rec.SiteUser
	_, err := l.runner.Run(ctx, engine.Command{Argv: []string{"chown", "-R", owner, rec.SiteRoot}, Quiet: true})
	return err
}

func landingPage(site string) string {
	name := html.EscapeString(site)
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
</head>
<body>
<h1>%s</h1>
<p>This site is being set up.</p>
</body>
</html>
`, name, name)
}

func randomString(alphabet string, n int) string {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		b[i] = alphabet[v.Int64()]
	}
	return string(b)
}
