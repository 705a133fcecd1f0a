package routing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/cherve/cherve/pkg/config"
	"github.com/cherve/cherve/pkg/engine"
	"github.com/cherve/cherve/pkg/telemetry"
)

// ServiceName is the systemd unit reloaded after a successful publish.
const ServiceName = "nginx"

// Publisher installs rendered configs into the routing tool's directories.
// A config only becomes effective after the tool's own syntax check passes.
type Publisher struct {
	available string
	enabled   string
	runner    engine.Runner
	services  engine.Services
	metrics   *telemetry.Metrics
}

// NewPublisher creates a publisher for the directories in nginx.
func NewPublisher(nginx config.NginxSection, runner engine.Runner, services engine.Services, metrics *telemetry.Metrics) *Publisher {
	return &Publisher{
		available: nginx.SitesAvailable,
		enabled:   nginx.SitesEnabled,
		runner:    runner,
		services:  services,
		metrics:   metrics,
	}
}

// ConfigPath returns the available-configs path for domain.
func (p *Publisher) ConfigPath(domain string) string {
	return filepath.Join(p.available, domain+".conf")
}

// EnabledPath returns the enabled-configs entry for domain.
func (p *Publisher) EnabledPath(domain string) string {
	return filepath.Join(p.enabled, domain+".conf")
}

// Publish writes text as the config for domain, validates the whole routing
// configuration and reloads the service. When validation fails the previous
// config and enabled entry are restored and the error carries the tool's
// diagnostic.
//
// nginx -t only checks the installed tree, so the new file has to be in
// place before it can be validated. Nothing is live until the reload, which
// only happens after the check passes.
func (p *Publisher) Publish(ctx context.Context, domain, text string) (err error) {
	op := telemetry.StartOperation(ctx, "publish", domain, telemetry.AttrDomain.String(domain))
	defer func() {
		op.End(err)
		p.metrics.RecordPublish(err == nil)
	}()
	ctx = op.Ctx

	for _, dir := range []string{p.available, p.enabled} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	confPath := p.ConfigPath(domain)
	tmpPath := confPath + ".tmp"
	bakPath := confPath + ".bak"
	linkPath := p.EnabledPath(domain)

	if err := os.WriteFile(tmpPath, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}

	hadConfig := exists(confPath)
	if hadConfig {
		if err := copyFile(confPath, bakPath); err != nil {
			_ = os.Remove(tmpPath)
			return err
		}
	}
	prevLink, err := snapshotEntry(linkPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, confPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to install %s: %w", confPath, err)
	}

	rollback := func() {
		if hadConfig {
			if rerr := os.Rename(bakPath, confPath); rerr != nil {
				op.Logger.WithError(rerr).Error("Failed to restore previous routing config")
			}
		} else {
			_ = os.Remove(confPath)
		}
		if err := prevLink.restore(linkPath); err != nil {
			op.Logger.WithError(err).Error("Failed to restore previous enabled entry")
		}
	}

	if err := ensureSymlink(confPath, linkPath); err != nil {
		rollback()
		return err
	}

	op.Logger.Debug("Validating routing config")
	if _, err := p.runner.Run(ctx, engine.Command{Argv: []string{"nginx", "-t"}, Quiet: true}); err != nil {
		rollback()
		diagnostic := err.Error()
		if ee, ok := engine.AsEngineError(err); ok && ee.Diagnostic != "" {
			diagnostic = ee.Diagnostic
		}
		log.Warn().Str("domain", domain).Str("diagnostic", diagnostic).Msg("Routing config rejected, previous config restored")
		return engine.NewValidationError(
			fmt.Sprintf("nginx rejected the config for %s", domain), diagnostic, err,
		).WithStep("publish " + domain)
	}

	if hadConfig {
		_ = os.Remove(bakPath)
	}
	if err := p.services.Reload(ctx, ServiceName); err != nil {
		return err
	}

	log.Info().Str("domain", domain).Str("path", confPath).Msg("Published routing config")
	return nil
}

// Unpublish removes the enabled entry and the config for domain, validates
// and reloads.
func (p *Publisher) Unpublish(ctx context.Context, domain string) error {
	for _, path := range []string{p.EnabledPath(domain), p.ConfigPath(domain)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	if _, err := p.runner.Run(ctx, engine.Command{Argv: []string{"nginx", "-t"}, Quiet: true}); err != nil {
		return err
	}
	return p.services.Reload(ctx, ServiceName)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// entrySnapshot is what occupied an enabled-configs path before a publish:
// nothing, a symlink, or a plain file.
type entrySnapshot struct {
	exists bool
	target string
	data   []byte
	mode   fs.FileMode
}

func snapshotEntry(path string) (*entrySnapshot, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &entrySnapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", path, err)
	}
	snap := &entrySnapshot{exists: true, mode: info.Mode().Perm()}
	if info.Mode()&fs.ModeSymlink != 0 {
		if snap.target, err = os.Readlink(path); err != nil {
			return nil, fmt.Errorf("failed to read link %s: %w", path, err)
		}
		return snap, nil
	}
	if snap.data, err = os.ReadFile(path); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return snap, nil
}

// restore puts the snapshot back at path, removing whatever is there now.
func (s *entrySnapshot) restore(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	switch {
	case !s.exists:
		return nil
	case s.target != "":
		return os.Symlink(s.target, path)
	default:
		return os.WriteFile(path, s.data, s.mode)
	}
}

// ensureSymlink points link at target, replacing whatever is there.
func ensureSymlink(target, link string) error {
	if current, err := os.Readlink(link); err == nil && current == target {
		return nil
	}
	if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", link, err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("failed to link %s: %w", link, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}
