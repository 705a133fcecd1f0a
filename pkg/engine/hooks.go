package engine

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

//go:embed templates/*
var templatesFS embed.FS

const (
	phpPPA            = "ppa:ondrej/php"
	nginxOverridePath = "/etc/systemd/system/nginx.service.d/override.conf"
	nginxOverrideBody = "[Service]\nLimitNOFILE=65535\n"
	nginxConfPath     = "/etc/nginx/nginx.conf"
	fail2banJailPath  = "/etc/fail2ban/jail.local"
	phpConfDirFormat  = "/etc/php/%s/fpm/conf.d"
	serverTokensLine  = "server_tokens off;"
)

var httpBlockRe = regexp.MustCompile(`(?m)^http\s*\{`)

// runTolerant runs a command whose failure is logged but not fatal.
func (ic *InstallContext) runTolerant(ctx context.Context, argv ...string) {
	if _, err := ic.Run(ctx, argv...); err != nil {
		log.Warn().Err(err).Strs("argv", argv).Msg("Command failed, continuing")
	}
}

// writeFile writes data under the context root, creating parent directories.
func (ic *InstallContext) writeFile(path string, data []byte, mode os.FileMode) error {
	full := ic.Path(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// AddPHPRepository adds the third-party PHP package source and forces the
// next install to refresh the package index.
func AddPHPRepository(ctx context.Context, ic *InstallContext) error {
	if _, err := ic.Run(ctx, "add-apt-repository", "-y", phpPPA); err != nil {
		return err
	}
	ic.AptUpdated = false
	return nil
}

// SetPHPVersion returns a hook that records the selected runtime version and
// installs the managed FPM ini overrides for it.
func SetPHPVersion(version string) Hook {
	return func(ctx context.Context, ic *InstallContext) error {
		SelectPHPVersion(version)(ic)
		return applyPHPIni(ic)
	}
}

// SelectPHPVersion records version as the runtime of the run.
func SelectPHPVersion(version string) func(ic *InstallContext) {
	return func(ic *InstallContext) {
		ic.PHPVersion = version
		ic.PHPService = fmt.Sprintf("php%s-fpm", version)
	}
}

func applyPHPIni(ic *InstallContext) error {
	if ic.PHPVersion == "" {
		return fmt.Errorf("PHP version is required to apply ini overrides")
	}
	dir := fmt.Sprintf(phpConfDirFormat, ic.PHPVersion)
	for _, name := range []string{"99-php.ini", "99-opcache.ini"} {
		data, err := templatesFS.ReadFile("templates/" + name)
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", name, err)
		}
		if err := ic.writeFile(filepath.Join(dir, name), data, 0644); err != nil {
			return err
		}
	}
	return nil
}

// NginxBasics raises the open-file limit, hides the server version, checks
// the configuration and restarts nginx.
func NginxBasics(ctx context.Context, ic *InstallContext) error {
	if err := ic.writeFile(nginxOverridePath, []byte(nginxOverrideBody), 0644); err != nil {
		return err
	}

	confPath := ic.Path(nginxConfPath)
	conf, err := os.ReadFile(confPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", nginxConfPath, err)
	}
	if updated := EnsureServerTokens(string(conf)); updated != string(conf) {
		if err := os.WriteFile(confPath, []byte(updated), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", nginxConfPath, err)
		}
	}

	for _, argv := range [][]string{
		{"systemctl", "daemon-reload"},
		{"nginx", "-t"},
		{"systemctl", "restart", "nginx"},
	} {
		if _, err := ic.Run(ctx, argv...); err != nil {
			return err
		}
	}
	return nil
}

// EnsureServerTokens inserts "server_tokens off;" at the top of the http
// block, or appends an http block when none exists. Text that already
// contains the directive is returned unchanged.
func EnsureServerTokens(conf string) string {
	if strings.Contains(conf, serverTokensLine) {
		return conf
	}
	loc := httpBlockRe.FindStringIndex(conf)
	if loc == nil {
		return conf + "\nhttp {\n    " + serverTokensLine + "\n}\n"
	}
	return conf[:loc[1]] + "\n    " + serverTokensLine + conf[loc[1]:]
}

// ConfigureFirewall opens SSH and web ports and enables ufw.
func ConfigureFirewall(ctx context.Context, ic *InstallContext) error {
	for _, port := range []string{"22/tcp", "80/tcp", "443/tcp"} {
		ic.runTolerant(ctx, "ufw", "allow", port)
	}
	ic.runTolerant(ctx, "ufw", "--force", "enable")
	return nil
}

// ConfigureFail2ban installs a default jail.local when none exists.
func ConfigureFail2ban(ctx context.Context, ic *InstallContext) error {
	if _, err := os.Stat(ic.Path(fail2banJailPath)); os.IsNotExist(err) {
		data, err := templatesFS.ReadFile("templates/jail.local")
		if err != nil {
			return fmt.Errorf("failed to read template jail.local: %w", err)
		}
		if err := ic.writeFile(fail2banJailPath, data, 0644); err != nil {
			return err
		}
	}
	ic.runTolerant(ctx, "systemctl", "enable", "--now", "fail2ban")
	return nil
}

// ConfigureClamAV refreshes signatures and starts the scanner daemons.
func ConfigureClamAV(ctx context.Context, ic *InstallContext) error {
	ic.runTolerant(ctx, "systemctl", "stop", "clamav-daemon")
	ic.runTolerant(ctx, "systemctl", "stop", "clamav-freshclam")
	ic.runTolerant(ctx, "freshclam")
	ic.runTolerant(ctx, "systemctl", "enable", "--now", "clamav-freshclam")
	ic.runTolerant(ctx, "systemctl", "enable", "--now", "clamav-daemon")
	return nil
}
