package config

import (
	"fmt"
	"path/filepath"

	"github.com/caarlos0/env/v9"
)

// Settings holds the host paths and runtime options read from the
// environment. The defaults match a stock Ubuntu layout.
type Settings struct {
	ConfigDir string `env:"CHERVE_CONFIG_DIR" envDefault:"/etc/cherve"`
	StateDir  string `env:"CHERVE_STATE_DIR" envDefault:"/var/lib/cherve"`
	WWWRoot   string `env:"CHERVE_WWW_ROOT" envDefault:"/var/www"`
	HomeRoot  string `env:"CHERVE_HOME_ROOT" envDefault:"/home"`

	NginxSitesAvailable string `env:"CHERVE_NGINX_SITES_AVAILABLE" envDefault:"/etc/nginx/sites-available"`
	NginxSitesEnabled   string `env:"CHERVE_NGINX_SITES_ENABLED" envDefault:"/etc/nginx/sites-enabled"`
	LetsEncryptLive     string `env:"CHERVE_LETSENCRYPT_LIVE" envDefault:"/etc/letsencrypt/live"`

	MetricsDir    string `env:"CHERVE_METRICS_DIR"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"CHERVE_LOG_FORMAT" envDefault:"console"`
	TraceExporter string `env:"CHERVE_TRACE_EXPORTER" envDefault:"none"`
	OTLPEndpoint  string `env:"CHERVE_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	DNSResolver   string `env:"CHERVE_DNS_RESOLVER" envDefault:"1.1.1.1:53"`
}

// LoadSettings reads Settings from the process environment.
func LoadSettings() (*Settings, error) {
	return parseSettings(env.Options{})
}

func parseSettings(opts env.Options) (*Settings, error) {
	s := &Settings{}
	if err := env.ParseWithOptions(s, opts); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that every directory setting is absolute.
func (s *Settings) Validate() error {
	dirs := map[string]string{
		"CHERVE_CONFIG_DIR":            s.ConfigDir,
		"CHERVE_STATE_DIR":             s.StateDir,
		"CHERVE_WWW_ROOT":              s.WWWRoot,
		"CHERVE_HOME_ROOT":             s.HomeRoot,
		"CHERVE_NGINX_SITES_AVAILABLE": s.NginxSitesAvailable,
		"CHERVE_NGINX_SITES_ENABLED":   s.NginxSitesEnabled,
		"CHERVE_LETSENCRYPT_LIVE":      s.LetsEncryptLive,
	}
	for name, dir := range dirs {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("%s must be an absolute path, got %q", name, dir)
		}
	}
	switch s.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("CHERVE_TRACE_EXPORTER must be none, stdout or otlp, got %q", s.TraceExporter)
	}
	return nil
}

// ServerPath is the location of the host-wide record.
func (s *Settings) ServerPath() string {
	return filepath.Join(s.ConfigDir, "server.toml")
}

// SitesDir is the directory holding one record per site.
func (s *Settings) SitesDir() string {
	return filepath.Join(s.ConfigDir, "sites.d")
}

// JournalPath is the SQLite run journal.
func (s *Settings) JournalPath() string {
	return filepath.Join(s.StateDir, "journal.db")
}

// Nginx returns the routing directories as a server record section.
func (s *Settings) Nginx() NginxSection {
	return NginxSection{
		SitesAvailable: s.NginxSitesAvailable,
		SitesEnabled:   s.NginxSitesEnabled,
	}
}

// CertificatePaths returns where certbot places the chain and key for domain.
func (s *Settings) CertificatePaths(domain string) (cert, key string) {
	dir := filepath.Join(s.LetsEncryptLive, domain)
	return filepath.Join(dir, "fullchain.pem"), filepath.Join(dir, "privkey.pem")
}
