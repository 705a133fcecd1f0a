package config

import (
	"fmt"
	"path"
	"strings"
)

// Mode selects which filesystem root a site's domains serve.
type Mode string

const (
	// ModeLanding serves the placeholder landing page.
	ModeLanding Mode = "landing"

	// ModeApp serves the deployed application.
	ModeApp Mode = "app"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeLanding, ModeApp:
		return nil
	default:
		return fmt.Errorf("invalid mode: %q", m)
	}
}

// ServerRecord is the host-wide record written by server install.
type ServerRecord struct {
	PHP      PHPSection   `toml:"php"`
	Nginx    NginxSection `toml:"nginx"`
	Features FeatureFlags `toml:"features"`
}

// PHPSection identifies the selected PHP runtime.
type PHPSection struct {
	// Version is the package prefix, e.g. "php8.3".
	Version string `toml:"version" validate:"required"`

	// FPMService is the systemd unit, e.g. "php8.3-fpm".
	FPMService string `toml:"fpm_service" validate:"required"`

	// FPMSock is the FastCGI socket path.
	FPMSock string `toml:"fpm_sock" validate:"required"`
}

// NginxSection holds the routing tool's config directories.
type NginxSection struct {
	SitesAvailable string `toml:"sites_available" validate:"required"`
	SitesEnabled   string `toml:"sites_enabled" validate:"required"`
}

// FeatureFlags records which optional components were installed.
type FeatureFlags struct {
	MySQLInstalled    bool `toml:"mysql_installed"`
	PostgresInstalled bool `toml:"pqsql_installed"`
	SQLiteInstalled   bool `toml:"sqlite_installed"`
	CertbotInstalled  bool `toml:"certbot_installed"`
}

// NewServerRecord builds the record for a PHP version such as "8.3".
func NewServerRecord(phpVersion string, nginx NginxSection, features FeatureFlags) *ServerRecord {
	return &ServerRecord{
		PHP: PHPSection{
			Version:    "php" + phpVersion,
			FPMService: fmt.Sprintf("php%s-fpm", phpVersion),
			FPMSock:    fmt.Sprintf("/run/php/php%s-fpm.sock", phpVersion),
		},
		Nginx:    nginx,
		Features: features,
	}
}

// DomainEntry is one routable hostname of a site.
type DomainEntry struct {
	Name       string `toml:"name" validate:"required,fqdn"`
	IncludeWWW bool   `toml:"with_www"`
	TLSEnabled bool   `toml:"tls_enabled"`

	// Certificate paths are required once TLS is enabled.
	CertificatePath string `toml:"ssl_certificate" validate:"required_if=TLSEnabled true"`
	PrivateKeyPath  string `toml:"ssl_certificate_key" validate:"required_if=TLSEnabled true"`
}

// ServerNames returns the names the routing config answers to.
func (d DomainEntry) ServerNames() []string {
	if d.IncludeWWW {
		return []string{d.Name, "www." + d.Name}
	}
	return []string{d.Name}
}

// SiteRecord is the per-site record. The site name is also the Linux account.
type SiteRecord struct {
	SiteName    string `toml:"site_name" validate:"required,linuxuser"`
	SiteUser    string `toml:"site_user" validate:"required,linuxuser"`
	SiteRoot    string `toml:"site_root" validate:"required"`
	AppRoot     string `toml:"site_app_root" validate:"required"`
	WWWRoot     string `toml:"site_www_root" validate:"required"`
	LandingRoot string `toml:"site_landing_root" validate:"required"`
	RepoSSH     string `toml:"repo_ssh"`
	Branch      string `toml:"branch" validate:"required"`
	Email       string `toml:"email" validate:"omitempty,email"`
	Mode        Mode   `toml:"mode" validate:"required,oneof=landing app"`
	DBService   string `toml:"db_service" validate:"omitempty,oneof=mysql postgresql"`
	DBName      string `toml:"db_name"`
	DBOwnerUser string `toml:"db_owner_user"`

	Domains []DomainEntry `toml:"domains" validate:"unique=Name,dive"`
}

// NewSiteRecord builds a fresh site record in landing mode with no domains.
func NewSiteRecord(name, wwwRoot string) *SiteRecord {
	s := &SiteRecord{SiteName: name}
	s.applyDefaults(wwwRoot)
	return s
}

// applyDefaults fills empty fields with the standard layout under wwwRoot.
func (s *SiteRecord) applyDefaults(wwwRoot string) {
	if s.SiteUser == "" {
		s.SiteUser = s.SiteName
	}
	if s.SiteRoot == "" {
		s.SiteRoot = path.Join(wwwRoot, s.SiteName)
	}
	if s.AppRoot == "" {
		s.AppRoot = path.Join(s.SiteRoot, "_cherve", "app")
	}
	if s.LandingRoot == "" {
		s.LandingRoot = path.Join(s.SiteRoot, "_cherve", "landing")
	}
	if s.WWWRoot == "" {
		s.WWWRoot = path.Join(s.AppRoot, "public")
	}
	if s.Branch == "" {
		s.Branch = "main"
	}
	if s.Mode == "" {
		s.Mode = ModeLanding
	}
	if s.Domains == nil {
		s.Domains = []DomainEntry{}
	}
}

// HasDatabase reports whether database metadata is recorded.
func (s *SiteRecord) HasDatabase() bool {
	return s.DBService != "" && s.DBName != ""
}

// FindDomain returns the index of the named domain, or -1.
func (s *SiteRecord) FindDomain(name string) int {
	name = NormalizeDomain(name)
	for i, d := range s.Domains {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the record.
func (s *SiteRecord) Clone() *SiteRecord {
	c := *s
	c.Domains = append([]DomainEntry(nil), s.Domains...)
	return &c
}

// NormalizeDomain lowercases a hostname and strips surrounding space and a
// trailing dot.
func NormalizeDomain(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}
