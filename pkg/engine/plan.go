package engine

import "fmt"

// Package names probed after install to fill the server feature flags.
const (
	PackageMySQL      = "mysql-server"
	PackagePostgreSQL = "postgresql"
	PackageSQLite     = "sqlite3"
	PackageCertbot    = "certbot"
)

// phpExtensions are installed for every runtime version.
var phpExtensions = []string{
	"fpm", "cli", "common", "curl", "bcmath", "mbstring", "mysql",
	"zip", "xml", "soap", "gd", "imagick", "intl", "opcache",
}

// PHPLeaf builds the leaf for one PHP runtime version. Versions outside the
// distribution archive need the third-party repository first.
func PHPLeaf(version string, needsRepository bool) *Leaf {
	base := "php" + version
	pkgs := []string{base}
	for _, ext := range phpExtensions {
		pkgs = append(pkgs, fmt.Sprintf("%s-%s", base, ext))
	}
	leaf := &Leaf{
		Name:        base,
		Packages:    pkgs,
		Service:     base + "-fpm",
		OnSelect:    SelectPHPVersion(version),
		PostInstall: SetPHPVersion(version),
	}
	if needsRepository {
		leaf.PreInstall = AddPHPRepository
	}
	return leaf
}

// DefaultPlan returns the server install tree: base tooling, nginx, one PHP
// runtime and optional extras, in that order.
func DefaultPlan() []Node {
	base := &Group{
		Name: "base",
		Children: []Node{
			&Leaf{
				Name: "base-tools",
				Packages: []string{
					"software-properties-common", "curl", "wget", "nano", "zip",
					"unzip", "openssl", "expect", "ca-certificates", "gnupg",
					"lsb-release", "jq", "bc", "git", "openssh-client", "python3-pip",
				},
			},
			&Leaf{Name: "ufw", Packages: []string{"ufw"}, PostInstall: ConfigureFirewall},
			&Leaf{Name: "composer", Packages: []string{"composer"}},
		},
	}

	nginx := &Leaf{
		Name:        "nginx",
		Packages:    []string{"nginx"},
		Service:     "nginx",
		PostInstall: NginxBasics,
	}

	php := &Group{
		Name:  "php",
		OneOf: true,
		Children: []Node{
			PHPLeaf("8.3", false),
			PHPLeaf("8.4", true),
			PHPLeaf("8.2", true),
		},
	}

	optional := &Group{
		Name: "optional",
		Children: []Node{
			&Leaf{Name: "fail2ban", Packages: []string{"fail2ban"}, Default: Ask(true), PostInstall: ConfigureFail2ban},
			&Leaf{
				Name:        "clamav",
				Packages:    []string{"clamav", "clamav-daemon", "clamav-freshclam"},
				Default:     Ask(true),
				PostInstall: ConfigureClamAV,
			},
			&Leaf{Name: "mysql", Packages: []string{PackageMySQL}, Default: Ask(true), Service: "mysql"},
			&Leaf{Name: "supervisor", Packages: []string{"supervisor"}, Default: Ask(true)},
			&Leaf{Name: "certbot", Packages: []string{PackageCertbot, "python3-certbot-nginx"}, Default: Ask(true)},
			&Leaf{Name: "npm", Packages: []string{"npm"}, Default: Ask(false)},
			&Leaf{Name: "sqlite", Packages: []string{PackageSQLite}, Default: Ask(false)},
			&Leaf{Name: "pgsql", Packages: []string{PackagePostgreSQL}, Default: Ask(false), Service: "postgresql"},
		},
	}

	return []Node{base, nginx, php, optional}
}
