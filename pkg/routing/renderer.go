package routing

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/cherve/cherve/pkg/config"
)

//go:embed templates/site.conf.tmpl
var templateFS embed.FS

// ClientMaxBodySize is the upload limit written into every config.
const ClientMaxBodySize = "64M"

var siteTemplate = template.Must(template.ParseFS(templateFS, "templates/site.conf.tmpl"))

// templateData is the model passed to the site template.
type templateData struct {
	Site              string
	Domain            string
	Mode              config.Mode
	ServerNames       string
	Root              string
	App               bool
	FPMSock           string
	TLS               bool
	CertificatePath   string
	PrivateKeyPath    string
	ClientMaxBodySize string
}

// Render produces the routing config for one domain of site in mode.
// Landing mode serves the placeholder root; app mode serves the public root
// and hands PHP requests to the FPM socket from server.
func Render(mode config.Mode, domain config.DomainEntry, site *config.SiteRecord, server *config.ServerRecord) (string, error) {
	if err := mode.Validate(); err != nil {
		return "", err
	}
	if domain.Name == "" {
		return "", fmt.Errorf("domain name is required")
	}

	data := templateData{
		Site:              site.SiteName,
		Domain:            domain.Name,
		Mode:              mode,
		ServerNames:       strings.Join(domain.ServerNames(), " "),
		ClientMaxBodySize: ClientMaxBodySize,
	}

	switch mode {
	case config.ModeApp:
		if server == nil || server.PHP.FPMSock == "" {
			return "", fmt.Errorf("app mode for %s needs the PHP-FPM socket from the server record", domain.Name)
		}
		data.App = true
		data.Root = site.WWWRoot
		data.FPMSock = server.PHP.FPMSock
	default:
		data.Root = site.LandingRoot
	}

	if domain.TLSEnabled {
		if domain.CertificatePath == "" || domain.PrivateKeyPath == "" {
			return "", fmt.Errorf("domain %s has TLS enabled without certificate paths", domain.Name)
		}
		data.TLS = true
		data.CertificatePath = domain.CertificatePath
		data.PrivateKeyPath = domain.PrivateKeyPath
	}

	var buf bytes.Buffer
	if err := siteTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render config for %s: %w", domain.Name, err)
	}
	return strings.TrimRight(buf.String(), "\n") + "\n", nil
}
