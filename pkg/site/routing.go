package site

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cherve/cherve/pkg/config"
	"github.com/cherve/cherve/pkg/engine"
	"github.com/cherve/cherve/pkg/routing"
	"github.com/cherve/cherve/pkg/stores"
	"github.com/cherve/cherve/pkg/telemetry"
)

// routingRender is swapped in tests to simulate render failures.
var routingRender = routing.Render

// AttachDomain adds domain to the site and routes it to the site's current
// mode. The record is only persisted once the config is live.
func (l *Lifecycle) AttachDomain(ctx context.Context, name, domain string, includeWWW bool) (*config.SiteRecord, error) {
	domain = config.NormalizeDomain(domain)
	if !config.ValidDomain(domain) {
		return nil, engine.NewPreconditionError(engine.ErrCodeInvalidInput,
			fmt.Sprintf("invalid domain %q", domain))
	}

	rec, err := l.store.LoadSite(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec.FindDomain(domain) >= 0 {
		return nil, engine.NewDuplicateDomainError(name, domain)
	}
	if owner, err := l.domainOwner(ctx, domain); err != nil {
		return nil, err
	} else if owner != "" {
		return nil, engine.NewDuplicateDomainError(owner, domain).
			WithDetail("requested_site", name)
	}

	server, err := l.server(ctx, rec.Mode)
	if err != nil {
		return nil, err
	}

	logger := telemetry.FromContext(ctx).WithSite(name).WithDomain(domain)
	entry := config.DomainEntry{Name: domain, IncludeWWW: includeWWW}
	if err := l.publishDomain(ctx, rec, entry, rec.Mode, server); err != nil {
		return nil, err
	}

	updated := rec.Clone()
	updated.Domains = append(updated.Domains, entry)
	if err := l.store.SaveSite(ctx, updated); err != nil {
		if uerr := l.publisher.Unpublish(ctx, domain); uerr != nil {
			logger.WithError(uerr).Error("Failed to withdraw routing config after save failure")
		}
		return nil, err
	}

	l.audit(ctx, stores.EntityDomain, domain, "attach", fmt.Sprintf("site=%s with_www=%t", name, includeWWW))
	logger.WithField("mode", string(rec.Mode)).Info("Domain attached")
	return updated, nil
}

// domainOwner returns the other site that already carries domain, if any.
func (l *Lifecycle) domainOwner(ctx context.Context, domain string) (string, error) {
	names, err := l.store.ListSites()
	if err != nil {
		return "", err
	}
	for _, n := range names {
		other, err := l.store.LoadSite(ctx, n)
		if err != nil {
			log.Warn().Err(err).Str("site", n).Msg("Skipping unreadable site record")
			continue
		}
		if other.FindDomain(domain) >= 0 {
			return n, nil
		}
	}
	return "", nil
}

// Activate routes every domain of the site to the application.
func (l *Lifecycle) Activate(ctx context.Context, name string) (*config.SiteRecord, error) {
	return l.switchMode(ctx, name, config.ModeApp)
}

// Deactivate routes every domain of the site back to the landing page.
func (l *Lifecycle) Deactivate(ctx context.Context, name string) (*config.SiteRecord, error) {
	return l.switchMode(ctx, name, config.ModeLanding)
}

// switchMode publishes every domain in mode and persists mode only when all
// of them succeeded. Domains published before a failure stay published.
func (l *Lifecycle) switchMode(ctx context.Context, name string, mode config.Mode) (*config.SiteRecord, error) {
	rec, err := l.store.LoadSite(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(rec.Domains) == 0 {
		return nil, engine.NewPreconditionError(engine.ErrCodeNoDomains,
			fmt.Sprintf("site %s has no domains; attach one with `cherve domain add %s <domain>`", name, name))
	}

	server, err := l.server(ctx, mode)
	if err != nil {
		return nil, err
	}

	for _, d := range rec.Domains {
		if err := l.publishDomain(ctx, rec, d, mode, server); err != nil {
			log.Warn().Str("site", name).Str("domain", d.Name).Str("mode", string(rec.Mode)).
				Msg("Mode switch aborted, recorded mode unchanged")
			return nil, err
		}
	}

	previous := rec.Mode
	updated := rec.Clone()
	updated.Mode = mode
	if err := l.store.SaveSite(ctx, updated); err != nil {
		return nil, err
	}

	l.metrics.SetSiteMode(name, mode == config.ModeApp)
	l.audit(ctx, stores.EntitySite, name, "mode", fmt.Sprintf("%s->%s", previous, mode))
	log.Info().Str("site", name).Str("mode", string(mode)).Int("domains", len(rec.Domains)).Msg("Site mode switched")
	return updated, nil
}

// TLSOutcome reports advisory findings of EnableTLS.
type TLSOutcome struct {
	Site        *config.SiteRecord
	Certificate *engine.Certificate
	Warnings    []string
}

// EnableTLS obtains a certificate for domain (and its www name when
// included), then re-routes the domain with HTTPS and a plaintext redirect.
// A failed issuance leaves the record untouched.
func (l *Lifecycle) EnableTLS(ctx context.Context, name, domain string) (*TLSOutcome, error) {
	domain = config.NormalizeDomain(domain)
	rec, err := l.store.LoadSite(ctx, name)
	if err != nil {
		return nil, err
	}
	idx := rec.FindDomain(domain)
	if idx < 0 {
		return nil, engine.NewUnknownDomainError(name, domain)
	}
	entry := rec.Domains[idx]
	outcome := &TLSOutcome{}
	logger := telemetry.FromContext(ctx).WithSite(name).WithDomain(domain)

	if l.dns != nil {
		outcome.Warnings = l.dns.Check(ctx, entry.ServerNames())
		for _, w := range outcome.Warnings {
			logger.Warn(w)
		}
	}

	req := engine.CertRequest{Domain: entry.Name, Email: rec.Email}
	if entry.IncludeWWW {
		req.AltNames = []string{"www." + entry.Name}
	}

	var cert *engine.Certificate
	err = l.step(ctx, name, "certificate "+domain, func(ctx context.Context) error {
		var err error
		cert, err = l.certs.Issue(ctx, req)
		return err
	})
	l.metrics.RecordCertificate(err == nil)
	if err != nil {
		return nil, err
	}
	outcome.Certificate = cert

	server, err := l.server(ctx, rec.Mode)
	if err != nil {
		return nil, err
	}

	updated := rec.Clone()
	updated.Domains[idx].TLSEnabled = true
	updated.Domains[idx].CertificatePath = cert.CertPath
	updated.Domains[idx].PrivateKeyPath = cert.KeyPath

	if err := l.publishDomain(ctx, updated, updated.Domains[idx], updated.Mode, server); err != nil {
		return nil, err
	}
	if err := l.store.SaveSite(ctx, updated); err != nil {
		return nil, err
	}

	outcome.Site = updated
	l.audit(ctx, stores.EntityDomain, domain, "tls", "cert="+cert.CertPath)
	logger.WithField("certificate", cert.CertPath).Info("TLS enabled")
	return outcome, nil
}
