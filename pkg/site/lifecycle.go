// Package site implements the per-site lifecycle: account and record
// creation, code deployment, domain routing and certificates.
//
// A site starts in landing mode with no domains. Attaching a domain routes
// it to the site's current mode; activation and deactivation re-route every
// domain and persist the new mode only when all of them succeeded. Deploy
// never touches routing or certificates.
package site

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cherve/cherve/pkg/config"
	"github.com/cherve/cherve/pkg/engine"
	"github.com/cherve/cherve/pkg/stores"
	"github.com/cherve/cherve/pkg/telemetry"
)

// DefaultGitHost is trusted when a site has no parseable repository URL.
const DefaultGitHost = "github.com"

// Publisher installs and removes per-domain routing configs.
type Publisher interface {
	Publish(ctx context.Context, domain, text string) error
	Unpublish(ctx context.Context, domain string) error
}

// DNSChecker reports names that do not point at this host.
type DNSChecker interface {
	Check(ctx context.Context, names []string) []string
}

// Auditor records mutations of persisted records.
type Auditor interface {
	Audit(ctx context.Context, entry *stores.AuditEntry) error
}

// Options wires a Lifecycle to its collaborators. DNS, Journal, Auditor and
// Metrics are optional.
type Options struct {
	Store     *config.Store
	Runner    engine.Runner
	Accounts  engine.Accounts
	Databases engine.Databases
	Keys      engine.DeployKeys
	Certs     engine.CertIssuer
	Publisher Publisher

	DNS     DNSChecker
	Journal engine.StepRecorder
	Auditor Auditor
	Metrics *telemetry.Metrics

	// RunID ties journaled steps and audit rows to the current command.
	RunID string
}

// Lifecycle performs site operations.
type Lifecycle struct {
	store     *config.Store
	runner    engine.Runner
	accounts  engine.Accounts
	databases engine.Databases
	keys      engine.DeployKeys
	certs     engine.CertIssuer
	publisher Publisher
	dns       DNSChecker
	journal   engine.StepRecorder
	auditor   Auditor
	metrics   *telemetry.Metrics
	runID     string
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(opts Options) *Lifecycle {
	return &Lifecycle{
		store:     opts.Store,
		runner:    opts.Runner,
		accounts:  opts.Accounts,
		databases: opts.Databases,
		keys:      opts.Keys,
		certs:     opts.Certs,
		publisher: opts.Publisher,
		dns:       opts.DNS,
		journal:   opts.Journal,
		auditor:   opts.Auditor,
		metrics:   opts.Metrics,
		runID:     opts.RunID,
	}
}

// step runs fn as one instrumented, journaled step of site.
func (l *Lifecycle) step(ctx context.Context, site, name string, fn func(ctx context.Context) error) error {
	op := telemetry.StartOperation(ctx, "site", name,
		telemetry.AttrSite.String(site), attribute.String("run.id", l.runID))
	err := fn(op.Ctx)
	d := op.End(err)

	status := engine.StepStatusSucceeded
	detail := ""
	if err != nil {
		status = engine.StepStatusFailed
		detail = err.Error()
		if ee, ok := engine.AsEngineError(err); ok {
			l.metrics.RecordError(string(ee.Class), ee.Code)
		}
	}
	l.recordStep(ctx, engine.StepRecord{Name: site + "/" + name, Status: status, Duration: d, Detail: detail})

	if err != nil {
		return stepFailure(name, err)
	}
	return nil
}

func (l *Lifecycle) recordStep(ctx context.Context, rec engine.StepRecord) {
	if l.journal == nil || l.runID == "" {
		return
	}
	if err := l.journal.RecordStep(ctx, l.runID, rec); err != nil {
		log.Warn().Err(err).Str("step", rec.Name).Msg("Failed to journal step")
	}
}

func (l *Lifecycle) audit(ctx context.Context, entity, id, action, detail string) {
	if l.auditor == nil {
		return
	}
	entry := &stores.AuditEntry{Entity: entity, EntityID: id, Action: action, Detail: detail}
	if l.runID != "" {
		runID := l.runID
		entry.RunID = &runID
	}
	if err := l.auditor.Audit(ctx, entry); err != nil {
		log.Warn().Err(err).Str("entity", entity).Str("id", id).Msg("Failed to write audit entry")
	}
}

// stepFailure attaches the failing step to err.
func stepFailure(step string, err error) error {
	if ee, ok := engine.AsEngineError(err); ok {
		if ee.Step == "" {
			ee.WithStep(step)
		}
		return err
	}
	return fmt.Errorf("step %s: %w", step, err)
}

// server loads the server record. Landing mode tolerates a missing record;
// app mode needs the PHP socket from it.
func (l *Lifecycle) server(ctx context.Context, mode config.Mode) (*config.ServerRecord, error) {
	rec, err := l.store.LoadServer(ctx)
	if err != nil {
		if engine.IsNotFound(err) && mode == config.ModeLanding {
			return nil, nil
		}
		if engine.IsNotFound(err) {
			return nil, engine.NewNotFoundError("server record not found, run `cherve server install` first")
		}
		return nil, err
	}
	return rec, nil
}

// publishDomain renders and publishes one domain of rec in mode.
func (l *Lifecycle) publishDomain(ctx context.Context, rec *config.SiteRecord, domain config.DomainEntry, mode config.Mode, server *config.ServerRecord) error {
	return l.step(ctx, rec.SiteName, "publish "+domain.Name, func(ctx context.Context) error {
		text, err := routingRender(mode, domain, rec, server)
		if err != nil {
			return err
		}
		return l.publisher.Publish(ctx, domain.Name, text)
	})
}

func since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
