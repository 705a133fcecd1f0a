package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cherve/cherve/pkg/config"
	"github.com/cherve/cherve/pkg/engine"
	"github.com/cherve/cherve/pkg/routing"
	"github.com/cherve/cherve/pkg/site"
	"github.com/cherve/cherve/pkg/sshkeys"
	"github.com/cherve/cherve/pkg/stores"
	"github.com/cherve/cherve/pkg/system"
	"github.com/cherve/cherve/pkg/telemetry"
)

// shutdownTimeout bounds trace flushing when a command exits.
const shutdownTimeout = 5 * time.Second

// invocation holds everything one command run needs.
type invocation struct {
	ctx     context.Context
	command string
	site    string
	runID   string
	started time.Time
	begun   bool

	settings  *config.Settings
	telemetry *telemetry.Telemetry
	store     *config.Store
	journal   *stores.Journal

	runner   *system.ExecRunner
	packages *system.Apt
	services *system.Systemd
	prompter engine.Prompter
}

type startOptions struct {
	// requireRoot rejects the command before anything is touched.
	requireRoot bool

	// journal opens the run journal.
	journal bool
}

// start loads settings, installs telemetry and opens the journal.
func start(ctx context.Context, command string, opts startOptions) (*invocation, error) {
	if opts.requireRoot {
		if err := system.RequireRoot(); err != nil {
			return nil, err
		}
	}

	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(settings))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.Logger.Install()

	runID := uuid.New().String()
	ctx = tel.Logger.WithRunID(runID).WithContext(tel.WithContext(ctx))

	runner := system.NewExecRunner()
	inv := &invocation{
		ctx:       ctx,
		command:   command,
		runID:     runID,
		started:   time.Now(),
		settings:  settings,
		telemetry: tel,
		store:     config.NewStore(settings),
		runner:    runner,
		packages:  system.NewApt(runner),
		services:  system.NewSystemd(runner),
		prompter:  system.NewStdioPrompter(),
	}
	tel.Metrics.RecordRunStarted(command)

	if opts.journal {
		inv.openJournal()
	}
	return inv, nil
}

// openJournal opens the run journal. A journal failure never blocks the
// command; it is reported and the run proceeds unrecorded.
func (inv *invocation) openJournal() {
	if err := os.MkdirAll(inv.settings.StateDir, 0755); err != nil {
		log.Warn().Err(err).Str("dir", inv.settings.StateDir).Msg("Run journal unavailable")
		return
	}
	j, err := stores.Open(inv.ctx, inv.settings.JournalPath())
	if err != nil {
		log.Warn().Err(err).Str("path", inv.settings.JournalPath()).Msg("Run journal unavailable")
		return
	}
	inv.journal = j
}

// begin records the run once the target site is known.
func (inv *invocation) begin(site string) {
	inv.site = site
	if inv.journal == nil {
		return
	}
	inv.begun = true
	if _, err := inv.journal.StartRun(inv.ctx, inv.runID, inv.command, site); err != nil {
		log.Warn().Err(err).Msg("Failed to journal run start")
	}
}

// finish records the outcome, flushes telemetry and returns err unchanged.
func (inv *invocation) finish(err error) error {
	status := engine.RunStatusSucceeded
	switch {
	case errors.Is(err, context.Canceled):
		status = engine.RunStatusCancelled
	case err != nil:
		status = engine.RunStatusFailed
	}

	if inv.journal != nil {
		if inv.begun {
			if ferr := inv.journal.FinishRun(context.Background(), inv.runID, status, err); ferr != nil {
				log.Warn().Err(ferr).Msg("Failed to journal run outcome")
			}
		}
		if cerr := inv.journal.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to close run journal")
		}
	}

	inv.telemetry.Metrics.RecordRunCompleted(inv.command, string(status), time.Since(inv.started))
	if err != nil {
		if ee, ok := engine.AsEngineError(err); ok {
			inv.telemetry.Metrics.RecordError(string(ee.Class), ee.Code)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := inv.telemetry.Shutdown(ctx, metricsName(inv.command)); serr != nil {
		log.Warn().Err(serr).Msg("Failed to flush telemetry")
	}
	return err
}

// recorder returns the journal as a step recorder, or nil when the journal
// is unavailable.
func (inv *invocation) recorder() engine.StepRecorder {
	if inv.journal == nil {
		return nil
	}
	return inv.journal
}

func (inv *invocation) auditor() site.Auditor {
	if inv.journal == nil {
		return nil
	}
	return inv.journal
}

// lifecycle wires the site operations to the host.
func (inv *invocation) lifecycle() *site.Lifecycle {
	metrics := inv.telemetry.Metrics
	return site.NewLifecycle(site.Options{
		Store:     inv.store,
		Runner:    inv.runner,
		Accounts:  system.NewAccounts(inv.runner),
		Databases: system.NewDatabases(inv.runner),
		Keys:      sshkeys.NewManager(inv.runner, inv.settings.HomeRoot),
		Certs:     system.NewCertbot(inv.runner, inv.settings.LetsEncryptLive),
		Publisher: routing.NewPublisher(inv.settings.Nginx(), inv.runner, inv.services, metrics),
		DNS:       system.NewDNSChecker(inv.settings.DNSResolver),
		Journal:   inv.recorder(),
		Auditor:   inv.auditor(),
		Metrics:   metrics,
		RunID:     inv.runID,
	})
}

// pickSite returns the named site, the only site, or asks for one.
func (inv *invocation) pickSite(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	names, err := inv.store.ListSites()
	if err != nil {
		return "", err
	}
	switch len(names) {
	case 0:
		return "", engine.NewNotFoundError("no sites configured, run `cherve site create` first")
	case 1:
		log.Info().Str("site", names[0]).Msg("Using the only configured site")
		return names[0], nil
	}
	return inv.prompter.PromptChoice("Select site", names, names[0])
}

// pickDomain returns the named domain, the only domain of rec, or asks.
func (inv *invocation) pickDomain(rec *config.SiteRecord, args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if len(rec.Domains) == 0 {
		return "", engine.NewPreconditionError(engine.ErrCodeNoDomains,
			fmt.Sprintf("site %s has no domains; attach one with `cherve domain add %s <domain>`", rec.SiteName, rec.SiteName))
	}
	names := make([]string, len(rec.Domains))
	for i, d := range rec.Domains {
		names[i] = d.Name
	}
	if len(names) == 1 {
		return names[0], nil
	}
	return inv.prompter.PromptChoice("Select domain", names, names[0])
}

func telemetryConfig(s *config.Settings) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = s.LogLevel
	cfg.Logging.Format = s.LogFormat
	if verbose && s.LogLevel == "info" {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Exporter = s.TraceExporter
	cfg.Tracing.Enabled = s.TraceExporter != "none"
	cfg.Tracing.Endpoint = s.OTLPEndpoint
	cfg.Metrics.TextfileDir = s.MetricsDir
	return cfg
}

// metricsName turns "site tls enable" into "site_tls_enable".
func metricsName(command string) string {
	return strings.ReplaceAll(command, " ", "_")
}

// optionalArgs returns the positional arguments, padded to n.
func optionalArgs(args []string, n int) []string {
	out := make([]string, n)
	copy(out, args)
	return out
}
