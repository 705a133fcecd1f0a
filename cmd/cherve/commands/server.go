package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cherve/cherve/pkg/config"
	"github.com/cherve/cherve/pkg/engine"
	"github.com/cherve/cherve/pkg/stores"
	"github.com/cherve/cherve/pkg/system"
)

func newServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Prepare the host",
	}
	cmd.AddCommand(newServerInstallCommand())
	return cmd
}

func newServerInstallCommand() *cobra.Command {
	var (
		answersFile string
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the web stack",
		Long: `Install base tooling, nginx, one PHP runtime and optional extras.

Every optional component is asked about first; installation starts only
after all questions are answered. Components whose packages are already
present are left alone, so the command is safe to re-run.`,
		Example: `  # Interactive install
  sudo cherve server install

  # Unattended install from an answers file
  sudo cherve server install --answers answers.yaml

  # Show what would be installed
  sudo cherve server install --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := start(cmd.Context(), "server install", startOptions{requireRoot: true, journal: true})
			if err != nil {
				return err
			}
			if answersFile != "" {
				answers, err := system.LoadAnswers(answersFile)
				if err != nil {
					return inv.finish(err)
				}
				inv.prompter = answers
			}
			inv.begin("")
			return inv.finish(runServerInstall(inv, dryRun))
		},
	}

	cmd.Flags().StringVar(&answersFile, "answers", "", "YAML file answering the install questions")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "select components and report missing packages without installing")

	return cmd
}

func runServerInstall(inv *invocation, dryRun bool) error {
	ctx := inv.ctx
	eng := engine.NewEngine(engine.Options{
		Prompter: inv.prompter,
		Metrics:  inv.telemetry.Metrics,
		Tracer:   inv.telemetry.Tracer,
		Journal:  inv.recorder(),
	})

	ic := &engine.InstallContext{
		RunID:    inv.runID,
		DryRun:   dryRun,
		Verbose:  verbose,
		Runner:   inv.runner,
		Packages: inv.packages,
		Services: inv.services,
	}

	report, err := eng.Execute(ctx, engine.DefaultPlan(), ic)
	if report != nil {
		printReport(report)
	}
	if err != nil {
		return err
	}
	if dryRun {
		return nil
	}

	if ic.PHPVersion == "" {
		return engine.NewPreconditionError(engine.ErrCodeInvalidInput, "no PHP runtime was selected")
	}
	features, err := probeFeatures(ctx, inv.packages)
	if err != nil {
		return err
	}

	rec := config.NewServerRecord(ic.PHPVersion, inv.settings.Nginx(), features)
	if err := inv.store.SaveServer(ctx, rec); err != nil {
		return err
	}
	if inv.journal != nil {
		runID := inv.runID
		entry := &stores.AuditEntry{
			RunID:    &runID,
			Entity:   stores.EntityServer,
			EntityID: "server",
			Action:   "install",
			Detail:   fmt.Sprintf("php=%s selected=%v", rec.PHP.Version, ic.Selected),
		}
		if err := inv.journal.Audit(ctx, entry); err != nil {
			log.Warn().Err(err).Msg("Failed to write audit entry")
		}
	}

	log.Info().
		Str("php", rec.PHP.Version).
		Str("path", inv.settings.ServerPath()).
		Msg("Server record written")
	return nil
}

// probeFeatures records which optional components are present after install.
func probeFeatures(ctx context.Context, packages engine.Packages) (config.FeatureFlags, error) {
	var flags config.FeatureFlags
	probes := []struct {
		pkg  string
		flag *bool
	}{
		{engine.PackageMySQL, &flags.MySQLInstalled},
		{engine.PackagePostgreSQL, &flags.PostgresInstalled},
		{engine.PackageSQLite, &flags.SQLiteInstalled},
		{engine.PackageCertbot, &flags.CertbotInstalled},
	}
	for _, p := range probes {
		ok, err := packages.Installed(ctx, p.pkg)
		if err != nil {
			return flags, fmt.Errorf("probe %s: %w", p.pkg, err)
		}
		*p.flag = ok
	}
	return flags, nil
}

func printReport(report *engine.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tSTATUS\tDETAIL")
	for _, l := range report.Leaves {
		detail := ""
		switch {
		case l.Err != nil:
			detail = l.Err.Error()
		case len(l.Missing) > 0:
			detail = fmt.Sprintf("%d package(s): %v", len(l.Missing), l.Missing)
		}
		if len(l.Warnings) > 0 {
			detail += fmt.Sprintf(" warnings: %v", l.Warnings)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", l.Name, l.Status, detail)
	}
	_ = w.Flush()
}
