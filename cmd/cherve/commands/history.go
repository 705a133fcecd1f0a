package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cherve/cherve/pkg/engine"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit int
		runID string
		prune time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [site]",
		Short: "Show recent runs from the journal",
		Example: `  # Last 20 runs
  cherve history

  # Runs touching one site
  cherve history acme

  # Steps of one run
  cherve history --run 3f1c...

  # Drop runs older than 90 days
  sudo cherve history --prune 2160h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := start(cmd.Context(), "history", startOptions{requireRoot: prune > 0, journal: true})
			if err != nil {
				return err
			}
			if inv.journal == nil {
				return inv.finish(engine.NewNotFoundError("run journal %s is not available", inv.settings.JournalPath()))
			}

			switch {
			case prune > 0:
				n, err := inv.journal.Prune(inv.ctx, time.Now().Add(-prune))
				if err != nil {
					return inv.finish(err)
				}
				fmt.Printf("Pruned %d run(s)\n", n)
			case runID != "":
				err = printSteps(inv, runID)
			default:
				site := ""
				if len(args) > 0 {
					site = args[0]
				}
				err = printRuns(inv, site, limit)
			}
			return inv.finish(err)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "show the steps of one run")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete runs older than this")

	return cmd
}

func printRuns(inv *invocation, site string, limit int) error {
	runs, err := inv.journal.ListRuns(inv.ctx, site, limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tCOMMAND\tSITE\tSTATUS\tDURATION\tRUN")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Command, r.Site, r.Status,
			r.Duration().Round(time.Millisecond), r.ID)
	}
	return w.Flush()
}

func printSteps(inv *invocation, runID string) error {
	run, err := inv.journal.GetRun(inv.ctx, runID)
	if err != nil {
		return err
	}
	steps, err := inv.journal.Steps(inv.ctx, runID)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s (%s)\n", run.Command, run.Site, run.Status)
	if run.Error != nil {
		fmt.Printf("error: %s\n", *run.Error)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tDURATION\tDETAIL")
	for _, s := range steps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.Name, s.Status, time.Duration(s.DurationMS)*time.Millisecond, engine.Tail(s.Detail, 120))
	}
	return w.Flush()
}
