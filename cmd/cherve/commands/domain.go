package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDomainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Manage site domains",
	}
	cmd.AddCommand(newDomainAddCommand())
	return cmd
}

func newDomainAddCommand() *cobra.Command {
	var withWWW bool

	cmd := &cobra.Command{
		Use:   "add [site] [domain]",
		Short: "Attach a domain to a site",
		Long: `Attach a domain to a site and route it to the site's current mode.
The domain is recorded only after nginx accepted the new configuration.`,
		Example: `  sudo cherve domain add acme acme.example --www`,
		Args:    cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := start(cmd.Context(), "domain add", siteOptions)
			if err != nil {
				return err
			}
			args = optionalArgs(args, 2)
			name, err := inv.pickSite(args[:1])
			if err != nil {
				return inv.finish(err)
			}
			inv.begin(name)

			domain := args[1]
			if domain == "" {
				if domain, err = inv.prompter.PromptText("Domain", ""); err != nil {
					return inv.finish(err)
				}
			}
			if !cmd.Flags().Changed("www") {
				if withWWW, err = inv.prompter.PromptYesNo(fmt.Sprintf("Also serve www.%s?", domain), true); err != nil {
					return inv.finish(err)
				}
			}

			rec, err := inv.lifecycle().AttachDomain(inv.ctx, name, domain, withWWW)
			if err != nil {
				return inv.finish(err)
			}
			fmt.Printf("Domain %s attached to %s (serving %s)\n", domain, name, rec.Mode)
			return inv.finish(nil)
		},
	}

	cmd.Flags().BoolVar(&withWWW, "www", false, "also serve the www. name")

	return cmd
}
