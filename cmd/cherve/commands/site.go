package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cherve/cherve/pkg/config"
	"github.com/cherve/cherve/pkg/engine"
	"github.com/cherve/cherve/pkg/site"
)

// siteOptions are the start options of every site command.
var siteOptions = startOptions{requireRoot: true, journal: true}

func newSiteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Manage sites",
		Long: `Manage the sites hosted on this server.

A site is a Linux account with its own deploy key, application tree,
landing page and optional database. New sites serve the landing page
until they are activated.`,
	}

	cmd.AddCommand(newSiteCreateCommand())
	cmd.AddCommand(newSiteDeployCommand())
	cmd.AddCommand(newSiteModeCommand("activate", "Route every domain to the application", config.ModeApp))
	cmd.AddCommand(newSiteModeCommand("deactivate", "Route every domain back to the landing page", config.ModeLanding))
	cmd.AddCommand(newSiteTLSCommand())

	return cmd
}

func newSiteCreateCommand() *cobra.Command {
	var opts site.CreateOptions
	var database string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a site",
		Long: `Create the account, directories, deploy key and optional database of a
new site. The site starts in landing mode with no domains.

The deploy key and the database password are printed once. Add the key
to your git provider as a read-only deploy key before the first deploy.`,
		Example: `  # Interactive
  sudo cherve site create

  # Non-interactive
  sudo cherve site create --name acme --repo git@github.com:acme/app.git --db mysql`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := start(cmd.Context(), "site create", siteOptions)
			if err != nil {
				return err
			}
			if err := completeCreateOptions(inv, &opts, database, cmd.Flags().Changed("db")); err != nil {
				return inv.finish(err)
			}
			inv.begin(opts.Name)

			res, err := inv.lifecycle().Create(inv.ctx, opts)
			if err != nil {
				return inv.finish(err)
			}
			printCreateResult(res)
			return inv.finish(nil)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "site name, also the Linux account")
	cmd.Flags().StringVar(&opts.RepoSSH, "repo", "", "git repository SSH URL")
	cmd.Flags().StringVar(&opts.Branch, "branch", "main", "branch to deploy")
	cmd.Flags().StringVar(&opts.Email, "email", "", "contact email for certificates")
	cmd.Flags().StringVar(&database, "db", "", "database to provision: mysql, pgsql or none")

	return cmd
}

// completeCreateOptions asks for every value not given as a flag.
func completeCreateOptions(inv *invocation, opts *site.CreateOptions, database string, dbSet bool) error {
	var err error
	if opts.Name == "" {
		if opts.Name, err = inv.prompter.PromptText("Site name", ""); err != nil {
			return err
		}
	}
	if opts.RepoSSH == "" {
		if opts.RepoSSH, err = inv.prompter.PromptText("Repository SSH URL (empty to skip)", ""); err != nil {
			return err
		}
	}
	if opts.Email == "" {
		if opts.Email, err = inv.prompter.PromptText("Contact email (empty to skip)", ""); err != nil {
			return err
		}
	}

	if !dbSet {
		choices := databaseChoices(inv)
		if len(choices) > 1 {
			if database, err = inv.prompter.PromptChoice("Database", choices, "none"); err != nil {
				return err
			}
		}
	}
	opts.Database, err = parseDatabase(database)
	return err
}

// databaseChoices lists the engines installed according to the server record.
func databaseChoices(inv *invocation) []string {
	choices := []string{"none"}
	rec, err := inv.store.LoadServer(inv.ctx)
	if err != nil {
		log.Debug().Err(err).Msg("No server record, offering no database")
		return choices
	}
	if rec.Features.MySQLInstalled {
		choices = append(choices, "mysql")
	}
	if rec.Features.PostgresInstalled {
		choices = append(choices, "pgsql")
	}
	return choices
}

func parseDatabase(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return "", nil
	case "mysql":
		return engine.DatabaseMySQL, nil
	case "pgsql", "postgres", "postgresql":
		return engine.DatabasePostgreSQL, nil
	default:
		return "", engine.NewPreconditionError(engine.ErrCodeInvalidInput,
			fmt.Sprintf("unsupported database %q: use mysql, pgsql or none", s))
	}
}

func printCreateResult(res *site.CreateResult) {
	rec := res.Site
	fmt.Printf("Site %s created (mode %s)\n", rec.SiteName, rec.Mode)
	fmt.Printf("  app root:     %s\n", rec.AppRoot)
	fmt.Printf("  landing root: %s\n", rec.LandingRoot)

	if res.DeployKey != nil {
		fmt.Println()
		fmt.Println("Add this deploy key (read-only) to your git provider:")
		fmt.Println()
		fmt.Println("  " + strings.TrimSpace(res.DeployKey.PublicKey))
	}
	if res.DBPassword != "" {
		fmt.Println()
		fmt.Printf("Database %s (%s), owner %s\n", rec.DBName, rec.DBService, rec.DBOwnerUser)
		fmt.Printf("  password: %s\n", res.DBPassword)
		fmt.Println("  This password is not stored by cherve. Put it in the site's .env as DB_PASSWORD.")
	}
	for _, w := range res.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}

	fmt.Println()
	fmt.Printf("Next: cherve site deploy %s, then cherve domain add %s <domain>\n", rec.SiteName, rec.SiteName)
}

func newSiteDeployCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy [site]",
		Short: "Deploy the application code",
		Long: `Clone or update the site's repository, productionize its .env file and
run composer and artisan steps when present. Routing is not changed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := start(cmd.Context(), "site deploy", siteOptions)
			if err != nil {
				return err
			}
			name, err := inv.pickSite(args)
			if err != nil {
				return inv.finish(err)
			}
			inv.begin(name)

			out, err := inv.lifecycle().Deploy(inv.ctx, name)
			if err != nil {
				return inv.finish(err)
			}
			action := "updated"
			if out.Cloned {
				action = "cloned"
			}
			fmt.Printf("Site %s deployed (repository %s)\n", name, action)
			if out.Env != nil {
				if out.Env.Created {
					fmt.Printf("  .env created from %s\n", out.Env.Template)
				}
				if out.Env.Changed() {
					fmt.Printf("  .env keys set: %s\n", strings.Join(append(out.Env.Replaced, out.Env.Appended...), ", "))
				}
			}
			return inv.finish(nil)
		},
	}
}

func newSiteModeCommand(use, short string, mode config.Mode) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [site]",
		Short: short,
		Long: short + `.

Every domain is re-rendered and validated. The recorded mode changes only
when all domains were published.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := start(cmd.Context(), "site "+use, siteOptions)
			if err != nil {
				return err
			}
			name, err := inv.pickSite(args)
			if err != nil {
				return inv.finish(err)
			}
			inv.begin(name)

			lc := inv.lifecycle()
			var rec *config.SiteRecord
			if mode == config.ModeApp {
				rec, err = lc.Activate(inv.ctx, name)
			} else {
				rec, err = lc.Deactivate(inv.ctx, name)
			}
			if err != nil {
				return inv.finish(err)
			}
			fmt.Printf("Site %s is now in %s mode (%d domain(s))\n", name, rec.Mode, len(rec.Domains))
			return inv.finish(nil)
		},
	}
}

func newSiteTLSCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tls",
		Short: "Manage certificates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "enable [site] [domain]",
		Short: "Obtain a certificate and serve a domain over HTTPS",
		Long: `Request a certificate for the domain (and www when attached with it),
then route the domain over HTTPS with a redirect from plain HTTP.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := start(cmd.Context(), "site tls enable", siteOptions)
			if err != nil {
				return err
			}
			args = optionalArgs(args, 2)
			name, err := inv.pickSite(args[:1])
			if err != nil {
				return inv.finish(err)
			}
			inv.begin(name)

			rec, err := inv.store.LoadSite(inv.ctx, name)
			if err != nil {
				return inv.finish(err)
			}
			domain, err := inv.pickDomain(rec, args[1:])
			if err != nil {
				return inv.finish(err)
			}

			out, err := inv.lifecycle().EnableTLS(inv.ctx, name, domain)
			if err != nil {
				return inv.finish(err)
			}
			for _, w := range out.Warnings {
				fmt.Printf("Warning: %s\n", w)
			}
			fmt.Printf("TLS enabled for %s (certificate %s)\n", domain, out.Certificate.CertPath)
			return inv.finish(nil)
		},
	})
	return cmd
}
