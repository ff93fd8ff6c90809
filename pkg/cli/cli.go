package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/arenactf/instanced/pkg/repository"
	"github.com/arenactf/instanced/pkg/server"
	"github.com/arenactf/instanced/pkg/templates"
)

// Build information (injected at compile time via ldflags)
var Version = "dev"

var jsonOutput bool

var helpTemplate = `{{with .Long}}{{. | trim}}

{{end}}{{if .HasAvailableSubCommands}}` + `{{.CommandPath}}` + ` ` + `<command>` + `

{{end}}{{if .HasAvailableSubCommands}}Commands:
{{range .Commands}}{{if .IsAvailableCommand}}  {{rpad .Name .NamePadding }}  {{.Short}}
{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}
Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}
`

// NewRootCommand builds the instanced command tree
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "instanced",
		Short: "Per-team challenge instances for CTF platforms",
		Long: lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true).Render("instanced") + ` - Per-team challenge instances for CTF platforms

Provisions an isolated sandbox per (challenge, team), injects a unique flag,
and reclaims sandboxes once their lifetime runs out.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetHelpTemplate(helpTemplate)
	root.SetVersionTemplate(fmt.Sprintf("  %s version %s\n", BrandStyle.Render("instanced"), Version))
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newTemplatesCommand())
	root.AddCommand(newReapCommand())
	return root
}

// Execute runs the CLI
func Execute() error {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		newPrinter(os.Stderr, false).Error(err)
		return err
	}
	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background sweepers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := server.NewServer()
			if err != nil {
				return fmt.Errorf("error creating server: %w", err)
			}
			return s.Start()
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply postgres registry migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := server.LoadConfig()
			if err != nil {
				return err
			}

			backend, err := repository.NewPostgresBackend(config.Database.Postgres)
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := backend.RunMigrations(); err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout(), jsonOutput)
			if !p.JSON(map[string]bool{"migrated": true}) {
				p.Success("migrations applied")
			}
			return nil
		},
	}
}

func newTemplatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect challenge templates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Parse and validate a template directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			if len(args) == 1 {
				dir = args[0]
			} else {
				config, err := server.LoadConfig()
				if err != nil {
					return err
				}
				dir = config.Templates.Path
			}
			return validateTemplates(newPrinter(cmd.OutOrStdout(), jsonOutput), dir)
		},
	})
	return cmd
}

func validateTemplates(p *printer, dir string) error {
	catalog, err := templates.LoadDir(dir)
	if err != nil {
		return err
	}

	list := catalog.List()
	if p.JSON(list) {
		return nil
	}

	if len(list) == 0 {
		p.Warning(fmt.Sprintf("no templates found in %s", dir))
		return nil
	}

	p.Header(fmt.Sprintf("%d templates in %s", len(list), dir))
	table := NewTable("ID", "IMAGE", "PORT", "MAX", "LIFETIME")
	for _, tpl := range list {
		table.AddRow(tpl.ID, tpl.Image, strconv.Itoa(tpl.InternalPort), strconv.Itoa(tpl.MaxInstances), tpl.Lifetime().String())
	}
	table.Render(p.out)
	return nil
}

func newReapCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Run one expiry pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := server.LoadConfig()
			if err != nil {
				return err
			}

			s, err := server.NewServerWithConfig(config)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			stats, err := s.ExpiryReaper().Reap(ctx)
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout(), jsonOutput)
			if p.JSON(stats) {
				return nil
			}
			p.KeyValue("Stopped", strconv.Itoa(stats.Stopped))
			p.KeyValue("Failed", strconv.Itoa(stats.Failed))
			p.KeyValue("Orphans", strconv.Itoa(stats.Orphans))
			p.KeyValue("Errors", strconv.Itoa(stats.Errors))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Abort the pass after this long")
	return cmd
}
