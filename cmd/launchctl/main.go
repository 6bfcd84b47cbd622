package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/splax/launchpad/pkg/api/client"
)

var buildVersion = "dev"

const requestTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(os.Stdin)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand.
type cli struct {
	apiOverride string
	stdin       io.Reader
}

func (c *cli) client() (*apiclient.Client, error) {
	base := strings.TrimSpace(c.apiOverride)
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		base = cfg.APIBaseURL
	}
	return apiclient.New(base)
}

func newRootCommand(stdin io.Reader) *cobra.Command {
	state := &cli{stdin: stdin}

	root := &cobra.Command{
		Use:           "launchctl",
		Short:         "Manage launchpad projects, builds and deployments",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&state.apiOverride, "api", "", "Control API base URL (overrides the saved config)")

	root.AddCommand(
		newConfigCommand(),
		newProjectCommand(state),
		newEnvCommand(state),
		newBuildCommand(state),
		newDeployCommand(state),
		&cobra.Command{
			Use:   "version",
			Short: "Print the CLI version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(buildVersion))
			},
		},
	)
	return root
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the saved CLI configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the saved configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "api_base_url\t%s\n", cfg.APIBaseURL)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set-api <url>",
			Short: "Save the control API base URL",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := apiclient.New(args[0]); err != nil {
					return err
				}
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				cfg.APIBaseURL = strings.TrimSpace(args[0])
				if err := saveConfig(cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "api base url set to %s\n", cfg.APIBaseURL)
				return nil
			},
		},
	)
	return cmd
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}
