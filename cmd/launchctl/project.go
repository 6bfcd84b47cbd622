package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/splax/launchpad/pkg/api/client"
)

func newProjectCommand(state *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Register and inspect projects",
	}
	cmd.AddCommand(
		newProjectCreateCommand(state),
		&cobra.Command{
			Use:   "list",
			Short: "List registered projects",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := state.client()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				projects, err := client.ListProjects(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, p := range projects {
					fmt.Fprintf(out, "%s\t%s\t%d\t%s\t%s\n", p.ID, p.Name, p.Port, p.RuntimeKind, p.RepoURL)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <project-id>",
			Short: "Show a project and its active deployment",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := state.client()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				p, err := client.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "id\t%s\nname\t%s\nrepo\t%s\nport\t%d\nruntime\t%s\n", p.ID, p.Name, p.RepoURL, p.Port, p.RuntimeKind)
				if p.Subdomain != "" {
					fmt.Fprintf(out, "subdomain\t%s\n", p.Subdomain)
				}
				active, err := client.ActiveDeployment(ctx, p.ID)
				switch {
				case apiclient.IsNotFound(err):
					fmt.Fprintln(out, "active\t-")
				case err != nil:
					return err
				default:
					fmt.Fprintf(out, "active\t%s (build %s)\n", active.ID, active.BuildID)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <project-id>",
			Short: "Stop a project and remove its builds, deployments and artifacts",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := state.client()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				if err := client.DeleteProject(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "project deleted")
				return nil
			},
		},
	)
	return cmd
}

func newProjectCreateCommand(state *cli) *cobra.Command {
	var input apiclient.CreateProjectInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(input.Name) == "" {
				return errors.New("--name is required")
			}
			if strings.TrimSpace(input.RepoURL) == "" {
				return errors.New("--repo is required")
			}
			if strings.TrimSpace(input.BuildCommand) == "" {
				return errors.New("--build is required")
			}
			client, err := state.client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			p, err := client.CreateProject(ctx, input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project created: %s (%s) port=%d\n", p.ID, p.Name, p.Port)
			return nil
		},
	}
	cmd.Flags().StringVar(&input.Name, "name", "", "Project name")
	cmd.Flags().StringVar(&input.RepoURL, "repo", "", "Repository URL")
	cmd.Flags().StringVar(&input.Branch, "branch", "", "Branch to build (default: repository default)")
	cmd.Flags().StringVar(&input.RootDirectory, "root", "", "Subdirectory containing the app")
	cmd.Flags().StringVar(&input.BuildCommand, "build", "", "Build command")
	cmd.Flags().StringVar(&input.RuntimeKind, "runtime", "server", "Runtime kind (server|static)")
	cmd.Flags().StringVar(&input.Subdomain, "subdomain", "", "Public subdomain")
	return cmd
}

func newEnvCommand(state *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage project environment variables",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <project-id>",
			Short: "List environment variable names",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := state.client()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				keys, err := client.EnvKeys(ctx, args[0])
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <project-id> <key> [value]",
			Short: "Set an environment variable; the value is prompted for when omitted",
			Args:  cobra.RangeArgs(2, 3),
			RunE: func(cmd *cobra.Command, args []string) error {
				var value string
				if len(args) == 3 {
					value = args[2]
				} else {
					v, err := readSecret(state.stdin, cmd.ErrOrStderr(), args[1])
					if err != nil {
						return err
					}
					value = v
				}
				client, err := state.client()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				if err := client.SetEnvVar(ctx, args[0], args[1], value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s stored\n", args[1])
				return nil
			},
		},
	)
	return cmd
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret(in io.Reader, prompt io.Writer, key string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(prompt, "Value for %s: ", key)
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
