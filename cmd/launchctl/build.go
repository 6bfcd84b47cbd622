package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/ws"
	apiclient "github.com/splax/launchpad/pkg/api/client"
)

func newBuildCommand(state *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Trigger and inspect builds",
	}
	cmd.AddCommand(
		newBuildTriggerCommand(state),
		newBuildListCommand(state),
		&cobra.Command{
			Use:   "get <build-id>",
			Short: "Show a build",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := state.client()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				b, err := client.GetBuild(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "id\t%s\nproject\t%s\nstatus\t%s\ncreated\t%s\ncompleted\t%s\n",
					b.ID, b.ProjectID, b.Status, formatTime(&b.CreatedAt), formatTime(b.CompletedAt))
				return nil
			},
		},
		newBuildLogsCommand(state),
	)
	return cmd
}

func newBuildTriggerCommand(state *cli) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "trigger <project-id>",
		Short: "Start a build for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := state.client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			b, err := client.TriggerBuild(ctx, args[0])
			cancel()
			if err != nil {
				if b.ID != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "build %s status=%s\n", b.ID, b.Status)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "build triggered: %s status=%s\n", b.ID, b.Status)
			if !follow {
				return nil
			}
			return followBuild(cmd.Context(), client, b, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream build logs until the build finishes")
	return cmd
}

func newBuildListCommand(state *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List recent builds of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := state.client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			builds, err := client.ListBuilds(ctx, args[0], limit)
			if err != nil {
				return err
			}
			for _, b := range builds {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", b.ID, b.Status, formatTime(&b.CreatedAt))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of builds")
	return cmd
}

func newBuildLogsCommand(state *cli) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <build-id>",
		Short: "Print build logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := state.client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			b, err := client.GetBuild(ctx, args[0])
			cancel()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), b.Logs)
			if !follow || b.Status.Terminal() {
				return nil
			}
			return followBuild(cmd.Context(), client, b, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming until the build finishes")
	return cmd
}

// followBuild prints live log chunks for b until it reaches a terminal status.
// Chunks appended between the initial fetch and the subscription are not replayed.
func followBuild(ctx context.Context, client *apiclient.Client, b domain.Build, out io.Writer) error {
	var final domain.BuildStatus
	err := client.Watch(ctx, b.ProjectID, func(e ws.Event) bool {
		if e.BuildID != b.ID {
			return true
		}
		switch e.Type {
		case ws.EventBuildLog:
			fmt.Fprint(out, e.Logs)
		case ws.EventBuildStatus:
			status := domain.BuildStatus(e.Status)
			if status.Terminal() {
				final = status
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	if final != "" {
		fmt.Fprintf(out, "build %s finished: %s\n", b.ID, final)
	}
	if final == domain.BuildFailed {
		return fmt.Errorf("build %s failed", b.ID)
	}
	return nil
}
