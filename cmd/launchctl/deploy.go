package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeployCommand(state *cli) *cobra.Command {
	var limit int
	list := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List deployments of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := state.client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			deps, err := client.ListDeployments(ctx, args[0], limit)
			if err != nil {
				return err
			}
			for _, d := range deps {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", d.ID, d.BuildID, d.Status, formatTime(&d.UpdatedAt))
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 5, "Maximum number of deployments")

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Activate, stop and inspect deployments",
	}
	cmd.AddCommand(
		list,
		&cobra.Command{
			Use:   "activate <build-id>",
			Short: "Deploy a successful build, replacing the active deployment",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := state.client()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				dep, err := client.ActivateBuild(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deployment %s status=%s\n", dep.ID, dep.Status)
				return nil
			},
		},
		&cobra.Command{
			Use:   "stop <project-id>",
			Short: "Stop the active deployment of a project",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := state.client()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				dep, err := client.StopProject(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deployment %s stopped\n", dep.ID)
				return nil
			},
		},
	)
	return cmd
}
