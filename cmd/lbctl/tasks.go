package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and cancel in-flight jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every tracked job",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest("GET", "/lb/tasks")
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest("DELETE", fmt.Sprintf("/lb/tasks/%s", args[0]))
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	})
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pool-wide and per-backend stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest("GET", "/lb/stats")
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}
}

func healthCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Force an immediate probe of every backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest("POST", "/lb/health-check")
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}
}
