package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func backendsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Inspect and toggle worker backends",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every registered backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest("GET", "/lb/backends")
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "enable <name>",
		Short: "Enable a backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest("POST", fmt.Sprintf("/lb/backends/%s/enable", args[0]))
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disable <name>",
		Short: "Disable a backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest("POST", fmt.Sprintf("/lb/backends/%s/disable", args[0]))
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	})
	return cmd
}
