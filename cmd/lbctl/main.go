// Command lbctl is a diagnostic CLI over ControlAPI: a pure HTTP
// client with no business logic of its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	password  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lbctl",
		Short: "Inspect and control a running lbproxy instance",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8188", "lbproxy base URL")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "P", "", "admin password (or set LBPROXY_ADMIN_PASSWORD)")

	rootCmd.AddCommand(backendsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(healthCheckCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func adminPassword() string {
	if password != "" {
		return password
	}
	return os.Getenv("LBPROXY_ADMIN_PASSWORD")
}
