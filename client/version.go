package main

import (
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number of Nimbus",

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("nimbus version %s (%s)\n", version, shortCommit(commit))

		status, err := client.Status(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("server version %s (%s)\n", status.Server.Version, shortCommit(status.Server.Commit))
		return nil
	},
}

func shortCommit(commit string) string {
	return commit[:min(len(commit), 7)]
}
