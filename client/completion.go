package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion (bash|zsh|fish)",
	Short: "Generate shell completion scripts for the nimbus CLI",
	Long: `Generate a completion script for the nimbus CLI and print it on stdout.

Completion covers every nimbus sub-command and flag: status, top, templates,
demand, provision, release, reset and version, together with the connection
flags such as --remote and --ssh-tunneling. The server is never contacted.`,
	Example: `  # Load completions in the current bash session
  source <(nimbus completion bash)

  # Install them for every zsh session
  nimbus completion zsh > "${fpath[1]}/_nimbus"

  # Install them for fish
  nimbus completion fish > ~/.config/fish/completions/nimbus.fish`,

	ValidArgs: []string{"bash", "zsh", "fish"},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),

	// No connection to the server is needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},

	RunE: func(cmd *cobra.Command, args []string) error {
		return writeCompletion(cmd.OutOrStdout(), args[0])
	},
}

func writeCompletion(out io.Writer, shell string) error {
	switch shell {
	case "bash":
		return nimbusCmd.GenBashCompletionV2(out, true)
	case "zsh":
		return nimbusCmd.GenZshCompletion(out)
	case "fish":
		return nimbusCmd.GenFishCompletion(out, true)
	}
	return fmt.Errorf("unsupported shell '%s', expected one of bash, zsh or fish", shell)
}
