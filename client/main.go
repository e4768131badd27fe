package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/nimbus/api"
	"github.com/gammadia/nimbus/client/tunnel"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var client *api.Client
var closeTunnel func() error

var verbose bool

var nimbusCmd = &cobra.Command{
	Use:   "nimbus",
	Short: "Nimbus provisions build agents on demand.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		remote := lo.Must(cmd.Flags().GetString("remote"))
		timeout := lo.Must(cmd.Flags().GetDuration("timeout"))

		host, port, _ := strings.Cut(remote, ":")
		if port == "" {
			port = "25380"
		}
		sshTunneling := lo.Must(cmd.Flags().GetBool("ssh-tunneling"))
		if (host == "127.0.0.1" || host == "localhost") && !cmd.Flags().Changed("ssh-tunneling") {
			sshTunneling = false
		}

		transport := http.DefaultTransport.(*http.Transport).Clone()
		address := fmt.Sprintf("%s:%s", host, port)
		if sshTunneling {
			auth, closeAgent, err := tunnel.AgentAuth()
			if err != nil {
				return err
			}
			dialer := tunnel.New(tunnel.Config{
				Addr:     fmt.Sprintf("%s:%d", host, lo.Must(cmd.Flags().GetInt("ssh-port"))),
				Username: lo.Must(cmd.Flags().GetString("ssh-username")),
				Auth:     auth,
				HostKey:  lo.Must(cmd.Flags().GetString("ssh-host-key")),
			})
			transport.DialContext = dialer.DialContext
			closeTunnel = func() error {
				defer closeAgent()
				return dialer.Close()
			}
			// The server is reached on its loopback interface
			address = fmt.Sprintf("127.0.0.1:%s", port)
		}

		client = api.NewClient("http://"+address, timeout, transport)
		return nil
	},

	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if closeTunnel != nil {
			return closeTunnel()
		}
		return nil
	},
}

func init() {
	nimbusCmd.AddCommand(completionCmd)
	nimbusCmd.AddCommand(demandCmd)
	nimbusCmd.AddCommand(provisionCmd)
	nimbusCmd.AddCommand(releaseCmd)
	nimbusCmd.AddCommand(resetCmd)
	nimbusCmd.AddCommand(statusCmd)
	nimbusCmd.AddCommand(templatesCmd)
	nimbusCmd.AddCommand(topCmd)
	nimbusCmd.AddCommand(versionCmd)

	nimbusCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	nimbusCmd.PersistentFlags().String("remote", lo.Must(lo.Coalesce(os.Getenv("NIMBUS_REMOTE"), "localhost:25380")), "the server remote address")
	nimbusCmd.PersistentFlags().Duration("timeout", 30*time.Minute, "timeout of a single request to the server")
	nimbusCmd.PersistentFlags().Bool("ssh-tunneling", true, "use ssh tunneling to connect to the server")
	nimbusCmd.PersistentFlags().String("ssh-username", "nimbus", "username to use for ssh tunneling")
	nimbusCmd.PersistentFlags().Int("ssh-port", 22, "port to use for ssh tunneling")
	nimbusCmd.PersistentFlags().String("ssh-host-key", "", "host key to use for ssh tunneling verification")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nimbusCmd.SetOut(os.Stdout)
	if err := nimbusCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
