package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gammadia/nimbus/reconcile"
	"github.com/gammadia/nimbus/scheduler"
	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	Config                      = "config"
	EtcdDialTimeout             = "etcd-dial-timeout"
	EtcdEndpoints               = "etcd-endpoints"
	Listen                      = "listen"
	LogFormat                   = "log-format"
	LogLevel                    = "log-level"
	LogSource                   = "log-source"
	ProvisioningFailureCooldown = "provisioning-failure-cooldown"
	ReconcilePeriod             = "reconcile-period"
	ReconcileQueryTimeout       = "reconcile-query-timeout"
	Store                       = "store"
	TickInterval                = "tick-interval"
)

func init() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	// Server
	flags.String(Config, "/etc/nimbus/clouds.yaml", "clouds and templates definition file")
	flags.String(Listen, ":25380", "admin API listening address")
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")

	// Scheduler
	flags.Duration(TickInterval, scheduler.DefaultTickInterval, "how often outstanding workload is checked against capacity")
	flags.Duration(ProvisioningFailureCooldown, time.Minute, "how long a label waits before retrying after a failed provisioning")

	// Reconciliation
	flags.Duration(ReconcilePeriod, reconcile.DefaultPeriod, "how often agents are checked against their backing resource")
	flags.Duration(ReconcileQueryTimeout, reconcile.DefaultQueryTimeout, "timeout of a single liveness query")

	// Store
	flags.String(Store, "memory", "where agents are persisted (memory, etcd)")
	flags.StringSlice(EtcdEndpoints, []string{"localhost:2379"}, "etcd endpoints")
	flags.Duration(EtcdDialTimeout, 5*time.Second, "etcd dial timeout")

	// Init
	flags.ParseErrorsWhitelist.UnknownFlags = testing.Testing()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	viper.SetEnvPrefix("nimbus")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
