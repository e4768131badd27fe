package main

import (
	"encoding/json"
	"fmt"

	"github.com/gammadia/nimbus/cloud"
	"github.com/gammadia/nimbus/pool"
	"github.com/gammadia/nimbus/probe"
	"github.com/gammadia/nimbus/provider/docker"
	"github.com/gammadia/nimbus/provider/openstack"
	"github.com/gammadia/nimbus/server/config"
	"github.com/gammadia/nimbus/server/flags"
	"github.com/gammadia/nimbus/server/log"
	"github.com/gammadia/nimbus/store"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

func createStore() (store.Store, error) {
	switch s := viper.GetString(flags.Store); s {
	case "memory":
		log.Warn("Agents are kept in memory and will be forgotten on restart")
		return store.NewMemory(), nil
	case "etcd":
		return store.NewEtcd(store.EtcdConfig{
			Endpoints:   viper.GetStringSlice(flags.EtcdEndpoints),
			DialTimeout: viper.GetDuration(flags.EtcdDialTimeout),
			Logger:      log.Component("store"),
		})
	default:
		return nil, fmt.Errorf("unknown store")
	}
}

// createClouds builds every configured cloud with its provider and prober.
// The returned function releases the providers' resources.
func createClouds(cfg *config.Config, nodes cloud.Nodes, workers pool.Pool, recorder cloud.Recorder) ([]*cloud.Cloud, func(), error) {
	var clouds []*cloud.Cloud
	var closers []func() error

	closeAll := func() {
		for _, closer := range closers {
			if err := closer(); err != nil {
				log.Warn("Failed to release provider resources", "error", err)
			}
		}
	}

	for _, c := range cfg.Clouds {
		logger := log.Component("cloud")

		provider, prober, closer, err := createProvider(c)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("unable to create provider '%s' of cloud '%s': %w", c.Provider, c.Name, err)
		}
		closers = append(closers, closer)

		cloudConfig, err := c.CloudConfig()
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		cloudConfig.Logger = logger
		cloudConfig.Metrics = recorder
		logger.Debug("Cloud config", "cloud", c.Name, "provider", c.Provider, "config", string(lo.Must(json.Marshal(cloudConfig))))

		created, err := cloud.New(cloudConfig, provider, prober, nodes, workers)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		clouds = append(clouds, created)
	}

	return clouds, closeAll, nil
}

func createProvider(c config.Cloud) (cloud.ResourceProvider, cloud.Prober, func() error, error) {
	logger := log.Component("provider").With("cloud", c.Name)

	switch c.Provider {
	case config.ProviderOpenstack:
		providerConfig := c.OpenstackConfig()
		providerConfig.Logger = logger
		provider, err := openstack.New(providerConfig)
		if err != nil {
			return nil, nil, nil, err
		}

		var prober cloud.Prober = probe.TCP{}
		if c.ProbeKind() == config.ProbeSSH {
			prober = &probe.SSH{Username: provider.Username(), Signer: provider.Signer(), Command: c.ProbeCommand}
		}
		return provider, prober, provider.Close, nil

	case config.ProviderDocker:
		providerConfig := c.DockerConfig()
		providerConfig.Logger = logger
		provider, client, err := docker.New(providerConfig)
		if err != nil {
			return nil, nil, nil, err
		}
		return provider, probe.TCP{}, client.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown provider")
	}
}
