// Command minirpc runs the example Arith server and issues calls against a
// pool of server nodes.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-rpc/config"
	"mini-rpc/logging"
	"mini-rpc/registry"
)

var rootArgs struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:           "minirpc",
	Short:         "mini-RPC example server and client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "", "config file path (YAML)")
	rootCmd.AddCommand(serveCmd, callCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "minirpc: %s\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(rootArgs.configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openRegistry returns the configured discovery source and announcer. The
// static kind has no announcer and discovers servers.
func openRegistry(cfg config.RegistryConfig, servers []string, log *zap.Logger) (registry.Discovery, registry.Announcer, io.Closer, error) {
	switch cfg.Kind {
	case config.RegistryEtcd:
		r, err := registry.NewEtcdRegistry(registry.EtcdOptions{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			TTL:         cfg.Etcd.TTL,
			DialTimeout: cfg.Etcd.DialTimeout,
			Logger:      log,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return r, r, r, nil
	case config.RegistryMDNS:
		r := registry.NewMDNSRegistry(registry.MDNSOptions{
			Service:      cfg.MDNS.Service,
			Domain:       cfg.MDNS.Domain,
			ScanInterval: cfg.MDNS.ScanInterval,
			Logger:       log,
		})
		return r, r, r, nil
	default:
		return registry.Static(servers), nil, nopCloser{}, nil
	}
}
