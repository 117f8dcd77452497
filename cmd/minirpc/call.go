package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mini-rpc/client"
	"mini-rpc/codec"
)

var callArgs struct {
	servers []string
	timeout time.Duration
	async   bool
}

var callCmd = &cobra.Command{
	Use:   "call SERVICE METHOD [ARG...]",
	Short: "call a remote method and print its result",
	Long: `Call a remote method and print its result.

Arguments are typed by an optional descriptor prefix, e.g. int32:7, []int64:1,2,3
or string:42. Without a prefix, integers are int64, decimals are float64,
true and false are bool, null is nil and everything else is a string.`,
	Example: `  minirpc call --servers 127.0.0.1:8080 arith.Arith Add 1 2
  minirpc call arith.Arith Add float64:0.5 float64:0.25`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()
		if len(callArgs.servers) > 0 {
			cfg.Client.Servers = callArgs.servers
		}
		params, err := parseArgs(args[2:])
		if err != nil {
			return err
		}

		discovery, _, closer, err := openRegistry(cfg.Registry, cfg.Client.Servers, log)
		if err != nil {
			return err
		}
		defer closer.Close()
		codecType, err := codec.ParseType(cfg.Client.Codec)
		if err != nil {
			return err
		}
		c, err := client.New(
			client.WithDiscovery(discovery),
			client.WithCodec(codec.GetCodec(codecType)),
			client.WithCallTimeout(cfg.Client.CallTimeout),
			client.WithPoolTimeout(cfg.Client.PoolTimeout),
			client.WithHeartbeat(cfg.Client.Heartbeat),
			client.WithPendingTTL(cfg.Client.PendingTTL),
			client.WithRedialInterval(cfg.Client.RedialInterval),
			client.WithRetry(cfg.Client.Retries, cfg.Client.RetryBackoff),
			client.WithLogger(log),
		)
		if err != nil {
			return err
		}
		defer c.Close()

		timeout := cfg.Client.CallTimeout
		if callArgs.timeout > 0 {
			timeout = callArgs.timeout
		}
		result, err := call(cmd.Context(), c, timeout, args[0], args[1], params)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatResult(result))
		return nil
	},
}

func init() {
	callCmd.Flags().StringSliceVar(&callArgs.servers, "servers", nil, "server nodes (host:port), overrides client.servers")
	callCmd.Flags().DurationVar(&callArgs.timeout, "timeout", 0, "call timeout, overrides client.call_timeout")
	callCmd.Flags().BoolVar(&callArgs.async, "async", false, "send through the async proxy and wait on the future")
}

func call(ctx context.Context, c *client.Client, timeout time.Duration, service, method string, params []any) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if !callArgs.async {
		return c.Create(service).Call(ctx, method, params...)
	}
	f, err := c.CreateAsync(service).CallContext(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	return f.Get(ctx)
}

func formatResult(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case []byte:
		return fmt.Sprintf("%q", v)
	case string:
		return v
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}
