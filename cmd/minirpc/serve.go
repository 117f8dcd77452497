package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-rpc/codec"
	"mini-rpc/config"
	"mini-rpc/example/arith"
	"mini-rpc/middleware"
	"mini-rpc/server"
)

var serveArgs struct {
	listen string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the example Arith service until SIGINT or SIGTERM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()
		if serveArgs.listen != "" {
			cfg.Server.Listen = serveArgs.listen
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveArgs.listen, "listen", "", "listen address, overrides server.listen")
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	codecType, err := codec.ParseType(cfg.Server.Codec)
	if err != nil {
		return err
	}
	opts := []server.Option{
		server.WithCodec(codec.GetCodec(codecType)),
		server.WithMaxFrameSize(cfg.Server.MaxFrameSize),
		server.WithWorkers(cfg.Server.Workers, cfg.Server.QueueSize),
		server.WithWriteTimeout(cfg.Server.WriteTimeout),
		server.WithLogger(log),
	}

	_, announcer, closer, err := openRegistry(cfg.Registry, nil, log)
	if err != nil {
		return err
	}
	defer closer.Close()
	if announcer != nil {
		opts = append(opts, server.WithAnnouncer(announcer, cfg.Server.Advertise))
	}

	svr := server.NewServer(opts...)
	svr.Use(middleware.LoggingMiddleware(log))
	svr.Use(middleware.TracingMiddleware(nil))
	if cfg.Server.MetricsListen != "" {
		metrics := middleware.NewMetrics()
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics.RegisterMetrics(reg)
		svr.Use(metrics.Middleware())
		go serveMetrics(cfg.Server.MetricsListen, reg, log)
	}
	if cfg.Server.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if cfg.Server.HandlerTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Server.HandlerTimeout))
	}
	if err := arith.Register(svr); err != nil {
		return err
	}

	served := make(chan error, 1)
	go func() { served <- svr.Serve("tcp", cfg.Server.Listen) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	err = svr.Shutdown(cfg.Server.ShutdownTimeout)
	if serveErr := <-served; !errors.Is(serveErr, server.ErrServerClosed) {
		return serveErr
	}
	return err
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics endpoint stopped", zap.Error(err))
	}
}
