// Command characterserver serves character records over TCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/cyberinferno/character-server/config"
	"github.com/cyberinferno/character-server/dispatch"
	"github.com/cyberinferno/character-server/instancelock"
	"github.com/cyberinferno/character-server/logger"
	"github.com/cyberinferno/character-server/metrics"
	"github.com/cyberinferno/character-server/store"
	"github.com/cyberinferno/character-server/tcpserver"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "characterserver: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("characterserver", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "config file (yaml, toml or json)")
	initConfig := flags.String("init-config", "", "write a sample config to this path and exit")
	force := flags.Bool("force", false, "overwrite the file given to --init-config")
	config.RegisterFlags(flags)

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *initConfig != "" {
		if err := config.WriteSampleFile(*initConfig, *force); err != nil {
			return err
		}
		fmt.Printf("sample configuration written to %s\n", *initConfig)
		return nil
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return err
	}

	log, err := config.NewLogger(cfg.Logging, "characterserver")
	if err != nil {
		return err
	}
	defer log.Close()

	if cfg.Server.LockFile != "" {
		lock, err := instancelock.Acquire(cfg.Server.LockFile)
		if err != nil {
			log.Error("single instance check failed", logger.Err(err))
			return err
		}
		defer lock.Release()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("failed to close store", logger.Err(err))
		}
	}()

	m := metrics.NewNoop()
	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.NewPrometheus(reg)

		metricsSrv = metrics.NewServer(cfg.Metrics.Addr, reg, log)
		go func() {
			if err := metricsSrv.Start(ctx); err != nil {
				log.Error("metrics server stopped", logger.Err(err))
			}
		}()
	}

	opts := []tcpserver.Option{tcpserver.WithLogger(log), tcpserver.WithMetrics(m)}
	if cached, ok := st.(*store.CachedStore); ok {
		opts = append(opts, tcpserver.WithStatsHook(func(tcpserver.Stats) {
			records, lists := cached.CacheStats()
			m.RecordCache("record", records.Hits, records.Misses)
			m.RecordCache("list", lists.Hits, lists.Misses)
		}))
	}

	srv, err := tcpserver.NewTCPServer(cfg.Server.TCPServerConfig(), dispatch.New(st, log), opts...)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	log.Info("character server started",
		logger.Field{Key: "addr", Value: srv.Addr().String()},
		logger.Field{Key: "store", Value: cfg.Store.Type},
		logger.Field{Key: "cache", Value: cfg.Cache.Type},
		logger.Field{Key: "workers", Value: cfg.Server.Workers},
		logger.Field{Key: "max_connections", Value: cfg.Server.MaxConnections},
	)

	<-ctx.Done()
	log.Info("shutdown signal received", logger.Field{Key: "timeout", Value: cfg.Server.ShutdownTimeout.String()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	err = srv.Stop(shutdownCtx)
	if metricsSrv != nil {
		err = errors.Join(err, metricsSrv.Stop(shutdownCtx))
	}
	return err
}

// openStore opens the configured store and puts the configured cache in
// front of it.
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (store.Store, error) {
	inner, err := config.CreateStore(ctx, &cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}

	st, err := config.WrapWithCache(ctx, inner, &cfg.Cache)
	if err != nil {
		_ = inner.Close()
		return nil, err
	}
	return st, nil
}
