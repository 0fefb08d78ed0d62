// vdird serves the partitions of a virtual directory and the management
// API that drives their synchronization modules.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/isometry/vdir/internal/config"
	"github.com/isometry/vdir/internal/connection"
	"github.com/isometry/vdir/internal/logging"
	"github.com/isometry/vdir/internal/management"
	"github.com/isometry/vdir/internal/partition"
	"github.com/isometry/vdir/internal/scheduler"
	"github.com/isometry/vdir/internal/session"
	"github.com/isometry/vdir/internal/stats"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, listen, logLevel string

	flagSet := pflag.NewFlagSet("vdird", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "/etc/vdir/vdir.yaml", "path to the configuration file")
	flagSet.StringVar(&listen, "listen", "", "management listen address (overrides management.listen)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides log_level and VDIR_LOG)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Management.Listen = listen
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.NewRootContext(ctx, logLevel)

	pool, err := session.NewPool(ctx, &cfg.Sessions)
	if err != nil {
		return err
	}
	pool.Start()
	defer pool.Close()

	st := stats.NewManager()
	registry := connection.NewRegistry()
	partitions := partition.NewPartitions()
	for _, pc := range cfg.Partitions {
		p, err := partition.New(ctx, pc, registry, st, pool)
		if err != nil {
			return err
		}
		if err := partitions.Add(p); err != nil {
			return err
		}
	}

	firers := make([]*scheduler.TickerFirer, 0, len(cfg.Partitions))
	for _, name := range partitions.Names() {
		p, _ := partitions.Get(name)
		f := scheduler.NewTickerFirer()
		f.Start(ctx, p.Scheduler())
		firers = append(firers, f)
	}
	defer func() {
		for _, f := range firers {
			f.Stop()
		}
	}()

	server := &http.Server{
		Addr:              cfg.Management.Listen,
		Handler:           management.NewServer(partitions, st, pool).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tflog.Info(ctx, "Management API listening", map[string]any{
			"listen":     cfg.Management.Listen,
			"partitions": partitions.Names(),
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("management server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		tflog.Info(ctx, "Shutting down", map[string]any{"timeout": cfg.Management.ShutdownTimeout.String()})

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Management.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
