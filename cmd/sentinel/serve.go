package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/httpapi"
	"mawney.org/sentinel/internal/obs"
)

func newServeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health service and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = obs.Sync() }()
			obs.Init()
			obs.InitBuildInfo(version, commit)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	logger := obs.Named("serve")

	if err := a.tokens.Sync(ctx); err != nil {
		logger.Warn("initial revocation sync failed", obs.Err(err))
	}

	api, err := httpapi.New(httpapi.Deps{
		Tokens:            a.tokens,
		Credentials:       a.creds,
		Evaluator:         a.evaluator,
		Limiter:           a.limiter,
		Audit:             a.audit,
		Alerts:            a.history,
		AlertStream:       a.hub,
		Ready:             a.readiness(),
		Version:           version,
		AllowedOrigins:    cfg.HTTP.AllowedOrigins,
		MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
		TrustProxy:        cfg.HTTP.TrustProxy,
		DeletionRetention: cfg.Data.DeletionRetention(),
	})
	if err != nil {
		return err
	}
	// No WriteTimeout: the alert stream holds its response open.
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcLis net.Listener
	grpcSrv, health := httpapi.NewGRPCServer(a.readiness(), 5*time.Second)
	if addr := cfg.GRPC.Addr(); addr != "" {
		grpcLis, err = net.Listen("tcp", addr)
		if err != nil {
			return err
		}
	}

	// The monitor and dispatcher outlive the HTTP server so alerts raised by
	// in-flight requests are still delivered.
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	monitorDone := make(chan struct{})

	a.audit.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", httpSrv.Addr), zap.String("version", version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcLis != nil {
		g.Go(func() error {
			logger.Info("grpc listening", zap.String("addr", grpcLis.Addr().String()))
			return grpcSrv.Serve(grpcLis)
		})
		g.Go(func() error { return health.Run(gctx) })
	}

	g.Go(func() error {
		defer close(monitorDone)
		if !cfg.Monitor.Enabled {
			logger.Info("threat monitor disabled")
			return nil
		}
		return a.monitor.Run(monitorCtx)
	})
	g.Go(func() error { return a.dispatcher.Run(dispatchCtx) })
	g.Go(func() error { return a.tokens.RunSync(gctx, cfg.JWT.SyncInterval) })
	g.Go(func() error { return a.tokens.RunCleanup(gctx, cfg.JWT.CleanupEvery) })
	g.Go(func() error { return a.limiter.RunSweeper(gctx, time.Minute) })
	if p := a.purger(); p != nil {
		g.Go(func() error {
			return audit.RetentionJob{
				Purger:    p,
				Retention: cfg.Audit.Retention(),
				Interval:  cfg.Audit.RetentionPeriod,
			}.Run(gctx)
		})
	}
	g.Go(func() error {
		return runEvery(gctx, cfg.Audit.RetentionPeriod, func(ctx context.Context) error {
			_, err := a.creds.PurgeExpired(ctx, cfg.Data.DeletionRetention())
			return err
		})
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", obs.Err(err))
		}
		if grpcLis != nil {
			grpcSrv.GracefulStop()
		}
		stopMonitor()
		<-monitorDone
		if err := a.audit.Close(sctx); err != nil {
			logger.Error("audit flush incomplete", obs.Err(err), zap.Int64("backlog", a.audit.Backlog()))
		}
		stopDispatch()
		return nil
	})

	err = g.Wait()
	logger.Info("stopped")
	return err
}

// runEvery calls fn every interval until ctx ends. Failures are logged.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				obs.Named("serve").Warn("scheduled job failed", obs.Err(err))
			}
		}
	}
}
