package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	recordroutes "github.com/Ramsey-B/fern/pkg/routes/records"
	"github.com/Ramsey-B/fern/pkg/usage"
)

func newServeCommand() *cobra.Command {
	var withJanitor, migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the records API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), migrate, withJanitor)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply migrations before serving")
	cmd.Flags().BoolVar(&withJanitor, "janitor", false, "Also run the janitor loops in this process")
	return cmd
}

type routerDeps struct {
	appName   string
	bodyLimit string
	logger    ectologger.Logger
	records   *recordroutes.Handler
	health    *health.Checker
}

func newRouter(deps routerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(deps.logger)

	e.Use(echomiddleware.Recover())
	if deps.bodyLimit != "" {
		e.Use(echomiddleware.BodyLimit(deps.bodyLimit))
	}
	e.Use(otelecho.Middleware(deps.appName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(deps.logger))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	deps.health.RegisterRoutes(e)
	if deps.records != nil {
		deps.records.Register(e.Group("/api/v1"))
	}
	return e
}

func runServer(ctx context.Context, migrate, withJanitor bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{migrate: migrate, kafka: true, redis: true})
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.Stop(stopCtx)
	}()

	if err := a.Start(ctx); err != nil {
		return err
	}

	checker := health.NewChecker(cfg.Version)
	checker.AddCheck("database", a.db, true)
	if a.readDB != a.db {
		checker.AddCheck("replica", a.readDB, false)
	}
	if a.redis != nil {
		checker.AddCheck("redis", health.PingFunc(a.redis.Ping), false)
	}

	router := newRouter(routerDeps{
		appName:   cfg.AppName,
		bodyLimit: cfg.HTTP.BodyLimit,
		logger:    a.logger,
		records:   recordroutes.NewHandler(a.records, a.counts, a.persist, a.emitter, a.logger),
		health:    checker,
	})

	if withJanitor && cfg.Janitor.Enabled {
		j := a.newJanitor()
		if err := j.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			_ = j.Stop(stopCtx)
		}()
	}

	if cfg.Usage.Enabled {
		exporter := usage.NewExporter(a.counts, usage.Config{
			Interval:  cfg.Usage.Interval,
			BatchSize: cfg.Usage.BatchSize,
		}, a.logger)
		go exporter.Run(ctx)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           router,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.WithContext(ctx).Infof("Server starting on %s", cfg.HTTP.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	checker.SetReady(true)

	select {
	case <-ctx.Done():
		checker.SetReady(false)
		a.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
