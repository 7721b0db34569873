package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/PixelWeatherProject/pwmp-server/internal/config"
	"github.com/PixelWeatherProject/pwmp-server/internal/db"
	pwmpmetrics "github.com/PixelWeatherProject/pwmp-server/internal/metrics"
	"github.com/PixelWeatherProject/pwmp-server/internal/server"
)

// metricsShutdownTimeout bounds the metrics endpoint drain on shutdown.
const metricsShutdownTimeout = 5 * time.Second

// runServer is the default command: connect the backend, bind the
// listener, and serve until a stop signal arrives.
func runServer(ctx context.Context) error {
	logger.Info("connecting to database",
		slog.String("target", cfg.Database.ShortIdentifier()),
	)

	backend, err := openBackend()
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer closeBackend(backend)

	if err := setupTimezone(ctx, backend); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := pwmpmetrics.NewCollector(reg)

	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr(),
		MaxSessions:    cfg.Limits.Devices,
		AcceptWindow:   cfg.RateLimiter.Window(),
		MaxConnections: cfg.RateLimiter.MaxConnections,
		Session: server.SessionConfig{
			StallTime:   cfg.Limits.StallDuration(),
			RateWindow:  cfg.RateLimiter.Window(),
			MaxRequests: cfg.RateLimiter.MaxRequests,
		},
	}, backend, logger, server.WithMetrics(collector))

	// Stop on interrupt or termination; sessions drain before exit.
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		return srv.Run(gCtx)
	})

	if cfg.Metrics.Addr != "" {
		metricsSrv := newMetricsServer(cfg.Metrics, reg)
		g.Go(func() error {
			logger.Info("metrics server listening",
				slog.String("addr", cfg.Metrics.Addr),
				slog.String("path", cfg.Metrics.Path),
			)
			return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
		})
		g.Go(func() error {
			<-gCtx.Done()
			notifyStopping()
			shutdownCtx, cancel := context.WithTimeout(
				context.WithoutCancel(gCtx), metricsShutdownTimeout)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	} else {
		g.Go(func() error {
			<-gCtx.Done()
			notifyStopping()
			return nil
		})
	}

	notifyReady()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run server: %w", err)
	}
	return nil
}

// openBackend maps the database configuration to a backend connection.
func openBackend() (db.Backend, error) {
	return db.Open(db.Config{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Name:     cfg.Database.Name,
		SSL:      cfg.Database.SSL,
		Path:     cfg.Database.Path,
		Timezone: cfg.Database.Timezone,
	})
}

// setupTimezone applies the configured timezone, falling back to the host
// timezone when the configuration leaves it empty.
func setupTimezone(ctx context.Context, backend db.Backend) error {
	tz := cfg.Database.Timezone
	if tz == "" {
		tz = db.SystemTimezone()
	}
	if tz == "" {
		logger.Warn("could not determine host timezone, using server default")
		return nil
	}

	if err := backend.SetupTimezone(ctx, tz); err != nil {
		return fmt.Errorf("set timezone %q: %w", tz, err)
	}
	logger.Debug("timezone configured", slog.String("timezone", tz))
	return nil
}

func closeBackend(backend db.Backend) {
	if err := backend.Close(); err != nil {
		logger.Warn("failed to close database",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the server has
// completed initialization and is ready to serve.
func notifyReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the server is
// beginning graceful shutdown.
func notifyStopping() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// -------------------------------------------------------------------------
// Metrics Endpoint
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using a ListenConfig and serves
// HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus endpoint.
func newMetricsServer(mc config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              mc.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
