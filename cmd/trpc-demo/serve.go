package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/marrasen/trpc"
	"github.com/marrasen/trpc/config"
	"github.com/marrasen/trpc/example"
	"github.com/marrasen/trpc/httphandler"
	"github.com/marrasen/trpc/metrics"
	"github.com/marrasen/trpc/ws"
)

var hotReload bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Long: `Start the HTTP and WebSocket server.

Configuration is read from --config when the file exists, otherwise from
TRPC_* environment variables. With --hot-reload the file is watched and
SIGHUP triggers a reload; only logging.level is applied without restart.

Environment variables:
  TRPC_SERVER_PORT     - listen port (default: 8080)
  TRPC_SERVER_WS_PATH  - WebSocket endpoint, empty disables it
  TRPC_LOG_LEVEL       - debug, info, warn, error
  TRPC_METRICS_ENABLED - expose Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "watch the config file for changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()

	var holder *config.Holder
	var cfg *config.Config
	if _, err := os.Stat(cfgFile); err == nil && hotReload {
		h, err := config.NewHolder(cfgFile, boot)
		if err != nil {
			return err
		}
		holder = h
		cfg = h.Get()
	} else {
		c, err := config.LoadWithFallback(cfgFile)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cfg = c
	}

	// Levels are filtered globally so reloads take effect on every logger.
	logger := cfg.Logging.NewLogger(os.Stderr).Level(zerolog.TraceLevel)
	setLevel(logger, cfg.Logging.Level)

	app, err := example.New()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewWithRegistry(reg)

	caller, err := trpc.NewCaller(trpc.CallerOptions{
		Router:        app.Router,
		CreateContext: example.CreateContext,
		Logger:        &logger,
		Interceptors: []trpc.CallInterceptor{
			trpc.LoggingInterceptor(logger),
			collector.Interceptor(),
		},
	})
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Mount(cfg.Server.BasePath, httphandler.New(caller, httphandler.Options{
		DisableBatching:   cfg.Batching.Disabled,
		ShareBatchContext: cfg.Batching.ShareContext,
		MaxBatchSize:      cfg.Batching.MaxSize,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		KeepAlive:         cfg.Subscriptions.KeepAlive,
	}).Routes())

	var wsServer *ws.Server
	if cfg.Server.WSPath != "" {
		wsServer = ws.NewServer(caller, ws.Options{
			SendBuffer:   cfg.Subscriptions.SendBuffer,
			PingInterval: cfg.Subscriptions.PingInterval,
		})
		wsServer.OnConnect(func(ctx context.Context, conn *ws.Conn) error {
			logger.Debug().Str("conn", conn.ID()).Msg("websocket connected")
			return nil
		})
		wsServer.OnDisconnect(func(ctx context.Context, conn *ws.Conn) {
			logger.Debug().Str("conn", conn.ID()).Msg("websocket disconnected")
		})
		r.Handle(cfg.Server.WSPath, wsServer)
	}

	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, metrics.Handler(reg))
	}

	if holder != nil {
		holder.OnChange(func(c *config.Config) {
			collector.ConfigReloads.Inc()
			setLevel(logger, c.Logging.Level)
		})
		holder.OnError(func(error) {
			collector.ConfigReloadErrors.Inc()
		})
		if err := holder.WatchFile(); err != nil {
			logger.Warn().Err(err).Msg("config file watch disabled")
		}
		holder.WatchSignals()
		defer holder.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("base_path", cfg.Server.BasePath).
			Str("ws_path", cfg.Server.WSPath).
			Int("procedures", len(app.Router.Procedures())).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if wsServer != nil {
		wsServer.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func setLevel(logger zerolog.Logger, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		logger.Warn().Str("level", level).Msg("invalid log level, keeping current")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
