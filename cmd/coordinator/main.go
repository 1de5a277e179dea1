package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pathfleet/internal/api"
	"pathfleet/internal/config"
	"pathfleet/internal/dispatcher"
	"pathfleet/internal/persistence"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	sweepThresholdMs  = 5 * 60 * 1000
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	router := setupRouter()

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	d := buildDispatcher(baseCtx, cfg)
	wireAPI(router, d)

	stopSweep := startSweepLoop(baseCtx, d, time.Duration(cfg.SweepIntervalSeconds)*time.Second)
	defer stopSweep()

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func buildDispatcher(ctx context.Context, cfg config.Config) *dispatcher.Dispatcher {
	sink := persistence.NewFileSink(cfg.DataDir)
	if err := sink.Prepare(); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("prepare data dir")
	}
	d := dispatcher.New(sink, dispatcher.Config{
		DefaultBatchSize:            cfg.DefaultBatchSize,
		MaxBatchSize:                cfg.MaxBatchSize,
		FeishuWebhookURL:            cfg.FeishuWebhookURL,
		FeishuReportIntervalMinutes: cfg.FeishuReportIntervalMinutes,
	})
	if err := d.Bootstrap(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to rediscover persisted rounds")
	}
	return d
}

func wireAPI(router *gin.Engine, d *dispatcher.Dispatcher) {
	apiHandler := api.NewAPI(d)
	apiHandler.RegisterRoutes(router)
}

// startSweepLoop runs the periodic timeout sweep described in spec
// §5 "Cancellation and timeouts": sweeps are externally triggered by a
// periodic caller, not internally scheduled inside the dispatcher.
func startSweepLoop(ctx context.Context, d *dispatcher.Dispatcher, interval time.Duration) func() {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := d.Sweep(ctx, sweepThresholdMs, ""); err != nil {
					log.Warn().Err(err).Msg("periodic sweep failed")
				}
			}
		}
	}()

	return func() {
		ticker.Stop()
		<-done
	}
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}
	cancelBase()
	log.Info().Msg("server exited cleanly")
}
