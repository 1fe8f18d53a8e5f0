// Command worldworker consumes world events from the configured transport
// and applies them through the validation, de-duplication and handler
// pipeline.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xworld"
	"github.com/trickstertwo/xworld/adapter/memory"
	"github.com/trickstertwo/xworld/adapter/redisstream"
	"github.com/trickstertwo/xworld/config"
	"github.com/trickstertwo/xworld/deadletter"
	"github.com/trickstertwo/xworld/handlers"
	"github.com/trickstertwo/xworld/idempotency"
	"github.com/trickstertwo/xworld/internal/otelsetup"
	"github.com/trickstertwo/xworld/internal/statusapi"
	"github.com/trickstertwo/xworld/schema"
	"github.com/trickstertwo/xworld/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		xlog.Default().Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	logger := zerolog.Use(zerolog.Config{
		MinLevel:          parseLevel(cfg.LogLevel),
		ConsoleTimeFormat: time.RFC3339Nano,
	}).With(xlog.Str("app", cfg.ServiceName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

func parseLevel(s string) xlog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return xlog.LevelDebug
	case "warn":
		return xlog.LevelWarn
	case "error":
		return xlog.LevelError
	default:
		return xlog.LevelInfo
	}
}

func run(ctx context.Context, cfg config.Config, logger *xlog.Logger) error {
	shutdownOTel, err := otelsetup.Setup(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	p, err := buildPipeline(ctx, cfg, xclock.Default(), logger)
	if err != nil {
		return err
	}
	defer p.Close()

	if _, err := p.worker.Subscribe(ctx, cfg.Topic, cfg.Group); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           statusapi.NewRouter(p.worker, p.stores.deadLetters),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errC := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("topic", cfg.Topic).Str("group", cfg.Group).Msg("worker running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errC:
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	return err
}

// pipeline is one fully wired worker and the resources it owns.
type pipeline struct {
	stores     *stores
	sink       xworld.TelemetrySink
	logSink    *telemetry.AsyncSink
	guard      *idempotency.Guard
	quarantine *deadletter.Quarantine
	processor  *xworld.Processor
	worker     *xworld.Worker
}

func (p *pipeline) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.worker.Close(ctx)
	_ = p.logSink.Close(2 * time.Second)
	_ = p.stores.Close()
}

// newTelemetrySink records span events synchronously, while the processing
// span is still open, and hands log output to a bounded async pool.
func newTelemetrySink(logger *xlog.Logger) (xworld.TelemetrySink, *telemetry.AsyncSink) {
	logs := telemetry.NewAsyncSink(telemetry.LogSink{Logger: logger}, 2, 4096)
	return telemetry.Multi{telemetry.OTelSink{}, logs}, logs
}

func buildPipeline(ctx context.Context, cfg config.Config, clock xclock.Clock, logger *xlog.Logger) (*pipeline, error) {
	st, err := openStores(ctx, cfg, clock, logger)
	if err != nil {
		return nil, err
	}

	sink, logSink := newTelemetrySink(logger)

	validator, err := schema.New()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	q := deadletter.New(deadletter.Config{Store: st.deadLetters, Sink: sink, Logger: logger, Now: clock.Now})
	guard := idempotency.NewGuard(idempotency.GuardConfig{
		Cache: idempotency.NewCache(
			idempotency.WithTTL(cfg.CacheTTL()),
			idempotency.WithMaxSize(cfg.CacheMaxSize),
			idempotency.WithNow(clock.Now),
		),
		Store:     st.registry,
		Sink:      sink,
		Retention: cfg.RegistryTTL(),
		Logger:    logger,
		Now:       clock.Now,
	})
	registry := handlers.NewRegistry(handlers.Defaults(st.world, st.world, q)...)

	proc, err := xworld.NewProcessor(xworld.ProcessorConfig{
		Validator:  validator,
		Guard:      guard,
		Quarantine: q,
		Dispatcher: registry,
		Sink:       sink,
		Logger:     logger,
		Clock:      clock,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	mws := []xworld.Middleware{xworld.LoggingMiddleware()}
	var w *xworld.Worker
	switch cfg.Transport {
	case redisstream.TransportName:
		rc := redisstream.Defaults()
		rc.Addr = cfg.RedisAddr
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		rc.Group = cfg.Group
		rc.Concurrency = cfg.Concurrency
		rc.MaxDeliveries = cfg.MaxDeliveries
		rc.DeadLetter = cfg.PoisonStream
		w = redisstream.Use(rc, proc,
			redisstream.WithLogger(logger),
			redisstream.WithClock(clock),
			redisstream.WithMiddleware(mws...),
			redisstream.WithProcessTimeout(cfg.ProcessTimeout),
			redisstream.WithAckTimeout(cfg.AckTimeout),
		)
	default:
		w = memory.Use(memory.Config{
			Concurrency:     cfg.Concurrency,
			MaxDeliveries:   cfg.MaxDeliveries,
			RedeliveryDelay: 100 * time.Millisecond,
			AssignIDs:       true,
			OnPoison: func(m *xworld.Message) {
				logger.Warn().Str("message_id", m.ID).Str("event", m.Name).Msg("message dropped after max deliveries")
			},
		}, proc,
			memory.WithLogger(logger),
			memory.WithClock(clock),
			memory.WithMiddleware(mws...),
			memory.WithProcessTimeout(cfg.ProcessTimeout),
			memory.WithAckTimeout(cfg.AckTimeout),
		)
	}

	return &pipeline{
		stores:     st,
		sink:       sink,
		logSink:    logSink,
		guard:      guard,
		quarantine: q,
		processor:  proc,
		worker:     w,
	}, nil
}
