package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dshills/dagflow/config"
	"github.com/dshills/dagflow/workflow"
	"github.com/dshills/dagflow/workflow/cache"
	"github.com/dshills/dagflow/workflow/emit"
	"github.com/dshills/dagflow/workflow/model"
	"github.com/dshills/dagflow/workflow/model/anthropic"
	"github.com/dshills/dagflow/workflow/model/google"
	"github.com/dshills/dagflow/workflow/model/openai"
	"github.com/dshills/dagflow/workflow/store"
)

// runtime holds the engine collaborators built from configuration and the
// functions releasing them.
type runtime struct {
	options  []workflow.Option
	executor workflow.NodeExecutor
	usage    *workflow.UsageTracker
	results  store.Store
	closers  []func() error
}

// Close releases resources in reverse construction order.
func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

func (r *runtime) onClose(fn func() error) { r.closers = append(r.closers, fn) }

func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *runtime, err error) {
	rt := &runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	rt.options = append(rt.options,
		workflow.WithLogger(logger),
		workflow.WithDefaultNodeTimeout(cfg.Engine.DefaultNodeTimeout),
		workflow.WithMiddleware(workflow.LoggingMiddleware(logger)),
	)

	c, err := newCache(cfg.Cache, logger, rt)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	if c != nil {
		rt.options = append(rt.options, workflow.WithCache(c))
	}

	rt.results, err = newStore(cfg.Store, rt)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if rt.results != nil {
		rt.options = append(rt.options, workflow.WithResultStore(rt.results))
	}

	emitter, err := newEmitter(ctx, cfg.Events, logger, rt)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	rt.options = append(rt.options, workflow.WithEmitter(emitter))

	if cfg.Metrics.Enabled {
		rt.options = append(rt.options, workflow.WithMetrics(serveMetrics(cfg.Metrics, logger, rt)))
	}

	chat, err := newChatModel(cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("ai: %w", err)
	}
	rt.usage = workflow.NewUsageTracker(cfg.AI.Model)
	aiOpts := []workflow.AIOption{
		workflow.WithCallDefaults(model.CallOptions{
			Model:       cfg.AI.Model,
			MaxTokens:   cfg.AI.MaxTokens,
			Temperature: model.Float(cfg.AI.Temperature),
		}),
		workflow.WithUsageTracker(rt.usage),
		workflow.WithAILogger(logger),
	}
	if cfg.AI.RequestsPerSecond > 0 {
		burst := max(cfg.AI.Burst, 1)
		aiOpts = append(aiOpts, workflow.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.AI.RequestsPerSecond), burst)))
	}
	rt.executor = workflow.NewDefaultExecutor(chat, aiOpts...)
	return rt, nil
}

func newCache(cfg config.CacheConfig, logger *zap.Logger, rt *runtime) (cache.Cache, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "memory":
		return cache.NewMemoryCache(cfg.MaxSize, cfg.TTL), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.onClose(client.Close)
		return cache.NewRedisCache(client,
			cache.WithRedisPrefix(cfg.Redis.Prefix),
			cache.WithRedisTTL(cfg.TTL),
			cache.WithRedisLogger(logger),
		), nil
	case "badger":
		c, err := cache.OpenBadgerCache(cfg.Badger.Dir, cfg.TTL)
		if err != nil {
			return nil, err
		}
		rt.onClose(c.Close)
		return c, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func newStore(cfg config.StoreConfig, rt *runtime) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "memory":
		s = store.NewMemStore()
	case "sqlite":
		s, err = store.NewSQLiteStore(cfg.DSN)
	case "mysql":
		s, err = store.NewMySQLStore(cfg.DSN)
	case "postgres":
		s, err = store.NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	rt.onClose(s.Close)
	return s, nil
}

func newEmitter(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger, rt *runtime) (emit.Emitter, error) {
	var e emit.Emitter
	switch cfg.Sink {
	case "none":
		return emit.NewNullEmitter(), nil
	case "log":
		e = emit.NewLogEmitter(logger)
	case "otel":
		tp, err := newTracerProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rt.onClose(func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tp.Shutdown(sctx)
		})
		e = emit.NewOTelEmitter(tp.Tracer("dagflow"))
	case "watermill":
		pub, err := newPublisher(cfg, logger)
		if err != nil {
			return nil, err
		}
		w := emit.NewWatermillEmitter(pub, cfg.Topic, logger)
		rt.onClose(w.Close)
		e = w
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}

	if cfg.BufferSize > 0 {
		async := emit.NewAsyncEmitter(e, cfg.BufferSize, logger)
		rt.onClose(func() error {
			async.Close()
			if n := async.Dropped(); n > 0 {
				logger.Warn("events dropped", zap.Int64("count", n))
			}
			return nil
		})
		return async, nil
	}
	return e, nil
}

func newPublisher(cfg config.EventsConfig, logger *zap.Logger) (message.Publisher, error) {
	wlog := emit.NewZapLogger(logger.Named("watermill"))
	if cfg.Transport == "kafka" {
		return emit.NewKafkaPublisher(cfg.Brokers, wlog)
	}
	return emit.NewGoChannel(wlog), nil
}

func newTracerProvider(ctx context.Context, cfg config.EventsConfig) (*sdktrace.TracerProvider, error) {
	var opts []otlptracehttp.Option
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)))
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

// serveMetrics exposes a dedicated registry on cfg.Addr until the runtime
// is closed.
func serveMetrics(cfg config.MetricsConfig, logger *zap.Logger, rt *runtime) *workflow.PrometheusMetrics {
	reg := prometheus.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.String("addr", cfg.Addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", cfg.Addr), zap.String("path", cfg.Path))

	rt.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	return workflow.NewPrometheusMetrics(reg)
}

func newChatModel(cfg config.AIConfig) (model.ChatModel, error) {
	switch cfg.Provider {
	case "openai":
		var opts []openaiopt.RequestOption
		if cfg.Timeout > 0 {
			opts = append(opts, openaiopt.WithRequestTimeout(cfg.Timeout))
		}
		return openai.NewChatModel(cfg.APIKey, cfg.Model, opts...), nil
	case "anthropic":
		var opts []anthropicopt.RequestOption
		if cfg.Timeout > 0 {
			opts = append(opts, anthropicopt.WithRequestTimeout(cfg.Timeout))
		}
		return anthropic.NewChatModel(cfg.APIKey, cfg.Model, opts...), nil
	case "google":
		return google.NewChatModel(cfg.APIKey, cfg.Model), nil
	case "mock":
		return &model.MockChatModel{Responses: []model.ChatOut{{Text: "mock response"}}}, nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}
