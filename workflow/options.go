package workflow

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/dagflow/workflow/cache"
	"github.com/dshills/dagflow/workflow/emit"
	"github.com/dshills/dagflow/workflow/store"
)

// Option is a functional option for configuring an Engine.
//
//	engine, err := workflow.New(registry, executor,
//	    workflow.WithLogger(logger),
//	    workflow.WithEmitter(emit.NewLogEmitter(logger)),
//	    workflow.WithDefaultNodeTimeout(30*time.Second),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	logger             *zap.Logger
	emitter            emit.Emitter
	metrics            MetricsSink
	cache              cache.Cache
	results            store.Store
	defaultNodeTimeout time.Duration
	middleware         []Middleware
	idGenerator        func() string
}

// WithLogger sets the engine logger. Default: zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *engineConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithEmitter sets the lifecycle event sink. Default: emit.NullEmitter.
//
// The emitter is called synchronously from the scheduler; wrap slow sinks
// in an emit.AsyncEmitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if emitter == nil {
			return errors.New("emitter cannot be nil")
		}
		cfg.emitter = emitter
		return nil
	}
}

// WithMetrics sets the metrics sink. Default: NopMetrics.
func WithMetrics(sink MetricsSink) Option {
	return func(cfg *engineConfig) error {
		if sink == nil {
			return errors.New("metrics sink cannot be nil")
		}
		cfg.metrics = sink
		return nil
	}
}

// WithCache enables node result caching for workflows whose config turns
// it on. Only nodes marked Cacheable are looked up.
func WithCache(c cache.Cache) Option {
	return func(cfg *engineConfig) error {
		cfg.cache = c
		return nil
	}
}

// WithResultStore archives the terminal state of every execution so it can
// be looked up after the execution leaves the active table.
func WithResultStore(s store.Store) Option {
	return func(cfg *engineConfig) error {
		cfg.results = s
		return nil
	}
}

// WithDefaultNodeTimeout bounds attempts of nodes without their own
// timeout. Zero means no limit.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return errors.New("default node timeout cannot be negative")
		}
		cfg.defaultNodeTimeout = d
		return nil
	}
}

// WithMiddleware wraps the engine's executor. The first middleware listed
// is outermost.
func WithMiddleware(mws ...Middleware) Option {
	return func(cfg *engineConfig) error {
		cfg.middleware = append(cfg.middleware, mws...)
		return nil
	}
}

// WithIDGenerator replaces the execution id generator (uuid v4 by default).
func WithIDGenerator(gen func() string) Option {
	return func(cfg *engineConfig) error {
		if gen == nil {
			return errors.New("id generator cannot be nil")
		}
		cfg.idGenerator = gen
		return nil
	}
}
