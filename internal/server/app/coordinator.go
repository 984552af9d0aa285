package app

import (
	"context"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/async"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/broker"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/config"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/observability"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/pipeline"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/planner"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/registry"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/worker"
)

// ConversationStore is the persistence the coordinator needs.
type ConversationStore interface {
	conversation.Store
	conversation.RunStore
}

// CatalogSource yields the current worker catalog. In-flight runs keep the
// snapshot they started with.
type CatalogSource interface {
	Snapshot() catalog.Snapshot
}

// Coordinator owns run lifecycles: it routes inbound messages, starts runs in
// the background and answers follow-ups.
type Coordinator struct {
	store    ConversationStore
	catalog  CatalogSource
	invoker  worker.Invoker
	registry *registry.Registry
	planner  *planner.Resolver
	runner   *pipeline.Runner
	crews    *CrewMemory
	tracker  *async.Tracker

	runCfg       config.RunConfig
	defaultModel string

	logger  logging.Logger
	tracer  *observability.TracerProvider
	metrics *observability.RunMetrics
}

type coordinatorConfig struct {
	run          config.RunConfig
	defaultModel string
	logger       logging.Logger
	tracer       *observability.TracerProvider
	metrics      *observability.RunMetrics
}

// CoordinatorOption configures optional coordinator behaviour.
type CoordinatorOption func(*coordinatorConfig)

// WithRunConfig sets orchestration tuning.
func WithRunConfig(cfg config.RunConfig) CoordinatorOption {
	return func(c *coordinatorConfig) { c.run = cfg }
}

// WithDefaultModel names the model used by personas that have none.
func WithDefaultModel(model string) CoordinatorOption {
	return func(c *coordinatorConfig) { c.defaultModel = model }
}

func WithLogger(logger logging.Logger) CoordinatorOption {
	return func(c *coordinatorConfig) { c.logger = logger }
}

func WithTracer(tp *observability.TracerProvider) CoordinatorOption {
	return func(c *coordinatorConfig) { c.tracer = tp }
}

func WithMetrics(m *observability.RunMetrics) CoordinatorOption {
	return func(c *coordinatorConfig) { c.metrics = m }
}

// NewCoordinator wires a coordinator. reg is owned by the caller so tests can
// inspect it.
func NewCoordinator(store ConversationStore, source CatalogSource, invoker worker.Invoker, reg *registry.Registry, opts ...CoordinatorOption) *Coordinator {
	cfg := coordinatorConfig{run: config.Default().Run}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	logger := cfg.logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("coordinator")
	}
	if reg == nil {
		reg = registry.New(logger)
	}
	if cfg.run.QuestionTimeout <= 0 {
		cfg.run.QuestionTimeout = broker.DefaultTimeout
	}

	return &Coordinator{
		store:    store,
		catalog:  source,
		invoker:  invoker,
		registry: reg,
		planner: planner.NewResolver(invoker,
			planner.WithLogger(logging.NewComponentLogger("planner")),
			planner.WithTracer(cfg.tracer),
			planner.WithMetrics(cfg.metrics),
		),
		runner: pipeline.NewRunner(invoker,
			pipeline.WithContextChars(cfg.run.ContextChars),
			pipeline.WithLogger(logging.NewComponentLogger("pipeline")),
			pipeline.WithTracer(cfg.tracer),
			pipeline.WithMetrics(cfg.metrics),
		),
		crews:        NewCrewMemory(cfg.run.CrewMemorySize),
		tracker:      &async.Tracker{},
		runCfg:       cfg.run,
		defaultModel: cfg.defaultModel,
		logger:       logger,
		tracer:       cfg.tracer,
		metrics:      cfg.metrics,
	}
}

// Registry exposes the run registry.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Wait blocks until background runs, replies and summaries finish or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	return c.tracker.Wait(ctx)
}

func (c *Coordinator) snapshot() catalog.Snapshot {
	if c.catalog == nil {
		return catalog.Default()
	}
	return c.catalog.Snapshot()
}

func (c *Coordinator) newBroker(conversationID string, pub broker.Publisher) *broker.Broker {
	return broker.New(broker.Config{
		ConversationID: conversationID,
		Publisher:      pub,
		Statuses:       c.store,
		Timeout:        c.runCfg.QuestionTimeout,
		Policy:         broker.Policy(c.runCfg.AmbiguousAnswer),
		Logger:         logging.NewComponentLogger("broker"),
		Metrics:        c.metrics,
	})
}

func utcNow() time.Time { return time.Now().UTC() }
