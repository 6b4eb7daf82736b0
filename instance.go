package pagerunner

import (
	"context"
	"net/http"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Swind/go-page-runner/config"
	"github.com/Swind/go-page-runner/core"
	obs "github.com/Swind/go-page-runner/observability/prometheus"
	"github.com/Swind/go-page-runner/page"
	"github.com/Swind/go-page-runner/parser"
	"github.com/Swind/go-page-runner/source"
)

// Instance bundles one page engine with its worker registry, the foreground
// UI runner, a loader runner for blocking calls, and the optional
// Prometheus wiring.
type Instance struct {
	Config   *config.Config
	Logger   core.Logger
	Registry *core.WorkerRegistry
	Engine   *page.Engine
	UI       *core.SingleThreadTaskRunner
	Loader   *core.SingleThreadTaskRunner

	metrics    core.Metrics
	promReg    *prom.Registry
	poller     *obs.SnapshotPoller
	closeOnce  sync.Once
	closeError error
}

type instanceOptions struct {
	logger     core.Logger
	opener     source.Opener
	engineOpts []page.Option
}

// InstanceOption customizes NewInstance.
type InstanceOption func(*instanceOptions)

// WithLogger overrides the logger built from the log section.
func WithLogger(l core.Logger) InstanceOption {
	return func(o *instanceOptions) {
		o.logger = l
	}
}

// WithOpener overrides the byte source opener built from the source section.
func WithOpener(op source.Opener) InstanceOption {
	return func(o *instanceOptions) {
		o.opener = op
	}
}

// WithEngineOptions appends engine options after those derived from cfg.
func WithEngineOptions(opts ...page.Option) InstanceOption {
	return func(o *instanceOptions) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

// NewInstance wires an Instance from cfg. A nil cfg means config.Default().
func NewInstance(cfg *config.Config, opts ...InstanceOption) (*Instance, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o instanceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = cfg.Logger()
	}

	inst := &Instance{
		Config:  cfg,
		Logger:  o.logger,
		metrics: &core.NilMetrics{},
	}

	if cfg.Metrics.Enabled {
		inst.promReg = prom.NewRegistry()
		exporter, err := obs.NewMetricsExporter(cfg.Metrics.Namespace, inst.promReg, obs.ExporterOptions{})
		if err != nil {
			return nil, err
		}
		inst.metrics = exporter
		if inst.poller, err = obs.NewSnapshotPoller(cfg.Metrics.Namespace, inst.promReg, cfg.Metrics.PollInterval); err != nil {
			return nil, err
		}
	}

	panicHandler := &core.DefaultPanicHandler{Logger: inst.Logger}

	inst.Registry = core.NewWorkerRegistry(
		core.WithRegistryLogger(inst.Logger),
		core.WithRegistryMetrics(inst.metrics),
		core.WithRegistryPanicHandler(panicHandler),
	)
	inst.UI = core.NewSingleThreadTaskRunner(
		core.WithRunnerName("ui"),
		core.WithRunnerLogger(inst.Logger),
		core.WithRunnerMetrics(inst.metrics),
		core.WithRunnerPanicHandler(panicHandler),
	)
	inst.Loader = core.NewSingleThreadTaskRunner(
		core.WithRunnerName("loader"),
		core.WithRunnerLogger(inst.Logger),
		core.WithRunnerMetrics(inst.metrics),
		core.WithRunnerPanicHandler(panicHandler),
	)

	opener := o.opener
	if opener == nil {
		opener = source.NewOpener(cfg.SourceOptions(), source.WithLogger(inst.Logger))
	}

	engineOpts := []page.Option{
		page.WithRegistry(inst.Registry),
		page.WithOpener(opener),
		page.WithLogger(inst.Logger),
		page.WithMetrics(inst.metrics),
		page.WithPanicHandler(panicHandler),
		page.WithStatusMaxLength(cfg.Engine.StatusMaxLength),
		page.WithProgressEvery(cfg.Engine.ProgressEveryTags),
		page.WithSupersede(cfg.Engine.Supersede),
		page.WithHistoryCapacity(cfg.Engine.HistorySize),
		page.WithParserOptions(parser.WithMaxTagLength(cfg.Engine.MaxTagLength)),
	}
	inst.Engine = page.NewEngine(append(engineOpts, o.engineOpts...)...)

	if inst.poller != nil {
		inst.poller.AddRegistry("main", inst.Registry)
		inst.poller.AddEngine("main", inst.Engine)
		inst.poller.AddRunner("ui", inst.UI)
		inst.poller.AddRunner("loader", inst.Loader)
		inst.poller.Start(context.Background())
	}

	inst.Logger.Debug("instance ready",
		core.F("metrics", cfg.Metrics.Enabled),
		core.F("supersede", cfg.Engine.Supersede))
	return inst, nil
}

// MetricsHandler serves the instance's Prometheus registry. It is nil when
// metrics are disabled.
func (i *Instance) MetricsHandler() http.Handler {
	if i.promReg == nil {
		return nil
	}
	return promhttp.HandlerFor(i.promReg, promhttp.HandlerOpts{})
}

// Close shuts the engine down (joining interface workers first), stops both
// runners and the metrics poller, and closes the registry.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		i.closeError = i.Engine.Close(ctx)
		i.UI.Stop()
		i.Loader.Stop()
		i.Registry.Close()
		i.poller.Stop()
	})
	return i.closeError
}

// =============================================================================
// Global Instance Helper (Singleton)
// =============================================================================

var (
	globalInstance *Instance
	globalMu       sync.Mutex
)

// InitGlobalInstance creates the process-wide instance from cfg. Later calls
// are no-ops.
func InitGlobalInstance(cfg *config.Config, opts ...InstanceOption) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalInstance != nil {
		return nil
	}

	inst, err := NewInstance(cfg, opts...)
	if err != nil {
		return err
	}
	globalInstance = inst
	return nil
}

// GetGlobalInstance returns the process-wide instance.
// It panics if InitGlobalInstance has not been called.
func GetGlobalInstance() *Instance {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalInstance == nil {
		panic("global instance not initialized. Call InitGlobalInstance() first.")
	}
	return globalInstance
}

// ShutdownGlobalInstance closes the process-wide instance.
func ShutdownGlobalInstance(ctx context.Context) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalInstance == nil {
		return nil
	}
	err := globalInstance.Close(ctx)
	globalInstance = nil
	return err
}
