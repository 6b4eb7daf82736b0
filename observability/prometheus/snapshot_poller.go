package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-page-runner/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// RunnerSnapshotProvider provides current foreground runner stats.
type RunnerSnapshotProvider interface {
	Stats() core.RunnerStats
}

// RegistrySnapshotProvider provides current worker registry stats.
type RegistrySnapshotProvider interface {
	Stats() core.RegistryStats
}

// EngineSnapshotProvider provides current page engine stats.
type EngineSnapshotProvider interface {
	Stats() core.EngineStats
}

var workerCategories = []core.WorkerCategory{core.CategoryInterface, core.CategoryParser, core.CategoryControl}

// SnapshotPoller periodically exports Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	mu         sync.RWMutex
	runners    map[string]RunnerSnapshotProvider
	registries map[string]RegistrySnapshotProvider
	engines    map[string]EngineSnapshotProvider

	runnerPending  *prom.GaugeVec
	runnerExecuted *prom.GaugeVec
	runnerClosed   *prom.GaugeVec

	registryWorkers *prom.GaugeVec
	registryClosed  *prom.GaugeVec

	engineInFlight *prom.GaugeVec
	enginePages    *prom.GaugeVec
	engineClosed   *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = "pagerunner"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	p := &SnapshotPoller{
		interval:   interval,
		runners:    make(map[string]RunnerSnapshotProvider),
		registries: make(map[string]RegistrySnapshotProvider),
		engines:    make(map[string]EngineSnapshotProvider),

		runnerPending:  gauge("runner_pending", "Number of pending tasks per runner.", "runner"),
		runnerExecuted: gauge("runner_executed_total", "Runner executed task count snapshot.", "runner"),
		runnerClosed:   gauge("runner_closed", "Runner closed state (1=closed, 0=open).", "runner"),

		registryWorkers: gauge("registry_workers", "Tracked workers per registry and category.", "registry", "category"),
		registryClosed:  gauge("registry_closed", "Registry closed state (1=closed, 0=open).", "registry"),

		engineInFlight: gauge("engine_pages_in_flight", "Pages requested but not yet handed off.", "engine"),
		enginePages:    gauge("engine_pages_total", "Engine page count snapshot by state.", "engine", "state"),
		engineClosed:   gauge("engine_closed", "Engine closed state (1=closed, 0=open).", "engine"),
	}

	for _, target := range []**prom.GaugeVec{
		&p.runnerPending, &p.runnerExecuted, &p.runnerClosed,
		&p.registryWorkers, &p.registryClosed,
		&p.engineInFlight, &p.enginePages, &p.engineClosed,
	} {
		registered, err := registerCollector(reg, *target)
		if err != nil {
			return nil, err
		}
		*target = registered
	}

	return p, nil
}

// AddRunner adds or replaces a runner snapshot provider by name.
func (p *SnapshotPoller) AddRunner(name string, provider RunnerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.mu.Lock()
	p.runners[normalizeLabel(name, "runner")] = provider
	p.mu.Unlock()
}

// AddRegistry adds or replaces a worker registry provider by name.
func (p *SnapshotPoller) AddRegistry(name string, provider RegistrySnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.mu.Lock()
	p.registries[normalizeLabel(name, "registry")] = provider
	p.mu.Unlock()
}

// AddEngine adds or replaces an engine provider by name.
func (p *SnapshotPoller) AddEngine(name string, provider EngineSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.mu.Lock()
	p.engines[normalizeLabel(name, "engine")] = provider
	p.mu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling after one final collection; repeated calls
// are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	p.collectOnce()

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for name, provider := range p.runners {
		stats := provider.Stats()
		p.runnerPending.WithLabelValues(name).Set(float64(stats.Pending))
		p.runnerExecuted.WithLabelValues(name).Set(float64(stats.Executed))
		p.runnerClosed.WithLabelValues(name).Set(boolGauge(stats.Closed))
	}

	for name, provider := range p.registries {
		stats := provider.Stats()
		for _, c := range workerCategories {
			p.registryWorkers.WithLabelValues(name, c.String()).Set(float64(stats.Workers[c.String()]))
		}
		p.registryClosed.WithLabelValues(name).Set(boolGauge(stats.Closed))
	}

	for name, provider := range p.engines {
		stats := provider.Stats()
		p.engineInFlight.WithLabelValues(name).Set(float64(stats.InFlight))
		p.enginePages.WithLabelValues(name, "requested").Set(float64(stats.Requested))
		p.enginePages.WithLabelValues(name, "ready").Set(float64(stats.Ready))
		p.enginePages.WithLabelValues(name, "failed").Set(float64(stats.Failed))
		p.engineClosed.WithLabelValues(name).Set(boolGauge(stats.Closed))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
