package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-page-runner/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
	SizeBuckets     []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	workerStartedTotal  *prom.CounterVec
	workerFinishedTotal *prom.CounterVec
	parseDurationSecs   *prom.HistogramVec
	parseBytes          *prom.HistogramVec
	parseTagsTotal      *prom.CounterVec
	handlerPanicTotal   *prom.CounterVec
	mailboxOverwrites   *prom.CounterVec
	taskPanicTotal      *prom.CounterVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "pagerunner"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	durationBuckets := opts.DurationBuckets
	if len(durationBuckets) == 0 {
		durationBuckets = prom.DefBuckets
	}
	sizeBuckets := opts.SizeBuckets
	if len(sizeBuckets) == 0 {
		sizeBuckets = prom.ExponentialBuckets(1024, 4, 8)
	}

	startedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_started_total",
		Help:      "Total number of workers started.",
	}, []string{"category"})
	finishedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_finished_total",
		Help:      "Total number of workers finished, by outcome.",
	}, []string{"category", "outcome"})
	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "parse_duration_seconds",
		Help:      "Time spent in the parse loop.",
		Buckets:   durationBuckets,
	}, []string{"outcome"})
	bytesVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "parse_bytes",
		Help:      "Bytes consumed per parse.",
		Buckets:   sizeBuckets,
	}, []string{"outcome"})
	tagsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "parse_tags_total",
		Help:      "Total number of tags dispatched to binding tables.",
	}, []string{"outcome"})
	handlerPanicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tag_handler_panic_total",
		Help:      "Total number of tag handler panics.",
	}, []string{"tag"})
	overwriteVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "mailbox_overwrite_total",
		Help:      "Total number of mailbox values replaced before being taken.",
	}, []string{"mailbox"})
	taskPanicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Total number of foreground task panics.",
	}, []string{"runner"})

	var err error
	if startedVec, err = registerCollector(reg, startedVec); err != nil {
		return nil, err
	}
	if finishedVec, err = registerCollector(reg, finishedVec); err != nil {
		return nil, err
	}
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if bytesVec, err = registerCollector(reg, bytesVec); err != nil {
		return nil, err
	}
	if tagsVec, err = registerCollector(reg, tagsVec); err != nil {
		return nil, err
	}
	if handlerPanicVec, err = registerCollector(reg, handlerPanicVec); err != nil {
		return nil, err
	}
	if overwriteVec, err = registerCollector(reg, overwriteVec); err != nil {
		return nil, err
	}
	if taskPanicVec, err = registerCollector(reg, taskPanicVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		workerStartedTotal:  startedVec,
		workerFinishedTotal: finishedVec,
		parseDurationSecs:   durationVec,
		parseBytes:          bytesVec,
		parseTagsTotal:      tagsVec,
		handlerPanicTotal:   handlerPanicVec,
		mailboxOverwrites:   overwriteVec,
		taskPanicTotal:      taskPanicVec,
	}, nil
}

// RecordWorkerStarted counts a started worker.
func (m *MetricsExporter) RecordWorkerStarted(category core.WorkerCategory) {
	if m == nil {
		return
	}
	m.workerStartedTotal.WithLabelValues(category.String()).Inc()
}

// RecordWorkerFinished counts a finished worker by outcome.
func (m *MetricsExporter) RecordWorkerFinished(category core.WorkerCategory, outcome string) {
	if m == nil {
		return
	}
	m.workerFinishedTotal.WithLabelValues(category.String(), normalizeLabel(outcome, "unknown")).Inc()
}

// RecordParse records duration, size and tag count of a finished parse.
func (m *MetricsExporter) RecordParse(outcome string, duration time.Duration, bytes int64, tags int) {
	if m == nil {
		return
	}
	outcome = normalizeLabel(outcome, "unknown")
	m.parseDurationSecs.WithLabelValues(outcome).Observe(duration.Seconds())
	m.parseBytes.WithLabelValues(outcome).Observe(float64(bytes))
	m.parseTagsTotal.WithLabelValues(outcome).Add(float64(tags))
}

// RecordHandlerPanic counts a tag handler panic.
func (m *MetricsExporter) RecordHandlerPanic(tag string) {
	if m == nil {
		return
	}
	m.handlerPanicTotal.WithLabelValues(normalizeLabel(tag, "unknown")).Inc()
}

// RecordMailboxOverwrite counts a lost mailbox value.
func (m *MetricsExporter) RecordMailboxOverwrite(mailbox string) {
	if m == nil {
		return
	}
	m.mailboxOverwrites.WithLabelValues(normalizeLabel(mailbox, "unknown")).Inc()
}

// RecordTaskPanic records task panic events.
func (m *MetricsExporter) RecordTaskPanic(runnerName string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(runnerName, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
