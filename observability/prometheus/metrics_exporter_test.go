package prometheus

import (
	"context"
	"testing"
	"time"

	"github.com/Swind/go-page-runner/core"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsExporter_RecordMethods(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("pagerunner", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	exporter.RecordWorkerStarted(core.CategoryParser)
	exporter.RecordWorkerFinished(core.CategoryParser, "cancelled")
	exporter.RecordParse("ok", 250*time.Millisecond, 4096, 12)
	exporter.RecordParse("ok", 10*time.Millisecond, 100, 3)
	exporter.RecordHandlerPanic("title")
	exporter.RecordMailboxOverwrite("status")
	exporter.RecordTaskPanic("ui", "panic")

	if got := testutil.ToFloat64(exporter.workerStartedTotal.WithLabelValues("parser")); got != 1 {
		t.Fatalf("worker started = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.workerFinishedTotal.WithLabelValues("parser", "cancelled")); got != 1 {
		t.Fatalf("worker finished = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.parseTagsTotal.WithLabelValues("ok")); got != 15 {
		t.Fatalf("parse tags = %v, want 15", got)
	}
	if got := testutil.ToFloat64(exporter.handlerPanicTotal.WithLabelValues("title")); got != 1 {
		t.Fatalf("handler panics = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.mailboxOverwrites.WithLabelValues("status")); got != 1 {
		t.Fatalf("mailbox overwrites = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.taskPanicTotal.WithLabelValues("ui")); got != 1 {
		t.Fatalf("task panics = %v, want 1", got)
	}

	histCount, err := histogramSampleCount(exporter.parseDurationSecs.WithLabelValues("ok"))
	if err != nil {
		t.Fatalf("histogramSampleCount failed: %v", err)
	}
	if histCount != 2 {
		t.Fatalf("duration sample count = %d, want 2", histCount)
	}

	if n := testutil.CollectAndCount(exporter.parseBytes); n != 1 {
		t.Fatalf("parse bytes series = %d, want 1", n)
	}
}

func TestMetricsExporter_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewMetricsExporter("pagerunner", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("first NewMetricsExporter failed: %v", err)
	}
	second, err := NewMetricsExporter("pagerunner", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("second NewMetricsExporter failed: %v", err)
	}

	first.RecordMailboxOverwrite("control")
	second.RecordMailboxOverwrite("control")

	got := testutil.ToFloat64(first.mailboxOverwrites.WithLabelValues("control"))
	if got != 2 {
		t.Fatalf("shared overwrite counter = %v, want 2", got)
	}
}

func TestMetricsExporter_NilSafe(t *testing.T) {
	var m *MetricsExporter
	m.RecordParse("ok", time.Second, 1, 1)
	m.RecordWorkerStarted(core.CategoryControl)
	m.RecordTaskPanic("", nil)
}

// The exporter is a drop-in sink for the registry.
func TestMetricsExporter_WiredIntoRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	registry := core.NewWorkerRegistry(core.WithRegistryMetrics(exporter))
	defer registry.Close()

	if _, err := registry.Start(core.CategoryInterface, func(ctx context.Context, arg any) error { return nil }, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := registry.Join(ctx, core.CategoryInterface); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if got := testutil.ToFloat64(exporter.workerFinishedTotal.WithLabelValues("interface", "done")); got != 1 {
		t.Fatalf("finished = %v, want 1", got)
	}
}

func histogramSampleCount(observer prom.Observer) (uint64, error) {
	collector, ok := observer.(prom.Collector)
	if !ok {
		return 0, nil
	}

	metricCh := make(chan prom.Metric, 1)
	collector.Collect(metricCh)
	close(metricCh)
	for metric := range metricCh {
		msg := &dto.Metric{}
		if err := metric.Write(msg); err != nil {
			return 0, err
		}
		if msg.Histogram != nil {
			return msg.Histogram.GetSampleCount(), nil
		}
	}
	return 0, nil
}
