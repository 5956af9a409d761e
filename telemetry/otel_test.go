package telemetry

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/itsneelabh/meshindex/core"
)

func newStdoutProvider(t *testing.T) *Provider {
	t.Helper()

	// Silence the stdout exporter's span dumps during tests.
	old := os.Stdout
	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening %s: %v", os.DevNull, err)
	}
	os.Stdout = devNull
	t.Cleanup(func() {
		os.Stdout = old
		devNull.Close()
	})

	p, err := NewProvider("meshindex-test", core.TelemetryConfig{
		Enabled:  true,
		Exporter: "stdout",
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func TestProviderImplementsTelemetry(t *testing.T) {
	var _ core.Telemetry = newStdoutProvider(t)
}

func TestSpanLifecycle(t *testing.T) {
	p := newStdoutProvider(t)

	ctx, span := p.StartSpan(context.Background(), "registry.Discover")
	if ctx == nil {
		t.Fatal("StartSpan returned nil context")
	}
	span.SetAttribute("agents.found", 3)
	span.SetAttribute("cache.hit", true)
	span.SetAttribute("strategy", "local-first")
	span.SetAttribute("weird", io.EOF) // falls back to string formatting
	span.RecordError(errors.New("boom"))
	span.End()
}

func TestRecordMetricReusesInstrument(t *testing.T) {
	p := newStdoutProvider(t)

	for i := 0; i < 3; i++ {
		p.RecordMetric("meshindex.query.duration_ms", float64(i), map[string]string{
			"strategy": "local-first",
		})
	}
	p.mu.Lock()
	n := len(p.histograms)
	p.mu.Unlock()
	if n != 1 {
		t.Errorf("expected 1 cached histogram, got %d", n)
	}
}
