package telemetry

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"production", func(c *Config) { *c = *ProductionConfig(); c.Tracing.Endpoint = "collector:4317" }, false},
		{"development", func(c *Config) { *c = *DevelopmentConfig() }, false},
		{"missing service", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"sampling above one", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }, true},
		{"empty event buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("cache").
		WithRequestID("req-42").
		WithViewport(-2, 1, -1, 1, 300).
		Info("cache hit")

	out := buf.String()
	for _, want := range []string{`"component":"cache"`, `"request_id":"req-42"`, `"iterations":300`, `"message":"cache hit"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}

	buf.Reset()
	NewWriterLogger(&buf, LoggingConfig{Level: "warn", Format: "json"}).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line should be filtered at warn level, got %s", buf.String())
	}
}

func TestMetricsRecorders(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	m.RecordGenerationStarted()
	m.RecordGenerationCompleted(SourceFresh, "fixed", time.Second)
	m.RecordChunk("fixed", "ok", 100, 50, time.Millisecond)
	m.RecordChunk("fixed", "ok", 100, 25, time.Millisecond)
	m.RecordCacheLookup("get", "hit")
	m.SetCachedArtifacts(3)

	if got := testutil.ToFloat64(m.generationsCompleted.WithLabelValues(SourceFresh, "fixed")); got != 1 {
		t.Errorf("expected 1 fresh generation, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeGenerations); got != 0 {
		t.Errorf("expected no active generations, got %v", got)
	}
	if got := testutil.ToFloat64(m.kernelSteps); got != 75 {
		t.Errorf("expected 75 kernel steps, got %v", got)
	}
	if got := testutil.ToFloat64(m.cachedArtifacts); got != 3 {
		t.Errorf("expected 3 cached artifacts, got %v", got)
	}
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordGenerationStarted()
	m.RecordChunk("fixed", "ok", 1, 1, time.Millisecond)
	m.RecordCacheLookup("get", "miss")
	m.RecordError("permanent", "X")

	var nilMetrics *Metrics
	nilMetrics.SetCachedArtifacts(1)

	if m.Registry() != nil {
		t.Error("disabled metrics should not have a registry")
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16, MaxBatchSize: 4})

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	}, FilterByRequestID("req-1"))

	_ = ep.PublishGenerationStarted("req-1", "v", 1)
	_ = ep.PublishGenerationStarted("req-2", "v", 1)
	_ = ep.PublishGenerationCancelled("req-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != EventTypeGenerationStarted || got[1] != EventTypeGenerationCancelled {
		t.Errorf("unexpected events delivered: %v", got)
	}
}

func TestFilterByLevel(t *testing.T) {
	f := FilterByLevel(EventLevelWarning)
	if f(Event{Level: EventLevelInfo}) {
		t.Error("info should be filtered")
	}
	if !f(Event{Level: EventLevelError}) {
		t.Error("error should pass")
	}
}
