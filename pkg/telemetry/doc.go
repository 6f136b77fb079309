// Package telemetry provides the observability plumbing of mandelcache.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and a small generation event publisher behind one Telemetry value.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("cache")
//	logger.WithRequestID(id).Info("cache hit")
//
// # Metrics
//
// Metrics are registered on a private registry and exposed with Handler or
// StartMetricsServer. A disabled Metrics value is safe to use; every recorder is a
// no-op.
//
// # Events
//
// The generator publishes generation.* and chunk.completed events. The CLI subscribes
// to chunk events to report progress:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeChunkCompleted))
package telemetry
