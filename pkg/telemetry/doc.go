// Package telemetry provides logging, tracing and metrics for poncho processes.
//
// Logging uses zerolog, tracing uses OpenTelemetry with an OTLP gRPC or stdout
// exporter, and metrics use a private Prometheus registry that the worker's
// admin server exposes.
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	op := telemetry.StartOperation(ctx, "poller.step")
//	defer op.End(err)
//
// StartOperation works on any context. Without a Telemetry the span is a
// no-op, so library packages start operations unconditionally.
// A Metrics built from a disabled MetricsConfig is a valid no-op collector.
package telemetry
