// Package observability wires logging, Prometheus metrics, OpenTelemetry and
// health probes for the admission service.
//
// Logging is logrus throughout. Loggers are injected; a nil logger falls back to
// a default one:
//
//	logger := observability.NewLogger("info", "json", os.Stdout)
//	observability.FromContext(ctx).WithField("artifact", name).Info("admitted")
//
// Metrics are registered on an explicit registry so tests can use a private one:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// InitOTel installs OTLP gRPC trace and metric exporters. When disabled the
// global no-op providers remain and Tracer() spans cost nothing.
package observability
