// Package telemetry provides logging, tracing and metrics for cherve commands.
//
// Every command builds one Telemetry bundle, stores it on the context and
// shuts it down when the command returns:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	ctx = tel.WithContext(ctx)
//	defer tel.Shutdown(context.Background(), "site-deploy")
//
// # Logging
//
// Logger wraps zerolog. Component loggers carry site, domain and run fields:
//
//	logger := telemetry.FromContext(ctx).WithSite("acme")
//	logger.Info("Deploying")
//
// # Tracing
//
// Each command run is a span and each step below it a child span. The
// exporter is chosen by TracingConfig.Exporter (otlp, stdout, none).
//
//	op := telemetry.StartOperation(ctx, "publish", "acme.example")
//	err := publish(op.Ctx)
//	op.End(err)
//
// # Metrics
//
// cherve is a short-lived CLI, so metrics are not served over HTTP. When
// MetricsConfig.TextfileDir is set, Shutdown writes <command>.prom there for
// the node_exporter textfile collector.
package telemetry
