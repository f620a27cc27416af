// Package telemetry provides observability for the module factory.
//
// It bundles four concerns behind one Telemetry value:
//
//  1. Logger wraps zerolog with instance and worker fields.
//  2. Metrics exposes Prometheus counters and histograms and implements
//     engine.Observer, so it is handed straight to the orchestrator.
//  3. Tracer owns the OpenTelemetry provider (stdout or OTLP gRPC export).
//  4. EventPublisher implements engine.EventPublisher and fans workflow
//     events out to subscribers such as the API event stream.
//
// Typical wiring:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	orch, err := engine.NewOrchestrator(engine.Options{
//	    Observer:  tel.Metrics,
//	    Publisher: tel.Events,
//	    Tracer:    tel.Tracer.Tracer(),
//	    Logger:    tel.Logger.Zerolog(),
//	    // ...
//	})
package telemetry
