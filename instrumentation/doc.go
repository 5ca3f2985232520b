// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// When Config.Enabled is true the package uses the globally registered
// OpenTelemetry providers, so the embedding application decides where data
// is exported. When disabled, no-op providers are used and every Record and
// span helper costs close to nothing.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "oauth2-server",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//
// Tests can inject providers directly through Config.TracerProvider and
// Config.MeterProvider, for example an sdktrace provider with a span recorder.
//
// Never put credential values (codes, tokens, secrets, verifiers) into span
// attributes or metric labels. Use family ids, grant types and outcomes.
package instrumentation
