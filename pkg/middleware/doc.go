// Package middleware provides HTTP middleware for the gateway's control
// surface.
//
// # Prometheus
//
//	r := chi.NewRouter()
//	r.Use(middleware.Prometheus(middleware.WithRegistry(reg)))
//
// Requests are labelled by their chi route pattern (/api/v1/sessions/{id})
// rather than the raw path, so labels stay low-cardinality.
//
// # OpenTelemetry
//
//	r.Use(middleware.OpenTelemetry(middleware.WithFilter(skipHealth)))
//
// The tracer comes from the global provider; configure it in main.
//
// # Logging and recovery
//
// RequestLogger logs one line per request with zap; Recover turns handler
// panics into 500 responses.
package middleware
