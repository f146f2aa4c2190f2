// Package metrics exposes Prometheus instrumentation for the gateway.
//
// Metrics live in their own prometheus.Registry so tests can create as many
// instances as they like. A nil *Metrics is valid and records nothing.
//
//	aipim_auth_outcomes_total{outcome}
//	aipim_enrollments_total{result}
//	aipim_dispatch_duration_seconds{verb,status}
//	aipim_crypto_pool_size
package metrics
