package metrics

import (
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// AppMetrics holds the application's metric instruments.
type AppMetrics struct {
	SignInTotal            metric.Int64Counter
	SignUpTotal            metric.Int64Counter
	ProfileBootstrapTotal  metric.Int64Counter
	AuthDurationSeconds    metric.Float64Histogram
	DbQueryDurationSeconds metric.Float64Histogram
	DbQueryErrorsTotal     metric.Int64Counter
	ActivePortalClients    metric.Int64UpDownCounter
}

var (
	appMetrics *AppMetrics
	once       sync.Once
)

// InitAppMetrics creates the instruments on the global MeterProvider once.
// Call it after the provider is installed so the instruments are exported.
func InitAppMetrics() {
	once.Do(func() {
		meter := otel.GetMeterProvider().Meter("PropertyPortal")
		m := &AppMetrics{}
		var err error

		m.SignInTotal, err = meter.Int64Counter(
			"auth_sign_in_total",
			metric.WithDescription("Sign-in attempts by outcome"),
			metric.WithUnit("{request}"),
		)
		must(err, "auth_sign_in_total")

		m.SignUpTotal, err = meter.Int64Counter(
			"auth_sign_up_total",
			metric.WithDescription("Sign-up attempts by outcome"),
			metric.WithUnit("{request}"),
		)
		must(err, "auth_sign_up_total")

		m.ProfileBootstrapTotal, err = meter.Int64Counter(
			"profile_bootstrap_total",
			metric.WithDescription("Profile bootstraps, degraded ones flagged"),
			metric.WithUnit("{profile}"),
		)
		must(err, "profile_bootstrap_total")

		m.AuthDurationSeconds, err = meter.Float64Histogram(
			"auth_duration_seconds",
			metric.WithDescription("Duration of identity operations in seconds"),
			metric.WithUnit("s"),
		)
		must(err, "auth_duration_seconds")

		m.DbQueryDurationSeconds, err = meter.Float64Histogram(
			"db_query_duration_seconds",
			metric.WithDescription("Duration of database queries in seconds"),
			metric.WithUnit("s"),
		)
		must(err, "db_query_duration_seconds")

		m.DbQueryErrorsTotal, err = meter.Int64Counter(
			"db_query_errors_total",
			metric.WithDescription("Total number of database query errors"),
			metric.WithUnit("{error}"),
		)
		must(err, "db_query_errors_total")

		m.ActivePortalClients, err = meter.Int64UpDownCounter(
			"portal_active_clients",
			metric.WithDescription("Browser clients with a live identity manager"),
			metric.WithUnit("{client}"),
		)
		must(err, "portal_active_clients")

		appMetrics = m
	})
}

func must(err error, name string) {
	if err != nil {
		log.Fatalf("Metrics: failed to create %s: %v", name, err)
	}
}

// Get returns the instruments, initialising them against whatever provider is
// installed. Tests get the no-op provider.
func Get() *AppMetrics {
	InitAppMetrics()
	return appMetrics
}
