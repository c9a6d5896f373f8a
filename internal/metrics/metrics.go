package metrics

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var log = logging.Logger("metrics")

const meterName = "github.com/storacha/queuepump"

var (
	// PulledMessages counts messages pulled from a queue and dispatched to a handler
	PulledMessages metric.Int64Counter

	// ProcessedMessages counts messages handled successfully and deleted
	ProcessedMessages metric.Int64Counter

	// HandlerFailures counts handler errors, each leaving a message for redelivery
	HandlerFailures metric.Int64Counter

	// DeleteFailures counts successfully handled messages that could not be deleted
	DeleteFailures metric.Int64Counter

	// PullFailures counts failed pulls, each followed by a cooldown
	PullFailures metric.Int64Counter

	// TokenRefreshes counts newly signed credentials
	TokenRefreshes metric.Int64Counter

	// InFlightMessages tracks messages currently being processed
	InFlightMessages metric.Int64UpDownCounter
)

func init() {
	// instruments are usable before Init, they just record nothing
	if err := register(noop.NewMeterProvider().Meter(meterName)); err != nil {
		panic(err)
	}
}

// Init initializes the OpenTelemetry metrics with Prometheus exporter
func Init() error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	// Create a MeterProvider with the Prometheus exporter
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	// Set the global MeterProvider
	otel.SetMeterProvider(provider)

	if err := register(provider.Meter(meterName)); err != nil {
		return err
	}

	log.Info("OpenTelemetry metrics initialized with Prometheus exporter")
	return nil
}

func register(meter metric.Meter) error {
	var err error

	PulledMessages, err = meter.Int64Counter(
		"queuepump_pulled_messages_total",
		metric.WithDescription("Total number of messages pulled and dispatched"),
	)
	if err != nil {
		return fmt.Errorf("failed to create PulledMessages counter: %w", err)
	}

	ProcessedMessages, err = meter.Int64Counter(
		"queuepump_processed_messages_total",
		metric.WithDescription("Total number of messages handled and deleted"),
	)
	if err != nil {
		return fmt.Errorf("failed to create ProcessedMessages counter: %w", err)
	}

	HandlerFailures, err = meter.Int64Counter(
		"queuepump_handler_failures_total",
		metric.WithDescription("Total number of handler failures"),
	)
	if err != nil {
		return fmt.Errorf("failed to create HandlerFailures counter: %w", err)
	}

	DeleteFailures, err = meter.Int64Counter(
		"queuepump_delete_failures_total",
		metric.WithDescription("Total number of failed deletes after successful handling"),
	)
	if err != nil {
		return fmt.Errorf("failed to create DeleteFailures counter: %w", err)
	}

	PullFailures, err = meter.Int64Counter(
		"queuepump_pull_failures_total",
		metric.WithDescription("Total number of failed pulls"),
	)
	if err != nil {
		return fmt.Errorf("failed to create PullFailures counter: %w", err)
	}

	TokenRefreshes, err = meter.Int64Counter(
		"queuepump_token_refreshes_total",
		metric.WithDescription("Total number of signed access tokens"),
	)
	if err != nil {
		return fmt.Errorf("failed to create TokenRefreshes counter: %w", err)
	}

	InFlightMessages, err = meter.Int64UpDownCounter(
		"queuepump_in_flight_messages",
		metric.WithDescription("Number of messages currently being processed"),
	)
	if err != nil {
		return fmt.Errorf("failed to create InFlightMessages counter: %w", err)
	}

	return nil
}
