// Package observability sets up the OpenTelemetry meter and tracer providers
// used by relayctl and any program embedding the dispatch layer.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"

	"jobrelay/internal/logger"
)

// MetricsPath is where ServeMetrics exposes the Prometheus endpoint.
const MetricsPath = "/metrics"

// InitMetrics installs a global meter provider backed by a Prometheus
// exporter. It returns the scrape handler and the provider shutdown.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// ServeMetrics serves handler on addr until ctx is done. It returns once the
// listener is closed.
func ServeMetrics(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	log = logger.OrDefault(log)

	mux := http.NewServeMux()
	mux.Handle(MetricsPath, handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
