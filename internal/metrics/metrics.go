// Package metrics exposes the gateway's Prometheus instrumentation:
// session lifecycle counts, per-reader measurement throughput,
// zone-change events, and CSV write failures.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every metric the gateway exports.
type Registry struct {
	reg *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	SessionsServed   prometheus.Counter
	SessionsRefused  prometheus.Counter
	SessionsTimedOut prometheus.Counter
	InvalidSensorIDs prometheus.Counter
	CSVWriteFailures prometheus.Counter

	measurementsConsumed *prometheus.CounterVec
	zoneEvents           *prometheus.CounterVec
}

// New builds a fresh, independent registry (not the global default one,
// so tests can each get their own).
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ActiveSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sensor_gateway_active_sessions",
			Help: "Number of client sessions currently being served.",
		}),
		SessionsServed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sensor_gateway_sessions_served_total",
			Help: "Total number of client sessions that have completed.",
		}),
		SessionsRefused: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sensor_gateway_sessions_refused_total",
			Help: "Total number of connections refused after the quota was reached.",
		}),
		SessionsTimedOut: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sensor_gateway_sessions_timed_out_total",
			Help: "Total number of sessions ended due to an idle timeout.",
		}),
		InvalidSensorIDs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sensor_gateway_invalid_sensor_ids_total",
			Help: "Total number of measurements received for an unknown sensor id.",
		}),
		CSVWriteFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sensor_gateway_csv_write_failures_total",
			Help: "Total number of failed CSV row writes.",
		}),
		measurementsConsumed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sensor_gateway_measurements_consumed_total",
			Help: "Total number of measurements consumed, by reader.",
		}, []string{"reader"}),
		zoneEvents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sensor_gateway_zone_events_total",
			Help: "Total number of threshold zone-change events emitted, by zone.",
		}, []string{"zone"}),
	}

	return r
}

// MeasurementsConsumed returns the counter for reader (DM or SM).
func (r *Registry) MeasurementsConsumed(reader fmt.Stringer) prometheus.Counter {
	return r.measurementsConsumed.WithLabelValues(reader.String())
}

// ZoneEvents returns the counter for the named zone ("cold" or "hot").
func (r *Registry) ZoneEvents(zone string) prometheus.Counter {
	return r.zoneEvents.WithLabelValues(zone)
}

// Serve starts an HTTP server exposing /metrics on addr. It runs until
// ctx is done, then shuts down.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
