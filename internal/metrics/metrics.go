// Package metrics exposes the cluster's Prometheus instrumentation. Each
// process owns one Registry; services take a nil registry when metrics are
// disabled.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Registry bundles the process gauges and counters on a private Prometheus
// registry, so multiple instances (tests, mainly) never collide.
type Registry struct {
	reg *prometheus.Registry
	log zerolog.Logger

	// Object and client population.
	Objects prometheus.Gauge
	Clients prometheus.Gauge

	// Bus traffic.
	Subscriptions    prometheus.Gauge
	DatagramsRouted  prometheus.Counter
	DatagramsDropped prometheus.Counter

	// Client agent outcomes.
	Ejects             *prometheus.CounterVec
	InterestsDone      prometheus.Counter
	InterestsTimedOut  prometheus.Counter
	DatabaseQueries    prometheus.Counter
	DatabaseQueryFails prometheus.Counter

	// System resources, fed by the collector goroutine.
	cpuPercent  prometheus.Gauge
	heapAllocMB prometheus.Gauge
	goroutines  prometheus.Gauge

	server *http.Server
	stop   chan struct{}
}

// New builds a Registry with all collectors registered.
func New(log zerolog.Logger) *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,
		log: log.With().Str("component", "metrics").Logger(),

		Objects: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ardos_objects_active",
			Help: "Number of live distributed objects hosted by this process",
		}),
		Clients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ardos_clients_active",
			Help: "Number of connected clients",
		}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ardos_channel_subscriptions",
			Help: "Number of channel subscriptions held by local participants",
		}),
		DatagramsRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ardos_datagrams_routed_total",
			Help: "Total datagrams routed by the message director",
		}),
		DatagramsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ardos_datagrams_dropped_total",
			Help: "Total malformed or unroutable datagrams discarded",
		}),
		Ejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ardos_client_ejects_total",
			Help: "Total client ejections by disconnect reason",
		}, []string{"reason"}),
		InterestsDone: factory.NewCounter(prometheus.CounterOpts{
			Name: "ardos_interests_completed_total",
			Help: "Total interest operations completed",
		}),
		InterestsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "ardos_interests_timed_out_total",
			Help: "Total interest operations that hit their timeout",
		}),
		DatabaseQueries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ardos_database_queries_total",
			Help: "Total database operations executed",
		}),
		DatabaseQueryFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "ardos_database_query_failures_total",
			Help: "Total database operations that failed",
		}),
		cpuPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ardos_cpu_percent",
			Help: "Smoothed system CPU usage percentage",
		}),
		heapAllocMB: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ardos_heap_alloc_mb",
			Help: "Heap in use in megabytes",
		}),
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ardos_goroutines",
			Help: "Number of goroutines",
		}),

		stop: make(chan struct{}),
	}
	return r
}

// EjectsByReason bumps the eject counter for a disconnect reason code.
func (r *Registry) EjectsByReason(reason uint16) {
	r.Ejects.WithLabelValues(fmt.Sprintf("%d", reason)).Inc()
}

// Serve starts the promhttp endpoint and the system collector. Non-blocking;
// Close shuts both down.
func (r *Registry) Serve(host string, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	r.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: mux,
	}

	go func() {
		r.log.Info().Str("addr", r.server.Addr).Msg("Metrics endpoint listening")
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Error().Err(err).Msg("Metrics endpoint failed")
		}
	}()
	go r.collect()
}

// collect samples process stats every few seconds, smoothing CPU with an
// exponential moving average.
func (r *Registry) collect() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	smoothed := 0.0
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			r.heapAllocMB.Set(float64(ms.HeapAlloc) / 1024 / 1024)
			r.goroutines.Set(float64(runtime.NumGoroutine()))

			percents, err := cpu.Percent(0, false)
			if err != nil || len(percents) == 0 {
				continue
			}
			if smoothed == 0 {
				smoothed = percents[0]
			} else {
				smoothed = 0.3*percents[0] + 0.7*smoothed
			}
			r.cpuPercent.Set(smoothed)
		}
	}
}

// Close stops the collector and the HTTP endpoint.
func (r *Registry) Close() error {
	close(r.stop)
	if r.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.server.Shutdown(ctx)
}
