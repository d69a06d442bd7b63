package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zkceremony/coordinator/log"
)

var (
	// CoordinatorMetrics covers the ceremony coordination plane.
	CoordinatorMetrics = prometheus.NewRegistry()

	// SlotsGranted counts slots granted, per circuit.
	SlotsGranted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slots_granted_total",
		Help: "Number of contribution slots granted",
	}, []string{"circuit"})
	// SlotConflicts counts conditional commits that lost the race and
	// were retried or surfaced.
	SlotConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slot_conflicts_total",
		Help: "Number of conditional slot commits that hit a version conflict",
	})
	// QueueDepth tracks the current waiting queue length per circuit.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current number of participants waiting for a slot",
	}, []string{"circuit"})
	// Timeouts counts sweep evictions per circuit.
	Timeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timeouts_total",
		Help: "Number of contributors evicted by the timeout sweep",
	}, []string{"circuit"})
	// ContributionsVerified counts verified contributions per circuit.
	ContributionsVerified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contributions_verified_total",
		Help: "Number of contributions that passed verification",
	}, []string{"circuit"})
	// VerificationFailures counts rejected contributions per circuit.
	VerificationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verification_failures_total",
		Help: "Number of contributions that failed verification",
	}, []string{"circuit"})

	// HTTPCallCounter counts http requests by code and method.
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})
	// HTTPLatency tracks how long http request handling takes.
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_response_duration",
		Help:        "histogram of request latencies",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: prometheus.Labels{"handler": "http"},
	}, []string{"method"})

	metricsBound = false
)

func bindMetrics(l log.Logger) {
	if metricsBound {
		return
	}
	metricsBound = true

	coordinator := []prometheus.Collector{
		SlotsGranted,
		SlotConflicts,
		QueueDepth,
		Timeouts,
		ContributionsVerified,
		VerificationFailures,
		HTTPCallCounter,
		HTTPLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range coordinator {
		if err := CoordinatorMetrics.Register(c); err != nil {
			l.Errorw("", "metrics", "register", "err", err)
		}
	}
}

// Start launches a metrics server at the given address. The server includes
// the coordinator metrics and, when provided, extra handlers (e.g. pprof).
func Start(l log.Logger, metricsAddr string, extra http.Handler) net.Listener {
	bindMetrics(l)

	if !validMetricsAddr(metricsAddr) {
		metricsAddr = "localhost:" + metricsAddr
	}
	l.Infow("", "metrics", "starting", "addr", metricsAddr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(CoordinatorMetrics, promhttp.HandlerOpts{}))
	if extra != nil {
		mux.Handle("/debug/", extra)
	}

	listener, err := net.Listen("tcp", metricsAddr)
	if err != nil {
		l.Errorw("", "metrics", "listen", "err", err)
		return nil
	}
	s := http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := s.Serve(listener); err != nil && err != http.ErrServerClosed {
			l.Errorw("", "metrics", "serve", "err", err)
		}
	}()
	return listener
}

func validMetricsAddr(addr string) bool {
	_, _, err := net.SplitHostPort(addr)
	return err == nil
}
