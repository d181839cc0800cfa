// Package metrics provides Prometheus metrics for procedure calls.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marrasen/trpc"
)

// Collector holds all Prometheus metrics for a trpc server.
type Collector struct {
	// Call metrics
	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	CallsInFlight prometheus.Gauge

	// Subscription metrics
	ActiveSubscriptions *prometheus.GaugeVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
}

// New creates a collector registered on the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trpc",
				Name:      "calls_total",
				Help:      "Total number of procedure calls",
			},
			[]string{"path", "type", "code"},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trpc",
				Name:      "call_duration_seconds",
				Help:      "Procedure call duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"path", "type"},
		),
		CallsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "trpc",
				Name:      "calls_in_flight",
				Help:      "Number of procedure calls currently being processed",
			},
		),
		ActiveSubscriptions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "trpc",
				Name:      "active_subscriptions",
				Help:      "Number of open subscription streams",
			},
			[]string{"path"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "trpc",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "trpc",
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
	}
}

// Handler serves the metrics of gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Interceptor returns a call interceptor recording call metrics. It also
// tracks the lifetime of subscription streams.
func (c *Collector) Interceptor() trpc.CallInterceptor {
	return &interceptor{c: c}
}

type interceptor struct {
	c *Collector
}

func (i *interceptor) BeforeCall(ctx context.Context, info *trpc.CallInfo) context.Context {
	i.c.CallsInFlight.Inc()
	return trpc.WithCallStart(ctx, time.Now())
}

func (i *interceptor) AfterCall(ctx context.Context, info *trpc.CallInfo, res trpc.Result) {
	i.c.CallsInFlight.Dec()
	code := "OK"
	if !res.OK {
		code = string(res.Error.Code)
	}
	path, typ := info.Path, string(info.Type)
	if typ == "" {
		// The path did not resolve. It is client-controlled.
		path, typ = "_unknown", "unknown"
	}
	i.c.CallsTotal.WithLabelValues(path, typ, code).Inc()
	i.c.CallDuration.WithLabelValues(path, typ).Observe(time.Since(trpc.CallStart(ctx)).Seconds())
}

func (i *interceptor) WrapStream(ctx context.Context, info *trpc.CallInfo, s trpc.Stream) trpc.Stream {
	g := i.c.ActiveSubscriptions.WithLabelValues(info.Path)
	g.Inc()
	return &trackedStream{Stream: s, gauge: g}
}

// trackedStream decrements its gauge once, when the stream is closed.
type trackedStream struct {
	trpc.Stream
	gauge prometheus.Gauge
	once  sync.Once
}

func (t *trackedStream) Close() error {
	err := t.Stream.Close()
	t.once.Do(t.gauge.Dec)
	return err
}
