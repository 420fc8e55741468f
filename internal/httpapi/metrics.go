package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

type metrics struct {
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	authFailures   prometheus.Counter
}

func newMetrics(reg *prometheus.Registry, d Dispatcher) *metrics {
	m := &metrics{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busping",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "busping",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busping",
			Subsystem: "http",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "busping",
			Subsystem: "auth",
			Name:      "login_failures_total",
			Help:      "Logins rejected for a wrong pin",
		}),
	}

	cs := []prometheus.Collector{m.requestTotal, m.requestLatency, m.rateLimitHits, m.authFailures}
	if d != nil {
		cs = append(cs, dispatchCollectors(d)...)
	}
	for _, c := range cs {
		registerOrReuse(reg, c)
	}
	// Process and runtime collectors may already be present on a shared registry.
	registerOrReuse(reg, collectors.NewGoCollector())
	registerOrReuse(reg, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func registerOrReuse(reg *prometheus.Registry, c prometheus.Collector) {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			panic(err)
		}
	}
}

func dispatchCollectors(d Dispatcher) []prometheus.Collector {
	counter := func(name, help string, v func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "busping", Subsystem: "dispatch", Name: name, Help: help,
		}, func() float64 { return float64(v()) })
	}
	return []prometheus.Collector{
		counter("accepted_total", "Dispatch requests accepted", func() uint64 { return d.Stats().Accepted }),
		counter("deduped_total", "Dispatch requests dropped as duplicates", func() uint64 { return d.Stats().Deduped }),
		counter("sent_total", "Pushes accepted by the relay", func() uint64 { return d.Stats().Sent }),
		counter("failed_total", "Pushes rejected or undeliverable", func() uint64 { return d.Stats().Failed }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "busping", Subsystem: "dispatch", Name: "waiting",
			Help: "Dispatches currently waiting out their delay",
		}, func() float64 { return float64(d.Stats().Waiting) }),
	}
}

func (m *metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		m.requestTotal.With(labels).Inc()
		m.requestLatency.With(labels).Observe(time.Since(start).Seconds())
	}
}
