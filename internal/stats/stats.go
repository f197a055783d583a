package stats

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lightning_chat"

const (
	Connections      = "connections"
	Subscriptions    = "subscriptions"
	MessagesSent     = "messages_sent"
	BrokerDeliveries = "broker_deliveries"
	FramesDropped    = "frames_dropped"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string) error
}

// StatsUpdater exposes named gauges on its own Prometheus registry.
type StatsUpdater struct {
	reg    *prometheus.Registry
	mu     sync.RWMutex
	gauges map[string]prometheus.Gauge
}

func NewStatsUpdater() *StatsUpdater {
	su := &StatsUpdater{
		reg:    prometheus.NewRegistry(),
		gauges: make(map[string]prometheus.Gauge),
	}
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_milliseconds",
			Help:      "Time since the process started.",
		}, func() float64 {
			return float64(time.Since(startTime).Milliseconds())
		}),
	)
}

// RegisterMetric creates the gauge for name. Registering the same name
// twice is a no-op.
func (su *StatsUpdater) RegisterMetric(name string) error {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.gauges[name]; ok {
		return nil
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
	})
	if err := su.reg.Register(g); err != nil {
		return fmt.Errorf("register metric %q: %w", name, err)
	}
	su.gauges[name] = g

	return nil
}

func (su *StatsUpdater) gauge(name string) prometheus.Gauge {
	su.mu.RLock()
	defer su.mu.RUnlock()

	g, ok := su.gauges[name]
	if !ok {
		panic("metric not found: " + name)
	}
	return g
}

func (su *StatsUpdater) Incr(name string) {
	su.gauge(name).Inc()
}

func (su *StatsUpdater) Decr(name string) {
	su.gauge(name).Dec()
}

func (su *StatsUpdater) Registry() *prometheus.Registry {
	return su.reg
}

func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.reg, promhttp.HandlerOpts{})
}
