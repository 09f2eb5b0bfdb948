// Package metrics exports ledger activity to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/luxfi/margin/pkg/margin"
)

// OpenInterestSource reports the running notional totals.
type OpenInterestSource interface {
	Longs() margin.Balance
	Shorts() margin.Balance
}

// Collector counts ledger events. It implements margin.EventSink.
type Collector struct {
	namespace string
	reg       prometheus.Registerer
	logger    log.Logger

	events    *prometheus.CounterVec
	feeAmount prometheus.Counter

	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewCollector registers the ledger metrics on reg. When source is non-nil
// the open interest gauges read it at scrape time.
func NewCollector(namespace string, reg prometheus.Registerer, source OpenInterestSource) (*Collector, error) {
	c := &Collector{
		namespace: namespace,
		reg:       reg,
		logger:    log.Root().New("module", "metrics"),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Ledger events by topic",
		}, []string{"topic"}),

		feeAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_fees_total",
			Help:      "Sum of maintenance fees collected",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	for _, topic := range []string{
		margin.TopicPositionOpened,
		margin.TopicPositionUpdated,
		margin.TopicPositionClosed,
		margin.TopicMaintenanceFeeCollected,
		margin.TopicLiquidated,
	} {
		c.events.WithLabelValues(topic)
	}

	for _, col := range []prometheus.Collector{c.events, c.feeAmount, c.memoryUsage, c.goroutines} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	if source != nil {
		if err := c.WatchOpenInterest(source); err != nil {
			return nil, err
		}
	}
	c.logger.Debug("Ledger metrics registered", "namespace", namespace)
	return c, nil
}

// WatchOpenInterest registers the open interest gauges for source. It can
// only be called once per collector.
func (c *Collector) WatchOpenInterest(source OpenInterestSource) error {
	for _, g := range []prometheus.Collector{
		openInterestGauge(c.namespace, "long", source.Longs),
		openInterestGauge(c.namespace, "short", source.Shorts),
	} {
		if err := c.reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}

func openInterestGauge(namespace, side string, read func() margin.Balance) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "open_interest",
		Help:        "Total notional of open positions by side",
		ConstLabels: prometheus.Labels{"side": side},
	}, func() float64 {
		b := read()
		return toFloat(&b)
	})
}

func toFloat(b *margin.Balance) float64 {
	return decimal.NewFromBigInt(b.ToBig(), 0).InexactFloat64()
}

func (c *Collector) Emit(ev margin.Event) {
	c.events.WithLabelValues(ev.Topic()).Inc()
	if fee, ok := ev.(margin.MaintenanceFeeCollected); ok {
		c.feeAmount.Add(toFloat(&fee.Fee))
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// CollectSystemMetrics samples runtime stats until ctx is done.
func (c *Collector) CollectSystemMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			c.memoryUsage.Set(float64(memStats.Alloc))
			c.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
