package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const scrapeTimeout = 2 * time.Second

// hubCollector reads the hub on every scrape instead of mirroring it in gauges.
type hubCollector struct {
	src StatsSource

	clients     *prometheus.Desc
	broadcasted *prometheus.Desc
	cached      *prometheus.Desc
	connects    *prometheus.Desc
	disconnects *prometheus.Desc
	errors      *prometheus.Desc
	channels    *prometheus.Desc
}

func newHubCollector(src StatsSource) *hubCollector {
	label := []string{"channel"}
	return &hubCollector{
		src:         src,
		clients:     prometheus.NewDesc(namespace+"_channel_clients", "Connected subscribers", label, nil),
		broadcasted: prometheus.NewDesc(namespace+"_channel_broadcasted_events_total", "Events broadcast on the channel", label, nil),
		cached:      prometheus.NewDesc(namespace+"_channel_cached_events", "Events held in the replay cache", label, nil),
		connects:    prometheus.NewDesc(namespace+"_channel_connects_total", "Subscriber connects", label, nil),
		disconnects: prometheus.NewDesc(namespace+"_channel_disconnects_total", "Subscriber disconnects", label, nil),
		errors:      prometheus.NewDesc(namespace+"_channel_client_errors_total", "Subscribers dropped on write errors", label, nil),
		channels:    prometheus.NewDesc(namespace+"_channels", "Known channels", nil, nil),
	}
}

func (c *hubCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.clients
	ch <- c.broadcasted
	ch <- c.cached
	ch <- c.connects
	ch <- c.disconnects
	ch <- c.errors
	ch <- c.channels
}

func (c *hubCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	st := c.src.Stats(ctx)
	ch <- prometheus.MustNewConstMetric(c.channels, prometheus.GaugeValue, float64(st.Global.Channels))

	for _, s := range st.Channels {
		ch <- prometheus.MustNewConstMetric(c.clients, prometheus.GaugeValue, float64(s.Clients), s.ID)
		ch <- prometheus.MustNewConstMetric(c.broadcasted, prometheus.CounterValue, float64(s.BroadcastedEvents), s.ID)
		ch <- prometheus.MustNewConstMetric(c.cached, prometheus.GaugeValue, float64(s.CachedEvents), s.ID)
		ch <- prometheus.MustNewConstMetric(c.connects, prometheus.CounterValue, float64(s.TotalConnects), s.ID)
		ch <- prometheus.MustNewConstMetric(c.disconnects, prometheus.CounterValue, float64(s.TotalDisconnects), s.ID)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.ClientErrors), s.ID)
	}
}
