package telemetry

import (
	"net/http"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ScrapeExporter feeds exported metrics into a long-lived Prometheus
// registry for processes that are scraped rather than pushed. A name's label
// names are fixed by the first sample seen for it.
type ScrapeExporter struct {
	mu       sync.Mutex
	reg      *prometheus.Registry
	families map[string]*family
}

func NewScrapeExporter() *ScrapeExporter {
	return &ScrapeExporter{reg: prometheus.NewRegistry(), families: map[string]*family{}}
}

func (e *ScrapeExporter) Export(metrics []Metric) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range metrics {
		name := metricName(m)
		f, ok := e.families[name]
		if !ok {
			f = newFamily(name, m.Type, m.Unit, sortedLabelKeys(m.Labels))
			if err := e.reg.Register(f.collector()); err != nil {
				return err
			}
			e.families[name] = f
		}
		if f.typ != m.Type {
			log.Warn().Str("metric", name).Str("type", string(m.Type)).Msg("metric registered with another type, dropping sample")
			continue
		}
		for k := range m.Labels {
			if !slices.Contains(f.keys, k) {
				log.Debug().Str("metric", name).Str("label", k).Msg("label not part of the series, ignored")
			}
		}
		f.observe(m)
	}
	return nil
}

// Gatherer exposes the accumulated series.
func (e *ScrapeExporter) Gatherer() prometheus.Gatherer { return e.reg }

// Handler drains c into the exporter and serves the series in the
// Prometheus text format.
func (e *ScrapeExporter) Handler(c *Collector) http.Handler {
	serve := promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := e.Export(c.Drain()); err != nil {
			log.Warn().Err(err).Msg("collect metrics for scrape")
		}
		serve.ServeHTTP(w, r)
	})
}
