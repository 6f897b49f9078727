package telemetry

import (
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"
)

// PushgatewayExporter pushes a run's metrics to a Prometheus Pushgateway,
// the usual sink for batch jobs that do not live long enough to be scraped.
type PushgatewayExporter struct {
	url      string
	job      string
	grouping map[string]string
	client   push.HTTPDoer
}

func NewPushgatewayExporter(url, job string) *PushgatewayExporter {
	return &PushgatewayExporter{url: url, job: job, grouping: map[string]string{}}
}

// WithGrouping adds a grouping key, e.g. the artifact name.
func (e *PushgatewayExporter) WithGrouping(name, value string) *PushgatewayExporter {
	e.grouping[name] = value
	return e
}

// WithClient overrides the HTTP client used for pushing.
func (e *PushgatewayExporter) WithClient(c push.HTTPDoer) *PushgatewayExporter {
	e.client = c
	return e
}

func (e *PushgatewayExporter) Export(metrics []Metric) error {
	reg := prometheus.NewRegistry()
	if err := Register(reg, metrics); err != nil {
		return err
	}
	p := push.New(e.url, e.job).Gatherer(reg)
	for k, v := range e.grouping {
		p = p.Grouping(k, v)
	}
	if e.client != nil {
		p = p.Client(e.client)
	}
	if err := p.Push(); err != nil {
		return fmt.Errorf("push metrics to %s: %w", e.url, err)
	}
	log.Debug().Str("pushgateway", e.url).Int("count", len(metrics)).Msg("pushed metrics")
	return nil
}

// Register adds metrics to reg, one vector per name. Label sets are widened
// per name so each name has a single set of dimensions.
func Register(reg prometheus.Registerer, metrics []Metric) error {
	byName := map[string][]Metric{}
	var names []string
	for _, m := range metrics {
		name := metricName(m)
		if _, ok := byName[name]; !ok {
			names = append(names, name)
		}
		byName[name] = append(byName[name], m)
	}
	for _, name := range names {
		group := byName[name]
		f := newFamily(name, group[0].Type, group[0].Unit, labelKeys(group))
		if err := reg.Register(f.collector()); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		for _, m := range group {
			if m.Type != f.typ {
				log.Warn().Str("metric", name).Str("type", string(m.Type)).Msg("metric type changed within a batch, dropping sample")
				continue
			}
			f.observe(m)
		}
	}
	return nil
}

func labelKeys(group []Metric) []string {
	seen := map[string]bool{}
	var keys []string
	for _, m := range group {
		for k := range m.Labels {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
