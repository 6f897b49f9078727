package telemetry

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureExporter struct{ batches [][]Metric }

func (c *captureExporter) Export(m []Metric) error {
	c.batches = append(c.batches, m)
	return nil
}

func TestCollectorDisabledDropsMetrics(t *testing.T) {
	c := NewCollector(false, nil)
	c.Counter("sitepub_runs_total", 1, nil)
	assert.Empty(t, c.GetMetrics())
}

func TestCollectorFlushUsesExporter(t *testing.T) {
	exp := &captureExporter{}
	c := NewCollector(true, exp)
	c.Timer("sitepub_step_duration_seconds", 1500*time.Millisecond, map[string]string{"step": "build"})
	c.Counter("sitepub_runs_total", 1, map[string]string{"status": "succeeded"})

	require.NoError(t, c.Shutdown())
	require.Len(t, exp.batches, 1)
	assert.Len(t, exp.batches[0], 2)
	assert.InDelta(t, 1.5, exp.batches[0][0].Value, 0.0001)
	assert.Empty(t, c.GetMetrics(), "flush must clear the buffer")

	require.NoError(t, c.FlushMetrics())
	assert.Len(t, exp.batches, 1, "empty flush must not export")
}

func TestRegisterWidensLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	err := Register(reg, []Metric{
		{Name: "sitepub_runs_total", Type: Counter, Value: 1, Labels: map[string]string{"status": "succeeded"}},
		{Name: "sitepub_runs_total", Type: Counter, Value: 1, Labels: map[string]string{"status": "failed", "failed_step": "build"}},
		{Name: "sitepub_runs_total", Type: Counter, Value: 1, Labels: map[string]string{"status": "succeeded"}},
	})
	require.NoError(t, err)
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "sitepub_runs_total", families[0].GetName())
	assert.Equal(t, dto.MetricType_COUNTER, families[0].GetType())
	require.Len(t, families[0].GetMetric(), 2)
	var total float64
	for _, m := range families[0].GetMetric() {
		assert.Len(t, m.GetLabel(), 2)
		total += m.GetCounter().GetValue()
	}
	assert.Equal(t, 3.0, total)
}

func TestRegisterMapsTypes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(true, nil)
	c.Timer("sitepub_step_duration", 2*time.Second, map[string]string{"step": "build"})
	c.Timer("sitepub_step_duration", 40*time.Millisecond, map[string]string{"step": "publish"})
	c.Histogram("sitepub_archive_files", 12, nil)
	c.Gauge("sitepub_archive_bytes", 2048, nil)
	require.NoError(t, Register(reg, c.Drain()))

	families, err := reg.Gather()
	require.NoError(t, err)
	types := map[string]dto.MetricType{}
	for _, f := range families {
		types[f.GetName()] = f.GetType()
	}
	assert.Equal(t, map[string]dto.MetricType{
		"sitepub_step_duration_seconds": dto.MetricType_HISTOGRAM,
		"sitepub_archive_files":         dto.MetricType_HISTOGRAM,
		"sitepub_archive_bytes":         dto.MetricType_GAUGE,
	}, types)
}

func TestCollectorFlushesWhenBufferFull(t *testing.T) {
	exp := &captureExporter{}
	c := NewCollector(true, exp).WithBufferLimit(3)
	for i := 0; i < 7; i++ {
		c.Counter("sitepub_receiver_requests_total", 1, nil)
	}
	require.Len(t, exp.batches, 2)
	assert.Len(t, exp.batches[0], 3)
	assert.Len(t, c.GetMetrics(), 1)
}

func TestPushgatewayExporter(t *testing.T) {
	var gotPath, gotMethod string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exp := NewPushgatewayExporter(srv.URL, "sitepub").WithGrouping("artifact", "lc-rally")
	err := exp.Export([]Metric{{Name: "sitepub_step_duration", Type: Timer, Unit: "seconds", Value: 2, Labels: map[string]string{"step": "build"}}})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/metrics/job/sitepub/artifact/lc-rally", gotPath)
	assert.True(t, bytes.Contains(body, []byte("sitepub_step_duration_seconds")))
}

func TestPushgatewayExporterError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	err := NewPushgatewayExporter(srv.URL, "sitepub").Export([]Metric{{Name: "x", Type: Gauge, Value: 1}})
	assert.Error(t, err)
}

func TestScrapeExporterAccumulates(t *testing.T) {
	exp := NewScrapeExporter()
	c := NewCollector(true, exp)
	c.Counter("sitepub_receiver_uploads_total", 1, map[string]string{"status": "201"})
	c.Counter("sitepub_receiver_uploads_total", 1, map[string]string{"status": "201"})
	c.Counter("sitepub_receiver_uploads_total", 1, map[string]string{"status": "401"})
	c.Gauge("sitepub_receiver_versions", 3, map[string]string{"artifact": "lc-rally"})
	c.Gauge("sitepub_receiver_versions", 4, map[string]string{"artifact": "lc-rally"})
	c.Timer("sitepub_receiver_request_duration", 250*time.Millisecond, map[string]string{"status": "201"})

	rr := httptest.NewRecorder()
	exp.Handler(c).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "# TYPE sitepub_receiver_uploads_total counter")
	assert.Contains(t, body, `sitepub_receiver_uploads_total{status="201"} 2`)
	assert.Contains(t, body, `sitepub_receiver_uploads_total{status="401"} 1`)
	assert.Contains(t, body, "# TYPE sitepub_receiver_versions gauge")
	assert.Contains(t, body, `sitepub_receiver_versions{artifact="lc-rally"} 4`)
	assert.Contains(t, body, "# TYPE sitepub_receiver_request_duration_seconds histogram")
	assert.Contains(t, body, `sitepub_receiver_request_duration_seconds_count{status="201"} 1`)

	c.Counter("sitepub_receiver_uploads_total", 1, map[string]string{"status": "201"})
	rr = httptest.NewRecorder()
	exp.Handler(c).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rr.Body.String(), `sitepub_receiver_uploads_total{status="201"} 3`)

	families, err := exp.Gatherer().Gather()
	require.NoError(t, err)
	assert.Len(t, families, 3)
}
