package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maxpert/livedata/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListeners int

func (f fakeListeners) ListenerCount() int { return int(f) }

type fakeRange struct{ first, last uint64 }

func (f fakeRange) FirstSeq() uint64 { return f.first }
func (f fakeRange) LastSeq() uint64  { return f.last }

func TestMetricsServedAfterInitialize(t *testing.T) {
	assert.Nil(t, GetMetricsHandler())

	original := cfg.Config.Prometheus.Enabled
	cfg.Config.Prometheus.Enabled = true
	defer func() { cfg.Config.Prometheus.Enabled = original }()

	InitializeTelemetry()
	handler := GetMetricsHandler()
	require.NotNil(t, handler)

	collector := NewMetricsCollector(fakeListeners(3), fakeRange{first: 4, last: 9}, time.Hour)
	collector.Start()
	collector.Stop()

	WritesTotal.With("insert", "success").Inc()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "livedata_crossbar_listeners")
	assert.Contains(t, text, "livedata_oplog_last_seq")
	assert.Contains(t, text, `livedata_writes_total{node_id=`)
	assert.Contains(t, text, `op="insert"`)
}
