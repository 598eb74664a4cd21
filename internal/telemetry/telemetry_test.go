package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/resilience"
	"github.com/sells-group/siteintel/internal/scrape"
)

func newTestSink(t *testing.T) (*Sink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	s, err := New(reg)
	require.NoError(t, err)
	return s, reg
}

func TestNew_DoubleRegisterFails(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestSink_CycleFinished(t *testing.T) {
	t.Parallel()
	s, _ := newTestSink(t)

	s.CycleFinished("s1", model.ScraperStatic, "ok", 2*time.Second, 4, 0.0004)
	s.CycleFinished("s1", model.ScraperStatic, "ok", time.Second, 0, 0)
	s.CycleFinished("s2", "", "session_not_found", 0, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.cycles.WithLabelValues("static", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.cycles.WithLabelValues("none", "session_not_found")))
	assert.Equal(t, 4.0, testutil.ToFloat64(s.pages.WithLabelValues("static")))
	assert.InDelta(t, 0.0004, testutil.ToFloat64(s.spend.WithLabelValues("static")), 1e-12)
	assert.Equal(t, 2, testutil.CollectAndCount(s.cycleDuration))
}

func TestSink_LockAndErrors(t *testing.T) {
	t.Parallel()
	s, _ := newTestSink(t)

	s.LockContended("s1")
	s.LockContended("s1")
	s.Error("s1", "persist", eris.New("disk full"))
	s.Breadcrumb("s1", "scraping")

	assert.Equal(t, 2.0, testutil.ToFloat64(s.lockContention))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.failures.WithLabelValues("persist")))
}

func TestSink_ObserveFetch(t *testing.T) {
	t.Parallel()
	s, _ := newTestSink(t)

	s.ObserveFetch(model.ScraperAI, time.Second, nil)
	s.ObserveFetch(model.ScraperAI, time.Second, eris.Wrap(scrape.ErrBlocked, "ai"))
	s.ObserveFetch(model.ScraperAI, 0, resilience.ErrCircuitOpen)
	s.ObserveFetch(model.ScraperAI, time.Second, eris.New("boom"))

	for _, outcome := range []string{"ok", "blocked", "circuit_open", "error"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(s.fetches.WithLabelValues("ai", outcome)), outcome)
	}
}

func TestSink_BreakerChanged(t *testing.T) {
	t.Parallel()
	s, _ := newTestSink(t)

	b := resilience.NewBreaker("jina", resilience.BreakerConfig{Threshold: 1, OnStateChange: s.BreakerChanged})
	b.Record(eris.New("down"))

	assert.Equal(t, float64(resilience.CircuitOpen), testutil.ToFloat64(s.breakerState.WithLabelValues("jina")))
}

func TestHandler(t *testing.T) {
	t.Parallel()
	s, reg := newTestSink(t)
	s.LockContended("s1")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "siteintel_lock_contention_total 1")
}
