// Package telemetry records cycle breadcrumbs, errors and timings. Every
// call is fire-and-forget: it logs through zap, updates Prometheus
// collectors and never returns an error to the caller.
package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/resilience"
	"github.com/sells-group/siteintel/internal/scrape"
)

const namespace = "siteintel"

// Sink owns the collectors for one registry.
type Sink struct {
	cycles         *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
	pages          *prometheus.CounterVec
	spend          *prometheus.CounterVec
	fetches        *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	lockContention prometheus.Counter
	failures       *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
}

// New registers the collectors against reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) (*Sink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Sink{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Executed research cycles partitioned by scraper and result code.",
		}, []string{"scraper", "code"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time per research cycle.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"scraper"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_scraped_total",
			Help:      "Pages returned by the scraper layer.",
		}, []string{"scraper"}),
		spend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_dollars_total",
			Help:      "Tracked scraper spend in dollars.",
		}, []string{"scraper"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Page fetches partitioned by scraper and outcome.",
		}, []string{"scraper", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency per page fetch including retries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"scraper"}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Cycles rejected because the session lock was held.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors reported by component operation.",
		}, []string{"op"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
	}

	for _, c := range []prometheus.Collector{
		s.cycles, s.cycleDuration, s.pages, s.spend, s.fetches,
		s.fetchDuration, s.lockContention, s.failures, s.breakerState,
	} {
		if err := reg.Register(c); err != nil {
			return nil, eris.Wrap(err, "telemetry: register collector")
		}
	}
	return s, nil
}

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Breadcrumb logs a step inside a cycle.
func (s *Sink) Breadcrumb(sessionID, message string) {
	zap.L().Debug("telemetry: "+message, zap.String("session_id", sessionID))
}

// CycleFinished records the outcome of one executor cycle.
func (s *Sink) CycleFinished(sessionID string, st model.ScraperType, code string, elapsed time.Duration, pages int, cost float64) {
	scraper := string(st)
	if scraper == "" {
		scraper = "none"
	}
	s.cycles.WithLabelValues(scraper, code).Inc()
	s.cycleDuration.WithLabelValues(scraper).Observe(elapsed.Seconds())
	if pages > 0 {
		s.pages.WithLabelValues(scraper).Add(float64(pages))
	}
	if cost > 0 {
		s.spend.WithLabelValues(scraper).Add(cost)
	}
	zap.L().Info("telemetry: cycle finished",
		zap.String("session_id", sessionID),
		zap.String("scraper", scraper),
		zap.String("code", code),
		zap.Duration("elapsed", elapsed),
		zap.Int("pages", pages),
		zap.Float64("cost", cost),
	)
}

// LockContended records a cycle rejected by the session lock.
func (s *Sink) LockContended(sessionID string) {
	s.lockContention.Inc()
	zap.L().Info("telemetry: session lock held", zap.String("session_id", sessionID))
}

// Error records a failed operation.
func (s *Sink) Error(sessionID, op string, err error) {
	s.failures.WithLabelValues(op).Inc()
	zap.L().Error("telemetry: operation failed",
		zap.String("session_id", sessionID),
		zap.String("op", op),
		zap.Error(err),
	)
}

// ObserveFetch implements scrape.FetchObserver.
func (s *Sink) ObserveFetch(st model.ScraperType, d time.Duration, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, scrape.ErrBlocked):
		outcome = "blocked"
	case errors.Is(err, resilience.ErrCircuitOpen):
		outcome = "circuit_open"
	case err != nil:
		outcome = "error"
	}
	s.fetches.WithLabelValues(string(st), outcome).Inc()
	s.fetchDuration.WithLabelValues(string(st)).Observe(d.Seconds())
}

// BreakerChanged is a resilience.BreakerConfig.OnStateChange hook.
func (s *Sink) BreakerChanged(name string, from, to resilience.CircuitState) {
	s.breakerState.WithLabelValues(name).Set(float64(to))
	zap.L().Warn("telemetry: circuit breaker state changed",
		zap.String("breaker", name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

var _ scrape.FetchObserver = (*Sink)(nil)
