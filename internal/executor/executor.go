// Package executor runs one research cycle for a session: lock, resolve
// URLs, scrape, aggregate, persist, release. It also answers the read-only
// status and next-action queries built on the same collaborators.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/siteintel/internal/aggregate"
	"github.com/sells-group/siteintel/internal/cost"
	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/quality"
	"github.com/sells-group/siteintel/internal/router"
)

// Code classifies the outcome of a cycle or query.
type Code string

const (
	CodeOK                Code = "ok"
	CodeSessionNotFound   Code = "session_not_found"
	CodeSessionComplete   Code = "session_complete"
	CodeInvalidScraper    Code = "invalid_scraper"
	CodeNoURLsFound       Code = "no_urls_found"
	CodeLockHeld          Code = "lock_held"
	CodeBudgetExceeded    Code = "budget_exceeded"
	CodeScrapersExhausted Code = "scrapers_exhausted"
	CodeBudgetExhausted   Code = "budget_exhausted"
	CodeNoneWithinBudget  Code = "no_scraper_within_budget"
	CodeScraperFailed     Code = "scraper_failed"
	CodePersistFailed     Code = "persist_failed"
	CodeLockLost          Code = "lock_lost"
	CodeInternalError     Code = "internal_error"
)

// ScraperLayer fetches pages for one strategy. Initialize must be safe to
// call before every cycle.
type ScraperLayer interface {
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, req model.ScrapeRequest) (*model.ScrapeResult, error)
}

// Repository is the session persistence the executor needs. AcquireLock is
// a compare-and-swap that never blocks.
type Repository interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSession(ctx context.Context, id string, upd model.SessionUpdate) error
	AcquireLock(ctx context.Context, id, token string) (bool, error)
	ReleaseLock(ctx context.Context, id, token string) error
	AppendScraperRun(ctx context.Context, run *model.ScraperRun) error
	GetScrapingHistory(ctx context.Context, sessionID string) ([]model.ScraperRun, error)
}

// Aggregator merges scrape results into session data.
type Aggregator interface {
	AggregateData(existing *model.MergedData, result *model.ScrapeResult, phaseLabel string) *model.MergedData
	CalculateDataPointsFromPages(pages []model.Page) int
}

// Telemetry receives fire-and-forget cycle events.
type Telemetry interface {
	Breadcrumb(sessionID, message string)
	CycleFinished(sessionID string, st model.ScraperType, code string, elapsed time.Duration, pages int, cost float64)
	LockContended(sessionID string)
	Error(sessionID, op string, err error)
}

type nopTelemetry struct{}

func (nopTelemetry) Breadcrumb(string, string)                                                   {}
func (nopTelemetry) CycleFinished(string, model.ScraperType, string, time.Duration, int, float64) {}
func (nopTelemetry) LockContended(string)                                                        {}
func (nopTelemetry) Error(string, string, error)                                                 {}

// Config tunes the executor.
type Config struct {
	// MaxURLs caps the URLs resolved for one cycle.
	MaxURLs int `yaml:"max_urls" mapstructure:"max_urls"`
	// DefaultBudget applies when a request carries no budget. Zero means
	// unbounded.
	DefaultBudget float64 `yaml:"default_budget" mapstructure:"default_budget"`
	// LockReleaseTimeout bounds the release call, which runs even after the
	// cycle's context is canceled.
	LockReleaseTimeout time.Duration `yaml:"lock_release_timeout" mapstructure:"lock_release_timeout"`
}

// DefaultMaxURLs is used when Config.MaxURLs is unset.
const DefaultMaxURLs = 50

func (c Config) withDefaults() Config {
	if c.MaxURLs <= 0 {
		c.MaxURLs = DefaultMaxURLs
	}
	if c.LockReleaseTimeout <= 0 {
		c.LockReleaseTimeout = 5 * time.Second
	}
	return c
}

// Request asks for one cycle. Everything but SessionID is optional.
type Request struct {
	SessionID   string            `json:"session_id"`
	Domain      string            `json:"domain,omitempty"`
	ScraperType model.ScraperType `json:"scraper_type,omitempty"`
	URLs        []string          `json:"urls,omitempty"`
	MaxBudget   *float64          `json:"max_budget,omitempty"`
}

// NextAction is the advisory proposal for the following cycle.
type NextAction struct {
	Code        Code                   `json:"code"`
	Reason      string                 `json:"reason"`
	Recommended model.ScraperType      `json:"recommended,omitempty"`
	Routing     *model.RoutingDecision `json:"routing,omitempty"`
	Selection   *cost.Selection        `json:"selection,omitempty"`
}

// Result describes one cycle. Success is false whenever Code is not ok.
type Result struct {
	Success         bool                  `json:"success"`
	Code            Code                  `json:"code"`
	Reason          string                `json:"reason,omitempty"`
	SessionID       string                `json:"session_id"`
	ScraperType     model.ScraperType     `json:"scraper_type,omitempty"`
	Phase           int                   `json:"phase"`
	Status          model.SessionStatus   `json:"status,omitempty"`
	URLs            []string              `json:"urls,omitempty"`
	FailedURLs      []string              `json:"failed_urls,omitempty"`
	SkippedURLs     []string              `json:"skipped_urls,omitempty"`
	NewPages        int                   `json:"new_pages"`
	TotalPages      int                   `json:"total_pages"`
	NewDataPoints   int                   `json:"new_data_points"`
	TotalDataPoints int                   `json:"total_data_points"`
	Duration        time.Duration         `json:"duration"`
	Cost            float64               `json:"cost"`
	CostBreakdown   *model.CostBreakdown  `json:"cost_breakdown,omitempty"`
	Quality         *model.QualityMetrics `json:"quality,omitempty"`
	Next            *NextAction           `json:"next,omitempty"`
}

func (r *Result) fail(code Code, reason string) *Result {
	r.Success = false
	r.Code = code
	r.Reason = reason
	return r
}

// Executor orchestrates research cycles.
type Executor struct {
	repo      Repository
	layer     ScraperLayer
	router    *router.Router
	optimizer *cost.Optimizer
	assessor  *quality.Assessor
	agg       Aggregator
	telemetry Telemetry
	cfg       Config
	now       func() time.Time
}

// New creates an Executor. A nil agg uses aggregate.New; telemetry is
// discarded until WithTelemetry is called.
func New(
	repo Repository,
	layer ScraperLayer,
	rt *router.Router,
	optimizer *cost.Optimizer,
	assessor *quality.Assessor,
	agg Aggregator,
	cfg Config,
) *Executor {
	if agg == nil {
		agg = aggregate.New()
	}
	return &Executor{
		repo:      repo,
		layer:     layer,
		router:    rt,
		optimizer: optimizer,
		assessor:  assessor,
		agg:       agg,
		telemetry: nopTelemetry{},
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// WithTelemetry sets the event sink.
func (e *Executor) WithTelemetry(t Telemetry) *Executor {
	if t != nil {
		e.telemetry = t
	}
	return e
}

// Execute runs one cycle. It never returns an error or panics: every
// failure is reported through Result.Code.
func (e *Executor) Execute(ctx context.Context, req Request) *Result {
	return e.run(ctx, req, nil)
}

// ExecuteWithStreaming runs one cycle like Execute, calling progress as
// stages start and URLs finish. progress may be called concurrently.
func (e *Executor) ExecuteWithStreaming(ctx context.Context, req Request, progress model.ProgressFunc) *Result {
	return e.run(ctx, req, progress)
}

func (e *Executor) run(ctx context.Context, req Request, progress model.ProgressFunc) (res *Result) {
	start := e.now()
	log := zap.L().With(zap.String("session_id", req.SessionID))
	res = &Result{SessionID: req.SessionID}

	defer func() {
		if p := recover(); p != nil {
			log.Error("executor: cycle panicked",
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			e.telemetry.Error(req.SessionID, "execute", eris.Errorf("panic: %v", p))
			res.fail(CodeInternalError, fmt.Sprintf("internal error: %v", p))
		}
		res.Duration = e.now().Sub(start)
		e.telemetry.CycleFinished(req.SessionID, res.ScraperType, string(res.Code), res.Duration, res.NewPages, res.Cost)
	}()

	emit := func(p model.Progress) {
		if progress != nil {
			progress(p)
		}
	}

	if req.SessionID == "" {
		return res.fail(CodeSessionNotFound, "session id is required")
	}

	sess, err := e.repo.GetSession(ctx, req.SessionID)
	if err != nil {
		return e.loadFailure(res, log, err)
	}
	if reason, done := complete(sess); done {
		return res.fail(CodeSessionComplete, reason)
	}
	domain := req.Domain
	if domain == "" {
		domain = sess.Domain
	}
	if len(ResolveURLs(sess, domain, req.URLs, e.cfg.MaxURLs)) == 0 {
		return res.fail(CodeNoURLsFound, "no valid urls to scrape")
	}

	token := uuid.New().String()
	ok, err := e.repo.AcquireLock(ctx, sess.ID, token)
	if err != nil {
		return e.loadFailure(res, log, err)
	}
	if !ok {
		log.Info("executor: session lock held, skipping cycle")
		e.telemetry.LockContended(sess.ID)
		return res.fail(CodeLockHeld, model.ErrLockHeld.Error())
	}
	defer e.release(ctx, log, sess.ID, token)
	e.telemetry.Breadcrumb(sess.ID, "lock acquired")

	// State read before the lock may be stale.
	sess, history, err := e.load(ctx, sess.ID)
	if err != nil {
		return e.loadFailure(res, log, err)
	}
	if reason, done := complete(sess); done {
		return res.fail(CodeSessionComplete, reason)
	}
	urls := ResolveURLs(sess, domain, req.URLs, e.cfg.MaxURLs)
	if len(urls) == 0 {
		return res.fail(CodeNoURLsFound, "no urls to scrape")
	}
	res.URLs = urls
	used := model.UsedScraperTypes(history)

	st, code, reason := e.selectScraper(req.ScraperType, domain, sess, history)
	if code != CodeOK {
		return res.fail(code, reason)
	}
	res.ScraperType = st
	log = log.With(zap.String("scraper", string(st)), zap.Int("urls", len(urls)))

	maxBudget := e.budget(req.MaxBudget)
	if maxBudget != nil {
		status := cost.BudgetFor(sess.Cost.Total, *maxBudget)
		projected := e.optimizer.ProjectCost(st, len(urls), true)
		if status.Exceeded || projected > status.Remaining {
			log.Info("executor: budget exceeded",
				zap.Float64("spent", status.TotalSpent),
				zap.Float64("max_budget", status.MaxBudget),
				zap.Float64("projected", projected),
			)
			return res.fail(CodeBudgetExceeded, fmt.Sprintf(
				"%s over %d urls projects $%.4f but only $%.4f of $%.4f remains",
				st, len(urls), projected, status.Remaining, status.MaxBudget))
		}
	}

	emit(model.Progress{Stage: model.StageStarted, Total: len(urls), Message: string(st)})
	phase := sess.Phase + 1
	scrapeStart := e.now()
	result, err := e.scrape(ctx, model.ScrapeRequest{
		SessionID:   sess.ID,
		Domain:      domain,
		ScraperType: st,
		URLs:        urls,
		Progress:    progress,
	})
	if err != nil {
		log.Error("executor: scraper failed", zap.Error(err))
		e.telemetry.Error(sess.ID, "scrape", err)
		e.appendRun(ctx, log, &model.ScraperRun{
			SessionID:   sess.ID,
			ScraperType: st,
			Phase:       phase,
			URLs:        urls,
			Success:     false,
			Error:       err.Error(),
			Duration:    e.now().Sub(scrapeStart),
		})
		return res.fail(CodeScraperFailed, err.Error())
	}
	scrapeDuration := e.now().Sub(scrapeStart)

	emit(model.Progress{Stage: model.StageMerging, Done: len(result.Pages), Total: len(urls)})
	phaseLabel := sess.PhaseLabel()
	merged := e.agg.AggregateData(&sess.Data, result, phaseLabel)
	newPages := len(result.Pages)
	newPoints := e.agg.CalculateDataPointsFromPages(result.Pages)

	attempted := attemptedURLs(urls, result.Skipped)
	amount, projected := e.spend(st, result, len(attempted))
	breakdown := e.optimizer.ApplySpend(sess.Cost, st, phaseLabel, amount, maxBudget, used)

	maxPhase := sess.MaxPhase
	if maxPhase <= 0 {
		maxPhase = model.DefaultMaxPhase
	}
	status := model.SessionStatusInProgress
	if phase >= maxPhase {
		status = model.SessionStatusCompleted
	}
	totalPages := sess.PagesScraped + newPages
	totalPoints := sess.DataPoints + newPoints

	if err := e.repo.UpdateSession(ctx, sess.ID, model.SessionUpdate{
		Phase:        &phase,
		Status:       &status,
		Data:         merged,
		Cost:         &breakdown,
		PagesScraped: &totalPages,
		DataPoints:   &totalPoints,
		LockToken:    token,
	}); err != nil {
		if errors.Is(err, model.ErrLockLost) {
			log.Warn("executor: lock expired during cycle, discarding result", zap.Error(err))
			e.telemetry.Error(sess.ID, "persist", err)
			return res.fail(CodeLockLost, model.ErrLockLost.Error())
		}
		log.Error("executor: persist session failed", zap.Error(err))
		e.telemetry.Error(sess.ID, "persist", err)
		return res.fail(CodePersistFailed, err.Error())
	}

	run := &model.ScraperRun{
		SessionID:    sess.ID,
		ScraperType:  st,
		Phase:        phase,
		URLs:         attempted,
		PagesScraped: newPages,
		DataPoints:   newPoints,
		Cost:         amount,
		Success:      true,
		Duration:     scrapeDuration,
	}
	e.appendRun(ctx, log, run)
	e.optimizer.TrackSpending(ctx, &model.SpendEntry{
		SessionID:   sess.ID,
		ScraperType: st,
		Phase:       phase,
		URLCount:    len(attempted),
		Amount:      amount,
		Projected:   projected,
	})

	emit(model.Progress{Stage: model.StageAssessing, Done: len(result.Pages), Total: len(urls)})
	history = append(history, *run)
	metrics := e.assessor.Assess(merged, model.UsedScraperTypes(history))

	res.Success = true
	res.Code = CodeOK
	res.Phase = phase
	res.Status = status
	res.FailedURLs = result.Failed
	res.SkippedURLs = result.Skipped
	res.NewPages = newPages
	res.TotalPages = totalPages
	res.NewDataPoints = newPoints
	res.TotalDataPoints = totalPoints
	res.Cost = amount
	res.CostBreakdown = &breakdown
	res.Quality = metrics
	res.Next = e.nextAction(domain, status, merged, metrics, history, breakdown.Total, maxBudget)

	log.Info("executor: cycle complete",
		zap.Int("phase", phase),
		zap.Int("new_pages", newPages),
		zap.Int("new_data_points", newPoints),
		zap.Float64("cost", amount),
		zap.Float64("quality", metrics.OverallScore),
		zap.String("next", string(res.Next.Recommended)),
	)
	emit(model.Progress{Stage: model.StageComplete, Done: len(result.Pages), Total: len(urls)})
	return res
}

// scrape runs the layer and treats a nil result as an empty one.
func (e *Executor) scrape(ctx context.Context, req model.ScrapeRequest) (*model.ScrapeResult, error) {
	if err := e.layer.Initialize(ctx); err != nil {
		return nil, eris.Wrap(err, "executor: initialize scraper layer")
	}
	result, err := e.layer.Execute(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "executor: %s scraper", req.ScraperType)
	}
	if result == nil {
		result = &model.ScrapeResult{}
	}
	result.ScraperType = req.ScraperType
	return result, nil
}

// load reads the session and its run history concurrently.
func (e *Executor) load(ctx context.Context, id string) (*model.Session, []model.ScraperRun, error) {
	var (
		sess    *model.Session
		history []model.ScraperRun
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sess, err = e.repo.GetSession(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		history, err = e.repo.GetScrapingHistory(gctx, id)
		return eris.Wrap(err, "executor: load history")
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return sess, history, nil
}

// selectScraper honors an explicit request, otherwise asks the router and
// falls back to the cheapest unused type.
func (e *Executor) selectScraper(requested model.ScraperType, domain string, sess *model.Session, history []model.ScraperRun) (model.ScraperType, Code, string) {
	if requested != "" {
		if !requested.Valid() {
			return "", CodeInvalidScraper, fmt.Sprintf("unknown scraper type %q", requested)
		}
		return requested, CodeOK, ""
	}

	used := model.UsedScraperTypes(history)
	metrics := e.assessor.Assess(&sess.Data, used)
	if dec := e.router.GetRecommendation(domain, metrics.OverallScore, history, &sess.Data); dec != nil {
		return dec.Recommended, CodeOK, ""
	}
	if st := e.router.GetFallbackScraper(used); st != "" {
		return st, CodeOK, ""
	}
	return "", CodeScrapersExhausted, "every scraper type has already run for this session"
}

func (e *Executor) budget(requested *float64) *float64 {
	if requested != nil {
		return requested
	}
	if e.cfg.DefaultBudget > 0 {
		b := e.cfg.DefaultBudget
		return &b
	}
	return nil
}

// attemptedURLs drops the URLs the scraper layer excluded before fetching.
// Failed fetches stay: they were still requested.
func attemptedURLs(urls, skipped []string) []string {
	if len(skipped) == 0 {
		return urls
	}
	drop := make(map[string]bool, len(skipped))
	for _, u := range skipped {
		drop[u] = true
	}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if !drop[u] {
			out = append(out, u)
		}
	}
	return out
}

// spend returns the amount to charge and whether it is a projection.
func (e *Executor) spend(st model.ScraperType, result *model.ScrapeResult, urlCount int) (float64, bool) {
	if result.Cost != nil && *result.Cost >= 0 {
		return *result.Cost, false
	}
	return e.optimizer.ProjectCost(st, urlCount, true), true
}

func (e *Executor) appendRun(ctx context.Context, log *zap.Logger, run *model.ScraperRun) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = e.now().UTC()
	}
	if err := e.repo.AppendScraperRun(ctx, run); err != nil {
		log.Warn("executor: failed to append scraper run", zap.Error(err))
		e.telemetry.Error(run.SessionID, "append_run", err)
	}
}

// release frees the lock with a context detached from the cycle so a
// canceled request still unlocks the session.
func (e *Executor) release(ctx context.Context, log *zap.Logger, id, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.LockReleaseTimeout)
	defer cancel()
	if err := e.repo.ReleaseLock(rctx, id, token); err != nil {
		log.Error("executor: failed to release session lock", zap.Error(err))
		e.telemetry.Error(id, "release_lock", err)
		return
	}
	e.telemetry.Breadcrumb(id, "lock released")
}

func (e *Executor) loadFailure(res *Result, log *zap.Logger, err error) *Result {
	if errors.Is(err, model.ErrSessionNotFound) {
		log.Info("executor: session not found")
		return res.fail(CodeSessionNotFound, model.ErrSessionNotFound.Error())
	}
	log.Error("executor: load session failed", zap.Error(err))
	e.telemetry.Error(res.SessionID, "load", err)
	return res.fail(CodeInternalError, err.Error())
}

func complete(sess *model.Session) (string, bool) {
	if sess.Status.Terminal() {
		return fmt.Sprintf("session is %s", sess.Status), true
	}
	if sess.MaxPhase > 0 && sess.Phase >= sess.MaxPhase {
		return fmt.Sprintf("session reached its final phase (%d)", sess.MaxPhase), true
	}
	return "", false
}
