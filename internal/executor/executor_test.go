package executor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/siteintel/internal/aggregate"
	"github.com/sells-group/siteintel/internal/cost"
	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/quality"
	"github.com/sells-group/siteintel/internal/router"
	"github.com/sells-group/siteintel/internal/store"
)

// --- Scraper layer mock ---

type mockLayer struct {
	mock.Mock
}

func (m *mockLayer) Initialize(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockLayer) Execute(ctx context.Context, req model.ScrapeRequest) (*model.ScrapeResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ScrapeResult), args.Error(1)
}

// --- Telemetry recorder ---

type recordingTelemetry struct {
	mu     sync.Mutex
	codes  []string
	locks  int
	errors []string
}

func (r *recordingTelemetry) Breadcrumb(string, string) {}

func (r *recordingTelemetry) CycleFinished(_ string, _ model.ScraperType, code string, _ time.Duration, _ int, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
}

func (r *recordingTelemetry) LockContended(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks++
}

func (r *recordingTelemetry) Error(_, op string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, op)
}

// --- Fixtures ---

type testEnv struct {
	store *store.SQLiteStore
	layer *mockLayer
	exec  *Executor
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	layer := &mockLayer{}
	layer.On("Initialize", mock.Anything).Return(nil).Maybe()

	calc := cost.NewCalculator(cost.DefaultRates())
	exec := New(
		st,
		layer,
		router.New(router.DefaultDetector(), calc),
		cost.NewOptimizer(calc, st),
		quality.NewAssessor(st),
		aggregate.New(),
		cfg,
	)
	return &testEnv{store: st, layer: layer, exec: exec}
}

func (env *testEnv) newSession(t *testing.T, domain string, maxPhase int) *model.Session {
	t.Helper()
	sess, err := env.store.CreateSession(context.Background(), domain, maxPhase)
	require.NoError(t, err)
	return sess
}

func (env *testEnv) reload(t *testing.T, id string) *model.Session {
	t.Helper()
	sess, err := env.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return sess
}

// assertUnlocked proves the lock was released by taking it with a new token.
func (env *testEnv) assertUnlocked(t *testing.T, id string) {
	t.Helper()
	ok, err := env.store.AcquireLock(context.Background(), id, "unlock-check")
	require.NoError(t, err)
	assert.True(t, ok, "session lock should be free")
	require.NoError(t, env.store.ReleaseLock(context.Background(), id, "unlock-check"))
}

func acmePages(urls ...string) []model.Page {
	pages := make([]model.Page, 0, len(urls))
	for _, u := range urls {
		pages = append(pages, model.Page{
			URL:        u,
			Title:      "Acme Industrial",
			StatusCode: 200,
			Paragraphs: []string{"Acme builds industrial pumps for municipal water systems."},
			Headings:   []string{"About Acme"},
			Emails:     []string{"info@acme.com"},
			Phones:     []string{"+1 555 010 1000"},
			Fields:     map[string]any{"company": map[string]any{"name": "Acme Industrial"}},
			FetchedAt:  time.Now().UTC(),
		})
	}
	return pages
}

func scraperIs(st model.ScraperType) any {
	return mock.MatchedBy(func(req model.ScrapeRequest) bool { return req.ScraperType == st })
}

func floatPtr(f float64) *float64 { return &f }

// --- Execute ---

func TestExecute_Success(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)
	urls := []string{"https://acme.com/", "https://acme.com/about"}
	pages := acmePages(urls...)

	env.layer.On("Execute", mock.Anything, mock.MatchedBy(func(req model.ScrapeRequest) bool {
		return req.SessionID == sess.ID && req.ScraperType == model.ScraperStatic &&
			assert.ObjectsAreEqual(urls, req.URLs)
	})).Return(&model.ScrapeResult{Pages: pages}, nil).Once()

	res := env.exec.Execute(context.Background(), Request{
		SessionID:   sess.ID,
		ScraperType: model.ScraperStatic,
		URLs:        []string{"acme.com", "https://ACME.com/about", "https://acme.com/about#team"},
	})

	require.True(t, res.Success, res.Reason)
	assert.Equal(t, CodeOK, res.Code)
	assert.Equal(t, model.ScraperStatic, res.ScraperType)
	assert.Equal(t, 1, res.Phase)
	assert.Equal(t, model.SessionStatusInProgress, res.Status)
	assert.Equal(t, urls, res.URLs)
	assert.Equal(t, 2, res.NewPages)
	assert.Equal(t, 2, res.TotalPages)
	assert.Equal(t, aggregate.DataPoints(pages), res.NewDataPoints)
	assert.Equal(t, res.NewDataPoints, res.TotalDataPoints)
	assert.InDelta(t, 0.0001*2+0.001, res.Cost, 1e-9)
	require.NotNil(t, res.CostBreakdown)
	assert.InDelta(t, res.Cost, res.CostBreakdown.Total, 1e-9)
	require.NotNil(t, res.Quality)
	assert.Greater(t, res.Quality.OverallScore, 0.0)
	require.NotNil(t, res.Next)
	assert.Equal(t, CodeOK, res.Next.Code)
	assert.NotEqual(t, model.ScraperStatic, res.Next.Recommended)
	assert.True(t, res.Next.Recommended.Valid())

	got := env.reload(t, sess.ID)
	assert.Equal(t, 1, got.Phase)
	assert.Equal(t, model.SessionStatusInProgress, got.Status)
	assert.Equal(t, 2, got.PagesScraped)
	assert.Equal(t, res.NewDataPoints, got.DataPoints)
	assert.InDelta(t, res.Cost, got.Cost.Total, 1e-9)
	assert.Equal(t, model.PhaseLabel(1), got.Data.Phases[model.LayerStaticContent])
	assert.False(t, got.Locked())

	history, err := env.store.GetScrapingHistory(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, model.ScraperStatic, history[0].ScraperType)
	assert.Equal(t, 1, history[0].Phase)

	spent, err := env.store.SpendTotal(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, res.Cost, spent, 1e-9)

	env.layer.AssertExpectations(t)
}

func TestExecute_SessionNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	res := env.exec.Execute(context.Background(), Request{SessionID: "missing"})
	assert.False(t, res.Success)
	assert.Equal(t, CodeSessionNotFound, res.Code)

	res = env.exec.Execute(context.Background(), Request{})
	assert.Equal(t, CodeSessionNotFound, res.Code)
	env.layer.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestExecute_NoURLs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "", model.DefaultMaxPhase)

	res := env.exec.Execute(context.Background(), Request{SessionID: sess.ID, URLs: []string{" ", "mailto:x@acme.com"}})
	assert.False(t, res.Success)
	assert.Equal(t, CodeNoURLsFound, res.Code)
	env.layer.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	env.assertUnlocked(t, sess.ID)
}

func TestExecute_InvalidExplicitURLsDoNotFallBack(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)

	res := env.exec.Execute(context.Background(), Request{
		SessionID:   sess.ID,
		ScraperType: model.ScraperStatic,
		URLs:        []string{"ftp://acme.com/file", "javascript:void(0)"},
	})
	assert.False(t, res.Success)
	assert.Equal(t, CodeNoURLsFound, res.Code)
	env.layer.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	assert.Equal(t, 0, env.reload(t, sess.ID).Phase)
	env.assertUnlocked(t, sess.ID)
}

func TestExecute_LockHeld(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	tel := &recordingTelemetry{}
	env.exec.WithTelemetry(tel)
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)

	ok, err := env.store.AcquireLock(context.Background(), sess.ID, "other-operation")
	require.NoError(t, err)
	require.True(t, ok)

	res := env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperStatic})
	assert.False(t, res.Success)
	assert.Equal(t, CodeLockHeld, res.Code)
	assert.Equal(t, "lock held by another operation", res.Reason)
	env.layer.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)

	// the other operation still owns the lock
	ok, err = env.store.AcquireLock(context.Background(), sess.ID, "third")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, tel.locks)
	assert.Equal(t, []string{string(CodeLockHeld)}, tel.codes)
	assert.Empty(t, tel.errors)
	assert.Equal(t, 0, env.reload(t, sess.ID).Phase)
}

func TestExecute_ConcurrentCyclesSerialize(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	env.layer.On("Execute", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-proceed
		}).
		Return(&model.ScrapeResult{Pages: acmePages("https://acme.com/")}, nil).Once()

	done := make(chan *Result, 1)
	go func() {
		done <- env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperStatic})
	}()
	<-entered

	second := env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperAPI})
	assert.Equal(t, CodeLockHeld, second.Code)

	close(proceed)
	first := <-done
	require.True(t, first.Success, first.Reason)
	assert.Equal(t, 1, env.reload(t, sess.ID).Phase)
	env.assertUnlocked(t, sess.ID)
}

func TestExecute_ExpiredLockDiscardsSlowCycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	env.store.WithLockTTL(50 * time.Millisecond)
	tel := &recordingTelemetry{}
	env.exec.WithTelemetry(tel)
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	env.layer.On("Execute", mock.Anything, scraperIs(model.ScraperStatic)).
		Run(func(mock.Arguments) {
			close(entered)
			<-proceed
		}).
		Return(&model.ScrapeResult{Pages: acmePages("https://acme.com/")}, nil).Once()
	env.layer.On("Execute", mock.Anything, scraperIs(model.ScraperDynamic)).
		Return(&model.ScrapeResult{Pages: acmePages("https://acme.com/")}, nil).Once()

	done := make(chan *Result, 1)
	go func() {
		done <- env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperStatic})
	}()
	<-entered
	time.Sleep(100 * time.Millisecond)

	second := env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperDynamic})
	require.True(t, second.Success, second.Reason)
	assert.Equal(t, 1, second.Phase)

	close(proceed)
	first := <-done
	assert.False(t, first.Success)
	assert.Equal(t, CodeLockLost, first.Code)
	assert.Equal(t, "lock lost to another operation", first.Reason)

	got := env.reload(t, sess.ID)
	assert.Equal(t, 1, got.Phase)
	assert.Contains(t, got.Data.Layers, model.LayerDynamicContent)
	assert.NotContains(t, got.Data.Layers, model.LayerStaticContent)
	assert.InDelta(t, second.Cost, got.Cost.Total, 1e-9)

	history, err := env.store.GetScrapingHistory(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.ScraperDynamic, history[0].ScraperType)

	assert.Contains(t, tel.errors, "persist")
	env.assertUnlocked(t, sess.ID)
	env.layer.AssertExpectations(t)
}

func TestExecute_ScraperFailureReleasesLock(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	tel := &recordingTelemetry{}
	env.exec.WithTelemetry(tel)
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)

	env.layer.On("Execute", mock.Anything, scraperIs(model.ScraperDynamic)).
		Return(nil, eris.New("browser crashed")).Once()

	res := env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperDynamic})
	assert.False(t, res.Success)
	assert.Equal(t, CodeScraperFailed, res.Code)
	assert.Contains(t, res.Reason, "browser crashed")
	env.assertUnlocked(t, sess.ID)

	got := env.reload(t, sess.ID)
	assert.Equal(t, 0, got.Phase)
	assert.Equal(t, model.SessionStatusPending, got.Status)

	history, err := env.store.GetScrapingHistory(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Contains(t, history[0].Error, "browser crashed")
	assert.Contains(t, tel.errors, "scrape")
}

func TestExecute_InitializeFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)

	env.layer.ExpectedCalls = nil
	env.layer.On("Initialize", mock.Anything).Return(eris.New("chrome not found")).Once()

	res := env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperSPA})
	assert.Equal(t, CodeScraperFailed, res.Code)
	assert.Contains(t, res.Reason, "chrome not found")
	env.layer.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	env.assertUnlocked(t, sess.ID)
}

func TestExecute_RecoversPanic(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)

	env.layer.On("Execute", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("nil map write") }).
		Return(nil, nil).Once()

	var res *Result
	require.NotPanics(t, func() {
		res = env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperStatic})
	})
	assert.False(t, res.Success)
	assert.Equal(t, CodeInternalError, res.Code)
	assert.Contains(t, res.Reason, "nil map write")
	env.assertUnlocked(t, sess.ID)
}

func TestExecute_CanceledContextStillReleasesLock(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)

	ctx, cancel := context.WithCancel(context.Background())
	env.layer.On("Execute", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled).Once()

	res := env.exec.Execute(ctx, Request{SessionID: sess.ID, ScraperType: model.ScraperStatic})
	assert.Equal(t, CodeScraperFailed, res.Code)
	env.assertUnlocked(t, sess.ID)
}

func TestExecute_SessionComplete(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "acme.com", 1)

	env.layer.On("Execute", mock.Anything, mock.Anything).
		Return(&model.ScrapeResult{Pages: acmePages("https://acme.com/")}, nil).Once()

	res := env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperStatic})
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, model.SessionStatusCompleted, res.Status)
	require.NotNil(t, res.Next)
	assert.Equal(t, CodeSessionComplete, res.Next.Code)

	res = env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperAPI})
	assert.False(t, res.Success)
	assert.Equal(t, CodeSessionComplete, res.Code)
	env.layer.AssertNumberOfCalls(t, "Execute", 1)
}

func TestExecute_Budget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		maxBudget *float64
		scraper   model.ScraperType
		urls      []string
		want      Code
	}{
		{name: "zero budget", maxBudget: floatPtr(0), scraper: model.ScraperStatic, want: CodeBudgetExceeded},
		{name: "projection over remaining", maxBudget: floatPtr(0.015), scraper: model.ScraperAI, urls: []string{"acme.com/a", "acme.com/b"}, want: CodeBudgetExceeded},
		{name: "default budget applies", cfg: Config{DefaultBudget: 0.005}, scraper: model.ScraperAI, want: CodeBudgetExceeded},
		{name: "within budget", maxBudget: floatPtr(1), scraper: model.ScraperAI, want: CodeOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, tt.cfg)
			sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)
			env.layer.On("Execute", mock.Anything, mock.Anything).
				Return(&model.ScrapeResult{Pages: acmePages("https://acme.com/")}, nil).Maybe()

			res := env.exec.Execute(context.Background(), Request{
				SessionID:   sess.ID,
				ScraperType: tt.scraper,
				URLs:        tt.urls,
				MaxBudget:   tt.maxBudget,
			})
			assert.Equal(t, tt.want, res.Code, res.Reason)
			if tt.want != CodeOK {
				env.layer.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
				return
			}
			require.NotNil(t, res.CostBreakdown.BudgetRemaining)
			assert.InDelta(t, 1-res.Cost, *res.CostBreakdown.BudgetRemaining, 1e-9)
			env.assertUnlocked(t, sess.ID)
		})
	}
}

func TestExecute_ScrapersExhausted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "acme.com", 10)

	for _, st := range model.AllScraperTypes() {
		require.NoError(t, env.store.AppendScraperRun(context.Background(), &model.ScraperRun{
			SessionID:   sess.ID,
			ScraperType: st,
			Success:     true,
		}))
	}

	res := env.exec.Execute(context.Background(), Request{SessionID: sess.ID})
	assert.False(t, res.Success)
	assert.Equal(t, CodeScrapersExhausted, res.Code)
	env.layer.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	env.assertUnlocked(t, sess.ID)
}

func TestExecute_InvalidScraper(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)

	res := env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: "telepathy"})
	assert.Equal(t, CodeInvalidScraper, res.Code)
	env.assertUnlocked(t, sess.ID)
}

func TestExecute_RoutesWhenNoScraperRequested(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)
	require.NoError(t, env.store.AppendScraperRun(context.Background(), &model.ScraperRun{
		SessionID:   sess.ID,
		ScraperType: model.ScraperStatic,
		Success:     true,
	}))

	env.layer.On("Execute", mock.Anything, mock.MatchedBy(func(req model.ScrapeRequest) bool {
		return req.ScraperType != model.ScraperStatic
	})).Return(&model.ScrapeResult{Pages: acmePages("https://acme.com/")}, nil).Once()

	res := env.exec.Execute(context.Background(), Request{SessionID: sess.ID})
	require.True(t, res.Success, res.Reason)
	assert.True(t, res.ScraperType.Valid())
	assert.NotEqual(t, model.ScraperStatic, res.ScraperType)
	env.layer.AssertExpectations(t)
}

func TestExecute_SitemapPagesFeedNextCycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{MaxURLs: 2})
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)

	env.layer.On("Execute", mock.Anything, scraperIs(model.ScraperAPI)).Return(&model.ScrapeResult{
		Pages:      acmePages("https://acme.com/"),
		Discovered: []string{"https://acme.com/about", "https://acme.com/team", "https://acme.com/contact"},
	}, nil).Once()
	env.layer.On("Execute", mock.Anything, mock.MatchedBy(func(req model.ScrapeRequest) bool {
		return req.ScraperType == model.ScraperDynamic &&
			assert.ObjectsAreEqual([]string{"https://acme.com/about", "https://acme.com/team"}, req.URLs)
	})).Return(&model.ScrapeResult{Pages: acmePages("https://acme.com/about")}, nil).Once()

	first := env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperAPI})
	require.True(t, first.Success, first.Reason)
	assert.Equal(t, []string{"https://acme.com/"}, first.URLs)

	second := env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperDynamic})
	require.True(t, second.Success, second.Reason)
	assert.Equal(t, 2, second.Phase)
	assert.Equal(t, 1, second.NewPages)
	assert.Equal(t, 2, second.TotalPages)
	assert.Equal(t, first.NewDataPoints+second.NewDataPoints, second.TotalDataPoints)
	env.layer.AssertExpectations(t)
}

func TestExecute_ReportedCostOverridesProjection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)

	env.layer.On("Execute", mock.Anything, mock.Anything).Return(&model.ScrapeResult{
		Pages: acmePages("https://acme.com/"),
		Cost:  floatPtr(0.042),
	}, nil).Once()

	res := env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperAI})
	require.True(t, res.Success, res.Reason)
	assert.InDelta(t, 0.042, res.Cost, 1e-9)
	assert.InDelta(t, 0.042, res.CostBreakdown.ByScraper[model.ScraperAI], 1e-9)
	assert.Equal(t, model.CostTierCheap, res.CostBreakdown.Tier)
}

func TestExecute_ExcludedURLsAreNotCharged(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)
	urls := []string{"https://acme.com/", "https://acme.com/cart", "https://acme.com/wp-admin/", "https://acme.com/missing"}

	env.layer.On("Execute", mock.Anything, mock.Anything).Return(&model.ScrapeResult{
		Pages:   acmePages("https://acme.com/"),
		Failed:  []string{"https://acme.com/missing"},
		Skipped: []string{"https://acme.com/cart", "https://acme.com/wp-admin/"},
	}, nil).Once()

	res := env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperStatic, URLs: urls})
	require.True(t, res.Success, res.Reason)

	// two attempted urls: the page and the failed fetch
	calc := cost.NewCalculator(cost.DefaultRates())
	assert.InDelta(t, calc.ProjectCost(model.ScraperStatic, 2, true), res.Cost, 1e-9)
	assert.Equal(t, urls, res.URLs)
	assert.Equal(t, []string{"https://acme.com/cart", "https://acme.com/wp-admin/"}, res.SkippedURLs)
	assert.Equal(t, []string{"https://acme.com/missing"}, res.FailedURLs)

	history, err := env.store.GetScrapingHistory(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []string{"https://acme.com/", "https://acme.com/missing"}, history[0].URLs)

	spent, err := env.store.SpendTotal(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, res.Cost, spent, 1e-9)
}

func TestAttemptedURLs(t *testing.T) {
	t.Parallel()
	urls := []string{"https://acme.com/", "https://acme.com/cart"}

	assert.Equal(t, urls, attemptedURLs(urls, nil))
	assert.Equal(t, []string{"https://acme.com/"}, attemptedURLs(urls, []string{"https://acme.com/cart"}))
	assert.Empty(t, attemptedURLs(urls, urls))
}

func TestExecute_EmptyResult(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)

	env.layer.On("Execute", mock.Anything, mock.Anything).Return(nil, nil).Once()

	res := env.exec.Execute(context.Background(), Request{SessionID: sess.ID, ScraperType: model.ScraperStatic})
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, 0, res.NewPages)
	assert.Equal(t, 1, res.Phase)
	require.NotNil(t, res.Quality)
	assert.Equal(t, model.QualityLow, res.Quality.Level)
}

func TestExecuteWithStreaming(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	tel := &recordingTelemetry{}
	env.exec.WithTelemetry(tel)
	sess := env.newSession(t, "acme.com", model.DefaultMaxPhase)
	urls := []string{"https://acme.com/", "https://acme.com/about"}

	env.layer.On("Execute", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(model.ScrapeRequest)
			require.NotNil(t, req.Progress)
			for i, u := range req.URLs {
				req.Progress(model.Progress{Stage: model.StageFetched, Done: i + 1, Total: len(req.URLs), URL: u})
			}
		}).
		Return(&model.ScrapeResult{Pages: acmePages(urls...)}, nil).Once()

	var (
		mu     sync.Mutex
		stages []string
	)
	res := env.exec.ExecuteWithStreaming(context.Background(), Request{
		SessionID:   sess.ID,
		ScraperType: model.ScraperStatic,
		URLs:        urls,
	}, func(p model.Progress) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, p.Stage)
	})
	require.True(t, res.Success, res.Reason)

	assert.Equal(t, []string{
		model.StageStarted,
		model.StageFetched,
		model.StageFetched,
		model.StageMerging,
		model.StageAssessing,
		model.StageComplete,
	}, stages)
	assert.Equal(t, []string{string(CodeOK)}, tel.codes)
}
