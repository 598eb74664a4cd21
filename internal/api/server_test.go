package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/siteintel/internal/executor"
	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/resilience"
	"github.com/sells-group/siteintel/internal/store"
)

type mockCycles struct{ mock.Mock }

func (m *mockCycles) Execute(ctx context.Context, req executor.Request) *executor.Result {
	args := m.Called(ctx, req)
	return args.Get(0).(*executor.Result)
}

func (m *mockCycles) GetSessionStatus(ctx context.Context, id string) (*executor.StatusReport, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*executor.StatusReport), args.Error(1)
}

func (m *mockCycles) Suggest(ctx context.Context, id string, maxBudget *float64) (*executor.Suggestion, error) {
	args := m.Called(ctx, id, maxBudget)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*executor.Suggestion), args.Error(1)
}

type mockSessions struct{ mock.Mock }

func (m *mockSessions) CreateSession(ctx context.Context, domain string, maxPhase int) (*model.Session, error) {
	args := m.Called(ctx, domain, maxPhase)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessions) ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.Session, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Session), args.Error(1)
}

func newTestServer(opts Options) (*Server, *mockCycles, *mockSessions) {
	cycles := &mockCycles{}
	sessions := &mockSessions{}
	return NewServer(cycles, sessions, opts), cycles, sessions
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	states := map[string]resilience.CircuitState{"jina": resilience.CircuitClosed}
	s, _, _ := newTestServer(Options{Breakers: func() map[string]resilience.CircuitState { return states }})

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"jina": "closed"}, body["breakers"])

	states["jina"] = resilience.CircuitOpen
	body = decode(t, do(t, s, http.MethodGet, "/health", ""))
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsRoute(t *testing.T) {
	s, _, _ := newTestServer(Options{})
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/metrics", "").Code)

	s, _, _ = newTestServer(Options{Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("siteintel_cycles_total 1\n")) //nolint:errcheck
	})})
	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "siteintel_cycles_total")
}

func TestCreateSession(t *testing.T) {
	s, _, sessions := newTestServer(Options{MaxPhase: 4})
	sessions.On("CreateSession", mock.Anything, "acme.com", 4).
		Return(&model.Session{ID: "s1", Domain: "acme.com", MaxPhase: 4}, nil)

	rec := do(t, s, http.MethodPost, "/sessions", `{"domain":"acme.com"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "s1", decode(t, rec)["id"])
	sessions.AssertExpectations(t)
}

func TestCreateSession_ExplicitMaxPhase(t *testing.T) {
	s, _, sessions := newTestServer(Options{})
	sessions.On("CreateSession", mock.Anything, "acme.com", 2).
		Return(&model.Session{ID: "s1", Domain: "acme.com", MaxPhase: 2}, nil)

	rec := do(t, s, http.MethodPost, "/sessions", `{"domain":"acme.com","max_phase":2}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	sessions.AssertExpectations(t)
}

func TestCreateSession_BadRequest(t *testing.T) {
	s, _, sessions := newTestServer(Options{})

	for _, body := range []string{`{}`, `not json`} {
		rec := do(t, s, http.MethodPost, "/sessions", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "domain is required", decode(t, rec)["error"])
	}
	sessions.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateSession_StoreError(t *testing.T) {
	s, _, sessions := newTestServer(Options{})
	sessions.On("CreateSession", mock.Anything, "acme.com", model.DefaultMaxPhase).
		Return(nil, errors.New("disk full"))

	rec := do(t, s, http.MethodPost, "/sessions", `{"domain":"acme.com"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListSessions(t *testing.T) {
	s, _, sessions := newTestServer(Options{})
	want := store.SessionFilter{Domain: "acme.com", Status: model.SessionStatusInProgress, Limit: 5, Offset: 10}
	sessions.On("ListSessions", mock.Anything, want).
		Return([]model.Session{{ID: "s1"}, {ID: "s2"}}, nil)

	rec := do(t, s, http.MethodGet, "/sessions?domain=acme.com&status=in_progress&limit=5&offset=10", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["sessions"].([]any)
	assert.Len(t, list, 2)
	sessions.AssertExpectations(t)
}

func TestListSessions_EmptyIsArray(t *testing.T) {
	s, _, sessions := newTestServer(Options{})
	sessions.On("ListSessions", mock.Anything, store.SessionFilter{}).Return(nil, nil)

	rec := do(t, s, http.MethodGet, "/sessions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestListSessions_InvalidPaging(t *testing.T) {
	s, _, _ := newTestServer(Options{})
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/sessions?limit=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/sessions?offset=-1", "").Code)
}

func TestSessionStatus(t *testing.T) {
	s, cycles, _ := newTestServer(Options{})
	cycles.On("GetSessionStatus", mock.Anything, "s1").
		Return(&executor.StatusReport{SessionID: "s1", Domain: "acme.com", Percentage: 40}, nil)
	cycles.On("GetSessionStatus", mock.Anything, "missing").
		Return(nil, model.ErrSessionNotFound)
	cycles.On("GetSessionStatus", mock.Anything, "broken").
		Return(nil, errors.New("db down"))

	rec := do(t, s, http.MethodGet, "/sessions/s1/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme.com", decode(t, rec)["domain"])

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/sessions/missing/status", "").Code)
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodGet, "/sessions/broken/status", "").Code)
}

func TestExecute(t *testing.T) {
	s, cycles, _ := newTestServer(Options{})
	budget := 0.5
	want := executor.Request{
		SessionID:   "s1",
		ScraperType: model.ScraperStatic,
		URLs:        []string{"https://acme.com/"},
		MaxBudget:   &budget,
	}
	cycles.On("Execute", mock.Anything, want).
		Return(&executor.Result{Success: true, Code: executor.CodeOK, SessionID: "s1", NewPages: 1})

	rec := do(t, s, http.MethodPost, "/sessions/s1/execute",
		`{"scraper_type":"static","urls":["https://acme.com/"],"max_budget":0.5}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	cycles.AssertExpectations(t)
}

func TestExecute_EmptyBody(t *testing.T) {
	s, cycles, _ := newTestServer(Options{})
	cycles.On("Execute", mock.Anything, executor.Request{SessionID: "s1"}).
		Return(&executor.Result{Success: true, Code: executor.CodeOK})

	rec := do(t, s, http.MethodPost, "/sessions/s1/execute", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	cycles.AssertExpectations(t)
}

func TestExecute_InvalidInput(t *testing.T) {
	s, cycles, _ := newTestServer(Options{})

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/sessions/s1/execute", `{bad`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/sessions/s1/execute", `{"scraper_type":"psychic"}`).Code)
	cycles.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestExecute_StatusMapping(t *testing.T) {
	tests := []struct {
		code executor.Code
		want int
	}{
		{executor.CodeOK, http.StatusOK},
		{executor.CodeSessionNotFound, http.StatusNotFound},
		{executor.CodeLockHeld, http.StatusConflict},
		{executor.CodeLockLost, http.StatusConflict},
		{executor.CodeSessionComplete, http.StatusConflict},
		{executor.CodeScrapersExhausted, http.StatusConflict},
		{executor.CodeBudgetExceeded, http.StatusPaymentRequired},
		{executor.CodeInvalidScraper, http.StatusUnprocessableEntity},
		{executor.CodeNoURLsFound, http.StatusUnprocessableEntity},
		{executor.CodeScraperFailed, http.StatusBadGateway},
		{executor.CodePersistFailed, http.StatusInternalServerError},
		{executor.CodeInternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			s, cycles, _ := newTestServer(Options{})
			cycles.On("Execute", mock.Anything, mock.Anything).
				Return(&executor.Result{Success: tt.code == executor.CodeOK, Code: tt.code})

			rec := do(t, s, http.MethodPost, "/sessions/s1/execute", "")
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, string(tt.code), decode(t, rec)["code"])
		})
	}
}

func TestSuggestion(t *testing.T) {
	s, cycles, _ := newTestServer(Options{})
	cycles.On("Suggest", mock.Anything, "s1", (*float64)(nil)).
		Return(&executor.Suggestion{SessionID: "s1", Next: &executor.NextAction{Code: executor.CodeOK, Recommended: model.ScraperStatic}}, nil)
	cycles.On("Suggest", mock.Anything, "s1", mock.MatchedBy(func(b *float64) bool { return b != nil && *b == 0.25 })).
		Return(&executor.Suggestion{SessionID: "s1", Next: &executor.NextAction{Code: executor.CodeOK, Recommended: model.ScraperAPI}}, nil)

	rec := do(t, s, http.MethodGet, "/sessions/s1/suggestion", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/sessions/s1/suggestion?max_budget=0.25", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"api"`)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/sessions/s1/suggestion?max_budget=-1", "").Code)
	cycles.AssertExpectations(t)
}

func TestSuggestion_NotFound(t *testing.T) {
	s, cycles, _ := newTestServer(Options{})
	cycles.On("Suggest", mock.Anything, "missing", (*float64)(nil)).Return(nil, model.ErrSessionNotFound)

	rec := do(t, s, http.MethodGet, "/sessions/missing/suggestion", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "session not found", decode(t, rec)["error"])
}

func TestCORS(t *testing.T) {
	s, _, _ := newTestServer(Options{CORSOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoverMiddleware(t *testing.T) {
	h := recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDHeaderPropagates(t *testing.T) {
	s, _, _ := newTestServer(Options{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
