package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/resilience"
	"github.com/sells-group/siteintel/pkg/jina"
)

const readerMarkdown = "# Umbrella Health\n\n" +
	"Umbrella Health operates outpatient clinics across the Midwest and employs 400 clinicians.\n\n" +
	"Contact us at care@umbrella.health for appointments and referrals."

// jinaStub serves reader responses and counts calls.
type jinaStub struct {
	calls   atomic.Int32
	status  int
	content string
}

func (j *jinaStub) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		j.calls.Add(1)
		if j.status != 0 && j.status != http.StatusOK {
			w.WriteHeader(j.status)
			_, _ = w.Write([]byte("upstream says no"))
			return
		}
		target := strings.TrimPrefix(r.URL.Path, "/")
		_ = json.NewEncoder(w).Encode(jina.ReadResponse{
			Code: 200,
			Data: jina.ReadData{Title: "Umbrella Health | Clinics", URL: target, Content: j.content},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestReader(t *testing.T, stub *jinaStub) *ReaderScraper {
	t.Helper()
	srv := stub.serve(t)
	return NewReaderScraper(jina.NewClient("k", jina.WithBaseURL(srv.URL)), resilience.NewBreaker("jina", resilience.BreakerConfig{Threshold: 2}))
}

func TestReaderScraper_Fetch(t *testing.T) {
	t.Parallel()
	s := newTestReader(t, &jinaStub{content: readerMarkdown})

	assert.Equal(t, model.ScraperAI, s.Type())

	page, err := s.Fetch(context.Background(), "https://umbrella.health")
	require.NoError(t, err)
	assert.Equal(t, "Umbrella Health | Clinics", page.Title)
	assert.Equal(t, []string{"Umbrella Health"}, page.Headings)
	assert.Len(t, page.Paragraphs, 2)
	assert.Equal(t, []string{"care@umbrella.health"}, page.Emails)
	assert.Empty(t, page.FinalURL)
}

func TestReaderScraper_ShortContentIsBlocked(t *testing.T) {
	t.Parallel()
	s := newTestReader(t, &jinaStub{content: "Access denied"})

	_, err := s.Fetch(context.Background(), "https://umbrella.health")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked))
}

func TestReaderScraper_PageErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()
	stub := &jinaStub{status: http.StatusNotFound}
	s := newTestReader(t, stub)

	for range 4 {
		_, err := s.Fetch(context.Background(), "https://umbrella.health/gone")
		require.Error(t, err)
		var se *resilience.StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusNotFound, se.StatusCode)
		assert.False(t, resilience.IsTransient(err))
	}
	assert.Equal(t, int32(4), stub.calls.Load())
	assert.Equal(t, resilience.CircuitClosed, s.BreakerState())
}

func TestReaderScraper_UpstreamFailuresOpenBreaker(t *testing.T) {
	t.Parallel()
	stub := &jinaStub{status: http.StatusBadGateway}
	s := newTestReader(t, stub)

	for range 2 {
		_, err := s.Fetch(context.Background(), "https://umbrella.health")
		require.Error(t, err)
		assert.True(t, resilience.IsTransient(err))
	}
	assert.Equal(t, resilience.CircuitOpen, s.BreakerState())

	_, err := s.Fetch(context.Background(), "https://umbrella.health")
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.False(t, resilience.IsTransient(err))
	assert.Equal(t, int32(2), stub.calls.Load())
}
