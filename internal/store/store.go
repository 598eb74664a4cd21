package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/siteintel/internal/model"
)

// DefaultLockTTL is how long a session lock is honored before another
// operation may take it over.
const DefaultLockTTL = 10 * time.Minute

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Domain string              `json:"domain,omitempty"`
	Status model.SessionStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// Store defines the persistence interface for research sessions.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, domain string, maxPhase int) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)
	// UpdateSession returns model.ErrLockLost when upd.LockToken is set and
	// no longer holds the lock.
	UpdateSession(ctx context.Context, id string, upd model.SessionUpdate) error

	// Locking. AcquireLock is a compare-and-swap: it returns false without
	// blocking when another live token holds the session. ReleaseLock is a
	// no-op when token does not match.
	AcquireLock(ctx context.Context, id, token string) (bool, error)
	ReleaseLock(ctx context.Context, id, token string) error

	// Run history
	AppendScraperRun(ctx context.Context, run *model.ScraperRun) error
	GetScrapingHistory(ctx context.Context, sessionID string) ([]model.ScraperRun, error)

	// Spend ledger
	RecordSpend(ctx context.Context, entry *model.SpendEntry) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// updateClauses renders the SET assignments for a partial session update.
// placeholder formats the n-th (1-based) bind parameter.
func updateClauses(upd model.SessionUpdate, placeholder func(n int) string) ([]string, []any, error) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = %s", col, placeholder(len(args))))
	}

	if upd.Phase != nil {
		add("phase", *upd.Phase)
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.Data != nil {
		b, err := json.Marshal(upd.Data)
		if err != nil {
			return nil, nil, eris.Wrap(err, "marshal session data")
		}
		add("data", b)
	}
	if upd.Cost != nil {
		b, err := json.Marshal(upd.Cost)
		if err != nil {
			return nil, nil, eris.Wrap(err, "marshal session cost")
		}
		add("cost", b)
	}
	if upd.PagesScraped != nil {
		add("pages_scraped", *upd.PagesScraped)
	}
	if upd.DataPoints != nil {
		add("data_points", *upd.DataPoints)
	}
	add("updated_at", time.Now().UTC())
	return sets, args, nil
}

func decodeSessionJSON(s *model.Session, data, cost []byte) error {
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.Data); err != nil {
			return eris.Wrap(err, "unmarshal session data")
		}
	}
	if s.Data.Layers == nil {
		s.Data.Layers = make(map[model.Layer]model.LayerData)
	}
	if s.Data.Phases == nil {
		s.Data.Phases = make(map[model.Layer]string)
	}
	if len(cost) > 0 {
		if err := json.Unmarshal(cost, &s.Cost); err != nil {
			return eris.Wrap(err, "unmarshal session cost")
		}
	}
	return nil
}

func newSession(id, domain string, maxPhase int, now time.Time) *model.Session {
	if maxPhase <= 0 {
		maxPhase = model.DefaultMaxPhase
	}
	return &model.Session{
		ID:       id,
		Domain:   domain,
		MaxPhase: maxPhase,
		Status:   model.SessionStatusPending,
		Data: model.MergedData{
			Layers: make(map[model.Layer]model.LayerData),
			Phases: make(map[model.Layer]string),
		},
		Cost:      model.CostBreakdown{Tier: model.CostTierFree},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
