package model

import "time"

// SessionStatus represents the lifecycle state of a research session.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
)

// Terminal reports whether no further cycles may run.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// DefaultMaxPhase is the number of cycles after which a session completes.
const DefaultMaxPhase = 5

// Session is one bounded research run for a domain.
type Session struct {
	ID           string        `json:"id"`
	Domain       string        `json:"domain"`
	Phase        int           `json:"phase"`
	MaxPhase     int           `json:"max_phase"`
	Status       SessionStatus `json:"status"`
	Data         MergedData    `json:"data"`
	Cost         CostBreakdown `json:"cost"`
	PagesScraped int           `json:"pages_scraped"`
	DataPoints   int           `json:"data_points"`
	LockToken    string        `json:"-"`
	LockedAt     *time.Time    `json:"locked_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Locked reports whether a lock token is currently held.
func (s *Session) Locked() bool {
	return s.LockToken != ""
}

// PhaseLabel returns the label aggregation tags the current cycle with.
func (s *Session) PhaseLabel() string {
	return PhaseLabel(s.Phase + 1)
}

// SessionUpdate is a partial session write. Nil fields are left untouched.
type SessionUpdate struct {
	Phase        *int           `json:"phase,omitempty"`
	Status       *SessionStatus `json:"status,omitempty"`
	Data         *MergedData    `json:"data,omitempty"`
	Cost         *CostBreakdown `json:"cost,omitempty"`
	PagesScraped *int           `json:"pages_scraped,omitempty"`
	DataPoints   *int           `json:"data_points,omitempty"`

	// LockToken fences the write: when set, the update only applies while
	// this token still holds the session lock.
	LockToken string `json:"-"`
}

// ScraperRun is an append-only audit entry for an executed scraper.
type ScraperRun struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	ScraperType  ScraperType   `json:"scraper_type"`
	Phase        int           `json:"phase"`
	URLs         []string      `json:"urls"`
	PagesScraped int           `json:"pages_scraped"`
	DataPoints   int           `json:"data_points"`
	Cost         float64       `json:"cost"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}

// UsedScraperTypes returns the distinct scraper types in history, in the
// order they first ran. Failed runs count as used.
func UsedScraperTypes(history []ScraperRun) []ScraperType {
	seen := make(map[ScraperType]bool, len(history))
	var out []ScraperType
	for _, r := range history {
		if seen[r.ScraperType] {
			continue
		}
		seen[r.ScraperType] = true
		out = append(out, r.ScraperType)
	}
	return out
}

// SpendEntry is one ledger row of tracked scraper spend.
type SpendEntry struct {
	SessionID   string      `json:"session_id"`
	ScraperType ScraperType `json:"scraper_type"`
	Phase       int         `json:"phase"`
	URLCount    int         `json:"url_count"`
	Amount      float64     `json:"amount"`
	Projected   bool        `json:"projected"`
	CreatedAt   time.Time   `json:"created_at"`
}

// CostTier is a coarse classification of cumulative session spend.
type CostTier string

const (
	CostTierFree      CostTier = "FREE"
	CostTierCheap     CostTier = "CHEAP"
	CostTierModerate  CostTier = "MODERATE"
	CostTierExpensive CostTier = "EXPENSIVE"
)

// CostBreakdown rolls up session spend. Total never decreases.
type CostBreakdown struct {
	Total           float64                 `json:"total"`
	ByScraper       map[ScraperType]float64 `json:"by_scraper,omitempty"`
	ByPhase         map[string]float64      `json:"by_phase,omitempty"`
	ProjectedTotal  float64                 `json:"projected_total"`
	BudgetRemaining *float64                `json:"budget_remaining,omitempty"`
	Tier            CostTier                `json:"tier"`
}

// PhaseLabel formats the aggregation label for a 1-based phase number.
func PhaseLabel(phase int) string {
	switch phase {
	case 1:
		return "phase_1_discovery"
	case 2:
		return "phase_2_extraction"
	case 3:
		return "phase_3_enrichment"
	case 4:
		return "phase_4_refinement"
	case 5:
		return "phase_5_validation"
	}
	return "phase_extra"
}
