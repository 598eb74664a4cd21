package executor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/siteintel/internal/cost"
	"github.com/sells-group/siteintel/internal/model"
)

// Status thresholds.
const (
	minPagesForCoverage = 5
	minDataPoints       = 50
	readyPages          = 10
	readyDataPoints     = 100
)

// StatusReport is a read-only view of a session's progress.
type StatusReport struct {
	SessionID    string              `json:"session_id"`
	Domain       string              `json:"domain"`
	Status       model.SessionStatus `json:"status"`
	Phase        int                 `json:"phase"`
	MaxPhase     int                 `json:"max_phase"`
	Percentage   float64             `json:"percentage"`
	PagesScraped int                 `json:"pages_scraped"`
	DataPoints   int                 `json:"data_points"`
	UsedScrapers []model.ScraperType `json:"used_scrapers"`
	Suggestions  []string            `json:"suggestions"`
	Cost         model.CostBreakdown `json:"cost"`
	Locked       bool                `json:"locked"`
	LockedAt     *time.Time          `json:"locked_at,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Suggestion answers "what should run next" without running anything.
type Suggestion struct {
	SessionID string                `json:"session_id"`
	Quality   *model.QualityMetrics `json:"quality"`
	Budget    *cost.BudgetStatus    `json:"budget,omitempty"`
	Next      *NextAction           `json:"next"`
}

// GetSessionStatus reports progress for a session. It takes no lock.
func (e *Executor) GetSessionStatus(ctx context.Context, id string) (*StatusReport, error) {
	sess, history, err := e.load(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "executor: status %s", id)
	}

	maxPhase := sess.MaxPhase
	if maxPhase <= 0 {
		maxPhase = model.DefaultMaxPhase
	}
	pct := math.Min(100, float64(sess.Phase)*100/float64(maxPhase))

	used := model.UsedScraperTypes(history)
	if used == nil {
		used = []model.ScraperType{}
	}
	return &StatusReport{
		SessionID:    sess.ID,
		Domain:       sess.Domain,
		Status:       sess.Status,
		Phase:        sess.Phase,
		MaxPhase:     maxPhase,
		Percentage:   math.Round(pct*10) / 10,
		PagesScraped: sess.PagesScraped,
		DataPoints:   sess.DataPoints,
		UsedScrapers: used,
		Suggestions:  statusSuggestions(sess.PagesScraped, sess.DataPoints),
		Cost:         sess.Cost,
		Locked:       sess.Locked(),
		LockedAt:     sess.LockedAt,
		UpdatedAt:    sess.UpdatedAt,
	}, nil
}

func statusSuggestions(pages, dataPoints int) []string {
	out := []string{}
	if pages < minPagesForCoverage {
		out = append(out, fmt.Sprintf("only %d pages scraped: add more URLs to broaden coverage", pages))
	}
	if dataPoints < minDataPoints {
		out = append(out, fmt.Sprintf("only %d data points extracted: try a different scraper type", dataPoints))
	}
	if pages > readyPages && dataPoints > readyDataPoints {
		out = append(out, "enough data collected: ready for downstream analysis")
	}
	return out
}

// Suggest proposes the next scraper for a session under maxBudget, which
// falls back to the configured default and may be nil for no limit.
func (e *Executor) Suggest(ctx context.Context, id string, maxBudget *float64) (*Suggestion, error) {
	sess, history, err := e.load(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "executor: suggest %s", id)
	}

	used := model.UsedScraperTypes(history)
	metrics := e.assessor.Assess(&sess.Data, used)
	maxBudget = e.budget(maxBudget)

	out := &Suggestion{SessionID: sess.ID, Quality: metrics}
	if maxBudget != nil {
		out.Budget = cost.BudgetFor(sess.Cost.Total, *maxBudget)
	}
	if reason, done := complete(sess); done {
		out.Next = &NextAction{Code: CodeSessionComplete, Reason: reason}
		return out, nil
	}
	out.Next = e.nextAction(sess.Domain, sess.Status, &sess.Data, metrics, history, sess.Cost.Total, maxBudget)
	return out, nil
}

// nextAction combines the router's technology-aware pick with the
// optimizer's budget ranking. The router wins when its pick is affordable.
func (e *Executor) nextAction(
	domain string,
	status model.SessionStatus,
	data *model.MergedData,
	metrics *model.QualityMetrics,
	history []model.ScraperRun,
	spent float64,
	maxBudget *float64,
) *NextAction {
	if status.Terminal() {
		return &NextAction{Code: CodeSessionComplete, Reason: fmt.Sprintf("session is %s", status)}
	}

	remaining := math.MaxFloat64
	if maxBudget != nil {
		remaining = cost.BudgetFor(spent, *maxBudget).Remaining
	}
	sel := e.optimizer.OptimizeScraperSelection(cost.SelectionInput{
		RemainingBudget: remaining,
		CurrentQuality:  metrics.OverallScore,
		Used:            model.UsedScraperTypes(history),
	})
	dec := e.router.GetRecommendation(domain, metrics.OverallScore, history, data)

	next := &NextAction{
		Code:      Code(sel.Code),
		Reason:    sel.Reason,
		Routing:   dec,
		Selection: sel,
	}
	if sel.Code != cost.SelectionOK || sel.Recommended == nil {
		return next
	}
	next.Recommended = sel.Recommended.ScraperType
	if dec != nil && affordable(sel.Ranked, dec.Recommended) {
		next.Recommended = dec.Recommended
		next.Reason = strings.Join(dec.Reasoning, "; ")
	}
	return next
}

func affordable(ranked []cost.Candidate, st model.ScraperType) bool {
	for _, c := range ranked {
		if c.ScraperType == st {
			return true
		}
	}
	return false
}
