package cost

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/siteintel/internal/model"
)

// MaxROI ranks zero-cost candidates above every priced one.
const MaxROI = math.MaxFloat64

// defaultPages is the page count assumed per scraper type when the caller
// does not know how many URLs will be fetched.
var defaultPages = map[model.ScraperType]int{
	model.ScraperStatic:  10,
	model.ScraperAPI:     5,
	model.ScraperDynamic: 10,
	model.ScraperSPA:     8,
	model.ScraperAI:      5,
}

// maxGain is the most quality a scraper type adds to an empty session.
var maxGain = map[model.ScraperType]float64{
	model.ScraperStatic:  20,
	model.ScraperAPI:     15,
	model.ScraperDynamic: 30,
	model.ScraperSPA:     30,
	model.ScraperAI:      40,
}

// SelectionCode distinguishes why a selection did or did not produce a
// candidate.
type SelectionCode string

const (
	SelectionOK                SelectionCode = "ok"
	SelectionBudgetExhausted   SelectionCode = "budget_exhausted"
	SelectionScrapersExhausted SelectionCode = "scrapers_exhausted"
	SelectionNoneWithinBudget  SelectionCode = "no_scraper_within_budget"
)

// Store is the persistence the optimizer reads spend from and writes the
// ledger to.
type Store interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	RecordSpend(ctx context.Context, entry *model.SpendEntry) error
}

// BudgetStatus is the result of a budget check.
type BudgetStatus struct {
	Exceeded   bool    `json:"exceeded"`
	TotalSpent float64 `json:"total_spent"`
	Remaining  float64 `json:"remaining"`
	MaxBudget  float64 `json:"max_budget"`
}

// SelectionInput describes the state a scraper selection is made from.
type SelectionInput struct {
	RemainingBudget float64
	CurrentQuality  float64
	Used            []model.ScraperType
	// URLCount overrides the per-type default page estimate when > 0.
	URLCount int
}

// Candidate is a priced scraper option.
type Candidate struct {
	ScraperType model.ScraperType `json:"scraper_type"`
	Pages       int               `json:"pages"`
	Cost        float64           `json:"cost"`
	QualityGain float64           `json:"quality_gain"`
	ROI         float64           `json:"roi"`
}

// Selection is the outcome of OptimizeScraperSelection. Recommended is nil
// unless Code is SelectionOK.
type Selection struct {
	Recommended *Candidate    `json:"recommended,omitempty"`
	Code        SelectionCode `json:"code"`
	Reason      string        `json:"reason"`
	Ranked      []Candidate   `json:"ranked,omitempty"`
}

// Optimizer applies pricing policy to budgets and scraper choices.
type Optimizer struct {
	calc  *Calculator
	store Store
	now   func() time.Time
}

// NewOptimizer creates an Optimizer. store may be nil when only the pure
// methods are used.
func NewOptimizer(calc *Calculator, store Store) *Optimizer {
	return &Optimizer{calc: calc, store: store, now: time.Now}
}

// Calculator returns the underlying calculator.
func (o *Optimizer) Calculator() *Calculator {
	return o.calc
}

// CheckBudget reads persisted spend for a session and compares it to
// maxBudget.
func (o *Optimizer) CheckBudget(ctx context.Context, sessionID string, maxBudget float64) (*BudgetStatus, error) {
	if o.store == nil {
		return nil, eris.New("cost: no store configured")
	}
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "cost: check budget %s", sessionID)
	}
	return BudgetFor(sess.Cost.Total, maxBudget), nil
}

// BudgetFor compares spent against maxBudget.
func BudgetFor(spent, maxBudget float64) *BudgetStatus {
	return &BudgetStatus{
		Exceeded:   spent >= maxBudget,
		TotalSpent: spent,
		Remaining:  math.Max(0, maxBudget-spent),
		MaxBudget:  maxBudget,
	}
}

// ProjectCost estimates the cost of running st over urlCount URLs.
func (o *Optimizer) ProjectCost(st model.ScraperType, urlCount int, includeOverhead bool) float64 {
	return o.calc.ProjectCost(st, urlCount, includeOverhead)
}

// CostTier classifies a cumulative spend.
func (o *Optimizer) CostTier(total float64) model.CostTier {
	return o.calc.Tier(total)
}

// Estimate prices st for a session at currentQuality.
func (o *Optimizer) Estimate(st model.ScraperType, currentQuality float64, urlCount int) Candidate {
	pages := urlCount
	if pages <= 0 {
		pages = defaultPages[st]
	}
	gap := math.Max(0, 100-currentQuality)
	gain := maxGain[st] * gap / 100
	gain = math.Min(gain, gap)

	c := Candidate{
		ScraperType: st,
		Pages:       pages,
		Cost:        o.calc.ProjectCost(st, pages, true),
		QualityGain: gain,
	}
	if c.Cost <= 0 {
		c.ROI = MaxROI
	} else {
		c.ROI = c.QualityGain / c.Cost
	}
	return c
}

// OptimizeScraperSelection ranks the unused scraper types that fit the
// remaining budget by quality gain per unit cost.
func (o *Optimizer) OptimizeScraperSelection(in SelectionInput) *Selection {
	if in.RemainingBudget <= 0 {
		return &Selection{Code: SelectionBudgetExhausted, Reason: "budget exhausted"}
	}

	used := make(map[model.ScraperType]bool, len(in.Used))
	for _, st := range in.Used {
		used[st] = true
	}

	var ranked []Candidate
	unused := 0
	for _, st := range model.AllScraperTypes() {
		if used[st] {
			continue
		}
		unused++
		c := o.Estimate(st, in.CurrentQuality, in.URLCount)
		if c.Cost > in.RemainingBudget {
			continue
		}
		ranked = append(ranked, c)
	}
	if unused == 0 {
		return &Selection{Code: SelectionScrapersExhausted, Reason: "all scrapers used"}
	}
	if len(ranked) == 0 {
		return &Selection{Code: SelectionNoneWithinBudget, Reason: "no scrapers within budget"}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].ROI != ranked[j].ROI {
			return ranked[i].ROI > ranked[j].ROI
		}
		return ranked[i].ScraperType.CostRank() < ranked[j].ScraperType.CostRank()
	})

	top := ranked[0]
	return &Selection{
		Recommended: &top,
		Code:        SelectionOK,
		Reason: fmt.Sprintf("%s offers +%.1f quality for $%.4f (%d pages), best gain per dollar of %d candidates within $%.4f",
			top.ScraperType, top.QualityGain, top.Cost, top.Pages, len(ranked), in.RemainingBudget),
		Ranked: ranked,
	}
}

// ApplySpend returns a copy of b with amount charged to st in phase.
// Negative amounts are ignored so Total never decreases. maxBudget may be
// nil for an unbounded session.
func (o *Optimizer) ApplySpend(b model.CostBreakdown, st model.ScraperType, phase string, amount float64, maxBudget *float64, used []model.ScraperType) model.CostBreakdown {
	out := model.CostBreakdown{
		Total:     b.Total,
		ByScraper: make(map[model.ScraperType]float64, len(b.ByScraper)+1),
		ByPhase:   make(map[string]float64, len(b.ByPhase)+1),
	}
	for k, v := range b.ByScraper {
		out.ByScraper[k] = v
	}
	for k, v := range b.ByPhase {
		out.ByPhase[k] = v
	}

	if amount > 0 {
		out.Total += amount
		out.ByScraper[st] += amount
		out.ByPhase[phase] += amount
	}
	out.Tier = o.calc.Tier(out.Total)

	usedSet := make(map[model.ScraperType]bool, len(used)+1)
	for _, u := range used {
		usedSet[u] = true
	}
	usedSet[st] = true
	out.ProjectedTotal = out.Total
	for _, next := range model.AllScraperTypes() {
		if !usedSet[next] {
			out.ProjectedTotal += o.calc.ProjectCost(next, defaultPages[next], true)
			break
		}
	}

	if maxBudget != nil {
		remaining := math.Max(0, *maxBudget-out.Total)
		out.BudgetRemaining = &remaining
	}
	return out
}

// TrackSpending logs a spend entry and writes it to the ledger. Failures are
// logged and never returned.
func (o *Optimizer) TrackSpending(ctx context.Context, entry *model.SpendEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = o.now().UTC()
	}
	log := zap.L().With(
		zap.String("session_id", entry.SessionID),
		zap.String("scraper", string(entry.ScraperType)),
	)
	log.Info("cost: spend tracked",
		zap.Float64("amount", entry.Amount),
		zap.Bool("projected", entry.Projected),
		zap.Int("urls", entry.URLCount),
		zap.Int("phase", entry.Phase),
	)

	if o.store == nil {
		return
	}
	if err := o.store.RecordSpend(ctx, entry); err != nil {
		log.Warn("cost: failed to record spend", zap.Error(err))
	}
}
