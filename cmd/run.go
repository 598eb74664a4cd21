package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/siteintel/internal/executor"
	"github.com/sells-group/siteintel/internal/model"
)

var (
	runSession    string
	runScraper    string
	runURLs       []string
	runBudget     float64
	runNoProgress bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one research cycle for a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("run"); err != nil {
			return err
		}

		req := executor.Request{
			SessionID: runSession,
			URLs:      runURLs,
		}
		if runScraper != "" {
			st, err := model.ParseScraperType(runScraper)
			if err != nil {
				return eris.Wrap(err, "--scraper")
			}
			req.ScraperType = st
		}
		if cmd.Flags().Changed("budget") {
			if runBudget < 0 {
				return eris.New("--budget must be >= 0")
			}
			req.MaxBudget = &runBudget
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var res *executor.Result
		if runNoProgress {
			res = a.Executor.Execute(ctx, req)
		} else {
			bar := newCycleBar()
			res = a.Executor.ExecuteWithStreaming(ctx, req, bar.update)
			bar.finish()
		}

		fields := []zap.Field{
			zap.String("session_id", res.SessionID),
			zap.String("code", string(res.Code)),
			zap.String("scraper", string(res.ScraperType)),
			zap.Int("new_pages", res.NewPages),
			zap.Int("new_data_points", res.NewDataPoints),
			zap.Float64("cost", res.Cost),
			zap.Duration("duration", res.Duration),
		}
		if res.Success {
			zap.L().Info("cycle complete", fields...)
		} else {
			zap.L().Warn("cycle did not complete", append(fields, zap.String("reason", res.Reason))...)
		}

		if err := printJSON(os.Stdout, res); err != nil {
			return err
		}
		if !res.Success {
			return eris.Errorf("cycle failed: %s", res.Code)
		}
		return nil
	},
}

// cycleBar renders streaming progress on stderr.
type cycleBar struct {
	bar *progressbar.ProgressBar
}

func newCycleBar() *cycleBar {
	return &cycleBar{}
}

func (c *cycleBar) update(p model.Progress) {
	switch p.Stage {
	case model.StageStarted:
		c.bar = progressbar.NewOptions(p.Total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("scraping ("+p.Message+")"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	case model.StageFetched, model.StageFailed:
		if c.bar != nil {
			_ = c.bar.Add(1)
		}
	case model.StageMerging, model.StageAssessing:
		if c.bar != nil {
			c.bar.Describe(p.Stage)
		}
	}
}

func (c *cycleBar) finish() {
	if c.bar != nil {
		_ = c.bar.Finish()
		_, _ = os.Stderr.WriteString("\n")
	}
}

func init() {
	runCmd.Flags().StringVar(&runSession, "session", "", "session ID (required)")
	runCmd.Flags().StringVar(&runScraper, "scraper", "", "scraper type: static, api, dynamic, spa, ai (default: routed)")
	runCmd.Flags().StringSliceVar(&runURLs, "url", nil, "URL to scrape; repeatable (default: discovered pages or domain root)")
	runCmd.Flags().Float64Var(&runBudget, "budget", 0, "maximum total spend in dollars for the session")
	runCmd.Flags().BoolVar(&runNoProgress, "no-progress", false, "disable the progress bar")
	_ = runCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(runCmd)
}
