package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var suggestBudget float64

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show progress, coverage, and spend for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Executor.GetSessionStatus(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "session status")
		}
		return printJSON(os.Stdout, report)
	},
}

var suggestCmd = &cobra.Command{
	Use:   "suggest <session-id>",
	Short: "Recommend the next scraper without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var maxBudget *float64
		if cmd.Flags().Changed("budget") {
			if suggestBudget < 0 {
				return eris.New("--budget must be >= 0")
			}
			maxBudget = &suggestBudget
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		sug, err := a.Executor.Suggest(ctx, args[0], maxBudget)
		if err != nil {
			return eris.Wrap(err, "suggest")
		}
		return printJSON(os.Stdout, sug)
	},
}

func init() {
	suggestCmd.Flags().Float64Var(&suggestBudget, "budget", 0, "maximum total spend in dollars for the session")
	rootCmd.AddCommand(statusCmd, suggestCmd)
}
