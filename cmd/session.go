package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/store"
)

var (
	sessionMaxPhase int
	sessionDomain   string
	sessionStatus   string
	sessionLimit    int
	sessionJSON     bool
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create and list research sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <domain>",
	Short: "Create a research session for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("run"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		maxPhase := sessionMaxPhase
		if maxPhase <= 0 {
			maxPhase = cfg.Session.MaxPhase
		}

		sess, err := st.CreateSession(ctx, args[0], maxPhase)
		if err != nil {
			return eris.Wrap(err, "create session")
		}

		zap.L().Info("session created",
			zap.String("session_id", sess.ID),
			zap.String("domain", sess.Domain),
			zap.Int("max_phase", sess.MaxPhase),
		)
		return printJSON(os.Stdout, sess)
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List research sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sessions, err := st.ListSessions(ctx, store.SessionFilter{
			Domain: sessionDomain,
			Status: model.SessionStatus(sessionStatus),
			Limit:  sessionLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list sessions")
		}

		if sessionJSON {
			return printJSON(os.Stdout, sessions)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tDOMAIN\tSTATUS\tPHASE\tPAGES\tDATA POINTS\tSPENT\tUPDATED")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\t$%.4f\t%s\n",
				s.ID, s.Domain, s.Status, s.Phase, s.MaxPhase,
				s.PagesScraped, s.DataPoints, s.Cost.Total,
				s.UpdatedAt.Format("2006-01-02 15:04"),
			)
		}
		return tw.Flush()
	},
}

func init() {
	sessionCreateCmd.Flags().IntVar(&sessionMaxPhase, "max-phase", 0, "cycles before the session completes (default from config)")

	sessionListCmd.Flags().StringVar(&sessionDomain, "domain", "", "filter by domain")
	sessionListCmd.Flags().StringVar(&sessionStatus, "status", "", "filter by status (pending, in_progress, completed, failed)")
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 50, "maximum sessions to list")
	sessionListCmd.Flags().BoolVar(&sessionJSON, "json", false, "print JSON instead of a table")

	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd)
	rootCmd.AddCommand(sessionCmd)
}
