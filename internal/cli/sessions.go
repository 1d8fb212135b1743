package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xela07ax/spaceai-control-plane/internal/audit"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

var (
	listLimit   int
	listOffset  int
	explainSave bool
	explainBy   string
)

func init() {
	rootCmd.AddCommand(sessionsCmd, explainCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsTimelineCmd)

	sessionsListCmd.Flags().IntVar(&listLimit, "limit", audit.DefaultListLimit, "Max sessions to show")
	sessionsListCmd.Flags().IntVar(&listOffset, "offset", 0, "Sessions to skip (newest first)")

	explainCmd.Flags().BoolVar(&explainSave, "record", false, "Append the summary to the ledger as an EXPLAIN event")
	explainCmd.Flags().StringVar(&explainBy, "by", "govctl", "Operator recorded as requested_by")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Read sessions from the audit ledger",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, err := openStorage(cmd.Context())
		if err != nil {
			return err
		}
		defer storage.Close()

		sessions, err := storage.Ledger.ListSessions(cmd.Context(), listLimit, listOffset)
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(cmd.OutOrStdout(), sessions)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tUSER\tMODE\tTRUST\tSTATE\tSTARTED")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				s.SessionID, s.UserID, s.Mode, s.TrustLevel, s.LastState, s.StartedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var sessionsTimelineCmd = &cobra.Command{
	Use:   "timeline <session-id>",
	Short: "Show events of a session in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, err := openStorage(cmd.Context())
		if err != nil {
			return err
		}
		defer storage.Close()

		events, err := storage.Ledger.SessionTimeline(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(cmd.OutOrStdout(), events)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tTS\tTYPE\tACTION\tDECISION\tPOLICY\tSOURCE")
		for _, e := range events {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Seq, e.TS.Format(time.RFC3339Nano), e.EventType, e.Action, e.Decision, e.Policy, e.Source)
		}
		return tw.Flush()
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain <session-id>",
	Short: "WHY summary of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, err := openStorage(cmd.Context())
		if err != nil {
			return err
		}
		defer storage.Close()

		ctx := cmd.Context()
		var summary domain.SessionExplanation
		if explainSave {
			summary, err = audit.RecordExplanation(ctx, storage.Ledger, args[0], explainBy)
		} else {
			summary, err = audit.ExplainSession(ctx, storage.Ledger, args[0])
		}
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(cmd.OutOrStdout(), summary)
		}
		fmt.Fprintln(cmd.OutOrStdout(), summary.Explanation)
		return nil
	},
}
