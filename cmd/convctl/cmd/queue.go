package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the work queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pending, retry and dead-letter depths",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		q, closeQueue, err := openQueue(ctx, loadSettings())
		if err != nil {
			return err
		}
		defer closeQueue()

		st, err := q.Stats(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]int64{
				"pending":     st.Pending,
				"retry":       st.Retry,
				"dead_letter": st.DeadLetter,
			})
		}
		k := q.Keys()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Pending:     %d  (%s)\n", st.Pending, k.Pending)
		fmt.Fprintf(out, "Retry:       %d  (%s)\n", st.Retry, k.Retry)
		fmt.Fprintf(out, "Dead letter: %d  (%s)\n", st.DeadLetter, k.DLQ)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd)
}
