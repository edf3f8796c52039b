package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead-letter list",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the newest dead-lettered deliveries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt64("limit")

		ctx, cancel := commandContext(cmd)
		defer cancel()

		q, closeQueue, err := openQueue(ctx, loadSettings())
		if err != nil {
			return err
		}
		defer closeQueue()

		entries, err := q.DeadLetters(ctx, limit)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), entries)
		}

		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "Dead-letter list is empty")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "DELIVERY\tEVENT\tATTEMPTS\tERROR\tAT")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", e.DeliveryID, e.EventName, e.Attempts, e.ErrorCode, e.At)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)

	dlqListCmd.Flags().Int64("limit", 50, "maximum number of entries")
}
