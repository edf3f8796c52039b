package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/conversion_hook/internal/delivery"
	"github.com/austindbirch/conversion_hook/internal/store"
)

var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect delivery logs",
	Long:  `Show and list delivery logs, and requeue deliveries that are still in flight.`,
}

var showCmd = &cobra.Command{
	Use:   "show [delivery-id]",
	Short: "Show one delivery log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		st, closeStore, err := openStore(ctx, loadSettings())
		if err != nil {
			return err
		}
		defer closeStore()

		l, err := st.GetLog(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get delivery %s: %w", args[0], err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), l)
		}
		printLog(cmd.OutOrStdout(), l)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent delivery logs",
	Long: `List delivery logs, newest first.

Example:
  convctl delivery list --company co_1 --status failed --limit 20`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		companyID, _ := cmd.Flags().GetString("company")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetUint64("limit")

		if status != "" && !delivery.Status(status).Valid() {
			return fmt.Errorf("invalid status %q", status)
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		st, closeStore, err := openStore(ctx, loadSettings())
		if err != nil {
			return err
		}
		defer closeStore()

		logs, err := st.ListLogs(ctx, store.LogFilter{
			CompanyID: companyID,
			Status:    delivery.Status(status),
			Limit:     limit,
		})
		if err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), logs)
		}
		printLogTable(cmd.OutOrStdout(), logs)
		return nil
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue [delivery-id]",
	Short: "Put a pending or retrying delivery back on the queue",
	Long: `Requeue moves a delivery to the pending queue, removing any scheduled
retry. Sent and failed deliveries are terminal and are refused.

Example:
  convctl delivery requeue 6f1c0e4a-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s := loadSettings()
		st, closeStore, err := openStore(ctx, s)
		if err != nil {
			return err
		}
		defer closeStore()
		q, closeQueue, err := openQueue(ctx, s)
		if err != nil {
			return err
		}
		defer closeQueue()

		l, err := requeueDelivery(ctx, st, q, args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{"id": l.ID, "status": l.Status, "requeued": true})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Requeued delivery %s (status %s, %d attempts)\n", l.ID, l.Status, l.Attempts)
		return nil
	},
}

type logGetter interface {
	GetLog(ctx context.Context, id string) (delivery.Log, error)
}

type requeuer interface {
	Requeue(ctx context.Context, id string) error
}

func requeueDelivery(ctx context.Context, logs logGetter, q requeuer, id string) (delivery.Log, error) {
	l, err := logs.GetLog(ctx, id)
	if err != nil {
		return delivery.Log{}, fmt.Errorf("failed to get delivery %s: %w", id, err)
	}
	if l.Status.Terminal() {
		return l, fmt.Errorf("delivery %s is %s and cannot be requeued", id, l.Status)
	}
	if err := q.Requeue(ctx, id); err != nil {
		return l, fmt.Errorf("failed to requeue delivery %s: %w", id, err)
	}
	return l, nil
}

func printLog(w io.Writer, l delivery.Log) {
	fmt.Fprintf(w, "Delivery %s\n", l.ID)
	fmt.Fprintf(w, "  Company:      %s\n", l.CompanyID)
	fmt.Fprintf(w, "  Destination:  %s\n", l.DestinationID)
	fmt.Fprintf(w, "  Event:        %s (from %s %s)\n", l.EventName, l.SourceEventType, l.SourceEntityID)
	fmt.Fprintf(w, "  Status:       %s\n", l.Status)
	fmt.Fprintf(w, "  Attempts:     %d\n", l.Attempts)
	if l.HTTPStatus > 0 {
		fmt.Fprintf(w, "  HTTP Status:  %d\n", l.HTTPStatus)
	}
	if l.ErrorCode != "" {
		fmt.Fprintf(w, "  Error:        %s: %s\n", l.ErrorCode, l.ErrorMessage)
	}
	if l.ProviderTraceID != "" {
		fmt.Fprintf(w, "  Trace ID:     %s\n", l.ProviderTraceID)
	}
	fmt.Fprintf(w, "  Event time:   %s\n", formatTime(&l.EventTime))
	if l.LastAttemptAt != nil {
		fmt.Fprintf(w, "  Last attempt: %s\n", formatTime(l.LastAttemptAt))
	}
	if l.NextRetryAt != nil {
		fmt.Fprintf(w, "  Next retry:   %s\n", formatTime(l.NextRetryAt))
	}
	if l.SentAt != nil {
		fmt.Fprintf(w, "  Sent:         %s\n", formatTime(l.SentAt))
	}
}

func printLogTable(w io.Writer, logs []delivery.Log) {
	if len(logs) == 0 {
		fmt.Fprintln(w, "No deliveries found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tSTATUS\tATTEMPTS\tHTTP\tCREATED")
	for _, l := range logs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", l.ID, l.EventName, l.Status, l.Attempts, l.HTTPStatus, formatTime(&l.CreatedAt))
	}
	_ = tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(showCmd, listCmd, requeueCmd)

	listCmd.Flags().String("company", "", "only deliveries of this company")
	listCmd.Flags().String("status", "", "only deliveries in this status (pending, retrying, sent, failed)")
	listCmd.Flags().Uint64("limit", 50, "maximum number of deliveries")
}
