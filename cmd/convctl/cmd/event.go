package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/conversion_hook/internal/events"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Emit domain events",
	Long:  `Publish domain events onto the topic the translator consumes.`,
}

var publishCmd = &cobra.Command{
	Use:   "publish [event-type] [payload-json]",
	Short: "Publish a domain event",
	Long: `Publish a lead.created, lead.qualified or contract.signed event.

Example:
  convctl event publish lead.created '{"lead_id":"lead_123"}' --company co_1
  convctl event publish contract.signed '{"contract_id":"ct_9","value":1500}' --company co_1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		companyID, _ := cmd.Flags().GetString("company")
		correlationID, _ := cmd.Flags().GetString("correlation-id")

		env, err := buildEnvelope(args[0], companyID, correlationID, args[1])
		if err != nil {
			return err
		}

		s := loadSettings()
		pub, err := events.NewPublisher(s.NsqdAddr, s.EventsTopic)
		if err != nil {
			return err
		}
		defer pub.Stop()

		ctx, cancel := commandContext(cmd)
		defer cancel()
		if err := pub.Publish(ctx, env); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}

		if outputJSON {
			return printJSON(cmd.OutOrStdout(), env)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published %s event %s to %s\n", env.Type, env.ID, s.EventsTopic)
		return nil
	},
}

// buildEnvelope checks the payload against its event type before wrapping it,
// so a typo is caught here rather than dropped by the translator.
func buildEnvelope(eventType, companyID, correlationID, payloadJSON string) (events.Envelope, error) {
	t := events.Type(eventType)
	if !t.Known() {
		return events.Envelope{}, fmt.Errorf("unknown event type %q (want one of %v)", eventType, events.Types)
	}
	if companyID == "" {
		return events.Envelope{}, errors.New("--company is required")
	}

	var payload any
	var missing bool
	switch t {
	case events.LeadCreated:
		var p events.LeadCreatedPayload
		if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
			return events.Envelope{}, fmt.Errorf("invalid payload JSON: %w", err)
		}
		payload, missing = p, p.LeadID == ""
	case events.LeadQualified:
		var p events.LeadQualifiedPayload
		if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
			return events.Envelope{}, fmt.Errorf("invalid payload JSON: %w", err)
		}
		payload, missing = p, p.LeadID == ""
	case events.ContractSigned:
		var p events.ContractSignedPayload
		if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
			return events.Envelope{}, fmt.Errorf("invalid payload JSON: %w", err)
		}
		payload, missing = p, p.ContractID == ""
	}
	if missing {
		return events.Envelope{}, fmt.Errorf("%s payload is missing its entity id", t)
	}

	env, err := events.NewEnvelope(t, companyID, correlationID, payload)
	if err != nil {
		return events.Envelope{}, err
	}
	return env, env.Validate()
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("company", "", "company that owns the entity (required)")
	publishCmd.Flags().String("correlation-id", "", "correlation id carried onto the delivery log")
}
