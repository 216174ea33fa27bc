// opsctl is the operator CLI for the control plane: submit actions,
// approve or deny pending requests, trigger rollbacks, and inspect
// records over the HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	timeout   time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "opsctl",
		Short:         "Operate the autonomous remediation control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("OPSCTL_SERVER", "http://localhost:8080"), "control plane base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newSubmitCmd(),
		newGetCmd(),
		newListCmd(),
		newApproveCmd(),
		newDenyCmd(),
		newRollbackCmd(),
		newCancelCmd(),
		newEventCmd(),
		newRecordsCmd(),
		newAuditCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newSubmitCmd() *cobra.Command {
	var (
		environment string
		riskHint    string
		params      []string
		affected    []string
		requestedBy string
	)
	cmd := &cobra.Command{
		Use:   "submit <action-type> <target-resource>",
		Short: "Submit a remediation action",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			parameters := make(map[string]any, len(params))
			for _, p := range params {
				key, value, found := strings.Cut(p, "=")
				if !found {
					return fmt.Errorf("parameter %q is not key=value", p)
				}
				parameters[key] = value
			}
			body := map[string]any{
				"type":            args[0],
				"target_resource": args[1],
				"environment":     environment,
				"requested_by":    requestedBy,
			}
			if riskHint != "" {
				body["risk_hint"] = riskHint
			}
			if len(parameters) > 0 {
				body["parameters"] = parameters
			}
			if len(affected) > 0 {
				body["affected_resources"] = affected
			}
			return call(http.MethodPost, "/api/v1/remediations", body)
		},
	}
	cmd.Flags().StringVarP(&environment, "env", "e", "development", "target environment (development|staging|production)")
	cmd.Flags().StringVar(&riskHint, "risk", "", "declared risk hint (low|medium|high|critical)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "action parameter, key=value (repeatable)")
	cmd.Flags().StringArrayVar(&affected, "affects", nil, "additional affected resource (repeatable)")
	cmd.Flags().StringVar(&requestedBy, "as", currentUser(), "requesting identity")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remediation-id>",
		Short: "Show one remediation record",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1/remediations/"+args[0], nil)
		},
	}
}

func newListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent remediation records",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, fmt.Sprintf("/api/v1/remediations?limit=%d", limit), nil)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to return")
	return cmd
}

func newApproveCmd() *cobra.Command {
	var approver string
	cmd := &cobra.Command{
		Use:   "approve <remediation-id>",
		Short: "Approve a pending remediation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodPost, "/api/v1/remediations/"+args[0]+"/approve",
				map[string]any{"approver": approver})
		},
	}
	cmd.Flags().StringVar(&approver, "as", currentUser(), "approver identity")
	return cmd
}

func newDenyCmd() *cobra.Command {
	var (
		approver string
		reason   string
	)
	cmd := &cobra.Command{
		Use:   "deny <remediation-id>",
		Short: "Deny a pending remediation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("a denial requires --reason")
			}
			return call(http.MethodPost, "/api/v1/remediations/"+args[0]+"/deny",
				map[string]any{"approver": approver, "reason": reason})
		},
	}
	cmd.Flags().StringVar(&approver, "as", currentUser(), "approver identity")
	cmd.Flags().StringVar(&reason, "reason", "", "why the action must not run")
	return cmd
}

func newRollbackCmd() *cobra.Command {
	var (
		reason      string
		requestedBy string
	)
	cmd := &cobra.Command{
		Use:   "rollback <remediation-id>",
		Short: "Restore the pre-execution snapshot of a completed remediation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("a rollback requires --reason")
			}
			return call(http.MethodPost, "/api/v1/remediations/"+args[0]+"/rollback",
				map[string]any{"reason": reason, "requested_by": requestedBy})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the change is being reversed")
	cmd.Flags().StringVar(&requestedBy, "as", currentUser(), "requesting identity")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <remediation-id>",
		Short: "Cancel a remediation that has not started executing",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodPost, "/api/v1/remediations/"+args[0]+"/cancel",
				map[string]any{"reason": reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "canceled by operator", "cancellation reason")
	return cmd
}

func newEventCmd() *cobra.Command {
	var (
		eventID string
		source  string
		payload string
		labels  []string
	)
	cmd := &cobra.Command{
		Use:   "event <type>",
		Short: "Inject a supervisor event (alert, remediation_request, scan_trigger, ...)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body := map[string]any{"type": args[0], "source": source}
			if eventID != "" {
				body["id"] = eventID
			}
			if payload != "" {
				var decoded map[string]any
				if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
					return fmt.Errorf("payload is not valid JSON: %w", err)
				}
				body["payload"] = decoded
			}
			if len(labels) > 0 {
				decoded := make(map[string]string, len(labels))
				for _, l := range labels {
					key, value, found := strings.Cut(l, "=")
					if !found {
						return fmt.Errorf("label %q is not key=value", l)
					}
					decoded[key] = value
				}
				body["labels"] = decoded
			}
			return call(http.MethodPost, "/api/v1/events", body)
		},
	}
	cmd.Flags().StringVar(&eventID, "id", "", "idempotency key (generated when empty)")
	cmd.Flags().StringVar(&source, "source", "opsctl", "event source")
	cmd.Flags().StringVar(&payload, "payload", "", "event payload as a JSON object")
	cmd.Flags().StringArrayVarP(&labels, "label", "l", nil, "event label, key=value (repeatable)")
	return cmd
}

func newRecordsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "records [id]",
		Short: "List or show supervisor records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 1 {
				return call(http.MethodGet, "/api/v1/supervisor/records/"+args[0], nil)
			}
			return call(http.MethodGet, fmt.Sprintf("/api/v1/supervisor/records?limit=%d", limit), nil)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to return")
	return cmd
}

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <record-id>",
		Short: "Show the audit trail for a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1/audit/"+args[0], nil)
		},
	}
}

// call performs one API request and pretty-prints the JSON response.
func call(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		pretty.Write(data)
	}
	fmt.Println(pretty.String())

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
