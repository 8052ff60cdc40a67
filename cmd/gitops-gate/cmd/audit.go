package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitops-gate/gitopsgate/internal/adapter/outbound/auditfile"
	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

var auditFlags struct {
	dir     string
	subject string
	outcome string
	since   string
	until   string
	limit   int
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query shipped audit records from a file sink directory",
	Long: `Read audit records shipped to a file sink directory and print the
matching ones as JSON Lines, oldest first.

This reads the shipped copies, which are best-effort; the in-process
log behind GET /v1/audit on a running server is the source of truth.

Example:
  gitops-gate audit --dir /var/log/gitops-gate \
    --subject eddie --outcome deny --since 2026-08-01T00:00:00Z`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditFlags.dir, "dir", "", "file sink directory (required)")
	auditCmd.Flags().StringVar(&auditFlags.subject, "subject", "", "filter by subject")
	auditCmd.Flags().StringVar(&auditFlags.outcome, "outcome", "", "filter by outcome: allow or deny")
	auditCmd.Flags().StringVar(&auditFlags.since, "since", "", "inclusive lower bound (RFC3339)")
	auditCmd.Flags().StringVar(&auditFlags.until, "until", "", "exclusive upper bound (RFC3339)")
	auditCmd.Flags().IntVar(&auditFlags.limit, "limit", 0, "maximum records to print (0 = all)")
	_ = auditCmd.MarkFlagRequired("dir")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	filter := audit.Filter{
		Subject: auditFlags.subject,
		Limit:   auditFlags.limit,
	}

	if auditFlags.outcome != "" {
		if auditFlags.outcome != string(rbac.OutcomeAllow) && auditFlags.outcome != string(rbac.OutcomeDeny) {
			return fmt.Errorf("outcome must be %q or %q", rbac.OutcomeAllow, rbac.OutcomeDeny)
		}
		filter.Outcome = rbac.Outcome(auditFlags.outcome)
	}

	var err error
	if auditFlags.since != "" {
		filter.Since, err = time.Parse(time.RFC3339, auditFlags.since)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
	}
	if auditFlags.until != "" {
		filter.Until, err = time.Parse(time.RFC3339, auditFlags.until)
		if err != nil {
			return fmt.Errorf("invalid --until: %w", err)
		}
	}

	records, err := auditfile.ReadRecords(auditFlags.dir, filter)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "%d records\n", len(records))
	return nil
}
