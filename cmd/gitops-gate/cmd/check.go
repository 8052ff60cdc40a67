package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gitops-gate/gitopsgate/internal/adapter/outbound/memory"
	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
	"github.com/gitops-gate/gitopsgate/internal/service"
)

var checkFlags struct {
	policy       string
	subject      string
	groups       []string
	action       string
	resourceType string
	resourceID   string
	strict       bool
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a single request against a policy file",
	Long: `Evaluate one authorization request against a policy file and print
the decision as JSON. Exits 0 on allow, 1 on deny, 2 on error.

Useful in CI to assert a policy change has the intended effect before
merging it.

Example:
  gitops-gate check --policy policy.csv \
    --subject eddie --group devs \
    --action sync --type applications --resource myapp/prod`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkFlags.policy, "policy", "", "policy file to evaluate against (required)")
	checkCmd.Flags().StringVar(&checkFlags.subject, "subject", "", "subject identity (required)")
	checkCmd.Flags().StringArrayVar(&checkFlags.groups, "group", nil, "group membership (repeatable)")
	checkCmd.Flags().StringVar(&checkFlags.action, "action", "", "requested action (required)")
	checkCmd.Flags().StringVar(&checkFlags.resourceType, "type", "", "resource type (required)")
	checkCmd.Flags().StringVar(&checkFlags.resourceID, "resource", "", "resource identifier (required)")
	checkCmd.Flags().BoolVar(&checkFlags.strict, "strict", false, "fail on bindings referencing unused roles")
	_ = checkCmd.MarkFlagRequired("policy")
	_ = checkCmd.MarkFlagRequired("subject")
	_ = checkCmd.MarkFlagRequired("action")
	_ = checkCmd.MarkFlagRequired("type")
	_ = checkCmd.MarkFlagRequired("resource")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	compiler, err := service.NewPolicyCompiler(logger, service.WithStrictRoles(checkFlags.strict))
	if err != nil {
		return exitCode(2, err)
	}
	store := service.NewPolicyStore(logger)
	loader := service.NewPolicyLoader(compiler, store, logger)

	if _, err := loader.LoadFile(checkFlags.policy); err != nil {
		return exitCode(2, err)
	}

	auditLog := memory.NewAuditLog(0)
	authorizer := service.NewAuthorizer(store, auditLog, compiler, logger)

	decision, err := authorizer.Evaluate(context.Background(), rbac.Request{
		Subject:      checkFlags.subject,
		Groups:       checkFlags.groups,
		Action:       checkFlags.action,
		ResourceType: checkFlags.resourceType,
		ResourceID:   checkFlags.resourceID,
	}, audit.Correlation{})
	if err != nil {
		return exitCode(2, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(decision); err != nil {
		return exitCode(2, err)
	}

	if !decision.Allowed() {
		os.Exit(1)
	}
	return nil
}

// exitCode prints the error and exits with the given code.
func exitCode(code int, err error) error {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(code)
	return nil
}
