package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
	"github.com/gitops-gate/gitopsgate/internal/service"
)

var lintFlags struct {
	strict bool
	format string
}

// lintReport is the lint summary, printed as text or YAML.
type lintReport struct {
	Source       string   `yaml:"source"`
	Rules        int      `yaml:"rules"`
	Bindings     int      `yaml:"bindings"`
	Conditions   int      `yaml:"conditions"`
	UnboundRoles []string `yaml:"unbound_roles,omitempty"`
	Fingerprint  string   `yaml:"fingerprint"`
}

var lintCmd = &cobra.Command{
	Use:   "lint [policy-file]",
	Short: "Parse and compile a policy file, reporting problems",
	Long: `Parse and compile a policy file without serving it. Reports syntax
errors, conflicting rules, invalid glob patterns, invalid CEL
conditions, and bindings referencing unused roles.

Exits 0 when the policy compiles, 1 otherwise. Run it in CI on every
policy change.

Example:
  gitops-gate lint policy.csv
  gitops-gate lint --strict --format yaml policy.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runLint,
}

func init() {
	lintCmd.Flags().BoolVar(&lintFlags.strict, "strict", false, "fail on bindings referencing unused roles")
	lintCmd.Flags().StringVar(&lintFlags.format, "format", "text", "output format: text or yaml")
	rootCmd.AddCommand(lintCmd)
}

func runLint(cmd *cobra.Command, args []string) error {
	path := args[0]

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	parsed, err := rbac.ParsePolicy(path, f)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	compiler, err := service.NewPolicyCompiler(logger, service.WithStrictRoles(lintFlags.strict))
	if err != nil {
		return err
	}
	compiled, err := compiler.Compile(parsed)
	if err != nil {
		return err
	}

	conditions := 0
	for _, r := range parsed.Rules {
		if r.Condition != "" {
			conditions++
		}
	}

	report := lintReport{
		Source:       path,
		Rules:        len(parsed.Rules),
		Bindings:     len(parsed.Bindings),
		Conditions:   conditions,
		UnboundRoles: rbac.UnboundRoles(parsed),
		Fingerprint:  compiled.Fingerprint,
	}

	switch lintFlags.format {
	case "yaml":
		out, err := yaml.Marshal(report)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
	default:
		fmt.Printf("%s: ok\n", report.Source)
		fmt.Printf("  rules:        %d (%d conditional)\n", report.Rules, report.Conditions)
		fmt.Printf("  bindings:     %d\n", report.Bindings)
		fmt.Printf("  fingerprint:  %s\n", report.Fingerprint)
		for _, role := range report.UnboundRoles {
			fmt.Printf("  warning: binding references unused role %q\n", role)
		}
	}

	return nil
}
