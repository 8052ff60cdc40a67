// Package cmd provides the CLI commands for gitops-gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gitops-gate/gitopsgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gitops-gate",
	Short: "gitops-gate - RBAC policy evaluation and audit correlation",
	Long: `gitops-gate evaluates RBAC authorization requests for a GitOps CD
controller and keeps an append-only audit trail of every decision.

Policy is a plain text file of rules and role bindings under version
control; the gate compiles it, serves authorization checks over HTTP,
and reloads atomically on SIGHUP or via the reload endpoint.

Quick start:
  1. Write a policy file: policy.csv
  2. Create a config file: gitops-gate.yaml (policy.path: ./policy.csv)
  3. Run: gitops-gate start

Configuration:
  Config is loaded from gitops-gate.yaml in the current directory,
  $HOME/.gitops-gate/, or /etc/gitops-gate/.

  Environment variables can override config values with the GITOPS_GATE_ prefix.
  Example: GITOPS_GATE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the check API server
  check       Evaluate a single request against a policy file
  lint        Parse and compile a policy file, reporting problems
  audit       Query shipped audit records from a file sink directory
  hash-key    Hash an API key for use in config
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gitops-gate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
