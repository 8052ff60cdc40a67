// gitops-gate is an RBAC policy evaluation and audit correlation
// service for GitOps CD controllers.
package main

import "github.com/gitops-gate/gitopsgate/cmd/gitops-gate/cmd"

func main() {
	cmd.Execute()
}
