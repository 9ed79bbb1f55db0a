// Command billingd runs the billing webhook ingress, the outbox worker and
// the operator commands around them.
package main

import (
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
