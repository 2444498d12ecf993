// decisionctl checks and exercises rule and policy definition files
// without a running server.
//
// Usage:
//
//	# Validate every definition file in a directory
//	decisionctl validate ./definitions
//
//	# Evaluate the rule set against a record
//	decisionctl evaluate -d ./definitions --record txn.json
//
//	# Run one policy and print its trace
//	decisionctl run -d ./definitions --policy onboarding --record applicant.yaml
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
