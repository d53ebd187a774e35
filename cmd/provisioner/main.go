package main

import (
	"fmt"
	"os"

	perrors "github.com/vibehost/provisioner/internal/errors"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates caller mistakes from conditions worth retrying
func exitCode(err error) int {
	pe, ok := perrors.AsProvisionError(err)
	if !ok {
		return 1
	}
	switch pe.Class() {
	case perrors.ClassClient:
		return 2
	case perrors.ClassRetryable:
		return 3
	default:
		return 1
	}
}
