// Command alias-forwarder receives mail for alias addresses and forwards it
// to the alias owners.
package main

import (
	"errors"
	"os"

	"github.com/shineum/alias-forwarder/internal/forwarder"
)

// Exit codes follow sysexits.h so that an MTA pipe transport can tell a
// deferral from a bounce.
const (
	exitFailure  = 1
	exitDataErr  = 65
	exitTempFail = 75
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var ferr *forwarder.Error
	if !errors.As(err, &ferr) {
		return exitFailure
	}
	if ferr.Retryable {
		return exitTempFail
	}
	return exitDataErr
}
