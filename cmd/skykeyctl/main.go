package main

import (
	"os"

	"skykey/cmd/internal/ctl"
)

func main() {
	if err := ctl.NewRootCmd().Execute(); err != nil {
		// Cobra has already printed the error.
		os.Exit(1)
	}
}
