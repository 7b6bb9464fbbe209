// Package main provides the entry point for the mediasync CLI.
package main

import (
	"fmt"
	"os"

	"github.com/Aman-CERP/mediasync/cmd/mediasync/cmd"
	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, merrors.FormatForCLI(err))
		os.Exit(1)
	}
}
