package main

import (
	"errors"
	"fmt"
	"os"

	pkgmillerrors "github.com/pkgmill/pkgmill/pkg/errors"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		// Only setup problems produce a distinct exit code; package failures
		// already exited zero inside the run command.
		var setupErr *pkgmillerrors.SetupError
		if errors.As(err, &setupErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
