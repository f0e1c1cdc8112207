// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// Fatal reports err on stderr under the program name and exits. An
// error carrying an ExitCode method exits with that code and prints
// nothing, since its producer has already reported the failure.
// Everything else exits with code 1.
func Fatal(name string, err error) {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		os.Exit(coder.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
	os.Exit(1)
}
