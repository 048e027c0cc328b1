// Package term detects whether the controlling terminal is interactive,
// for startup diagnostics.
package term

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether stdin is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
