package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/3leaps/benchstage/internal/cmd"
)

// Set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode recovers the code embedded by the command layer, defaulting to 1.
func exitCode(err error) int {
	msg := err.Error()
	i := strings.LastIndex(msg, "(exit code ")
	if i < 0 || !strings.HasSuffix(msg, ")") {
		return 1
	}
	code, convErr := strconv.Atoi(msg[i+len("(exit code ") : len(msg)-1])
	if convErr != nil || code <= 0 {
		return 1
	}
	return code
}
