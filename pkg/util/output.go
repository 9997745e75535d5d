// Package util holds helpers for the output of the commands the promoter
// runs.
package util

import (
	"fmt"
	"regexp"
	"strings"
)

// maxLogLines caps the command output appended to an error
const maxLogLines = 50

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// StripANSI removes the terminal escape sequences from command output
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// AppendLogToError adds the tail of a command output to err, without the
// escape sequences ansible colors its output with.
func AppendLogToError(err error, log string) error {
	log = strings.TrimSpace(StripANSI(log))
	if len(log) == 0 {
		return err
	}
	if lines := strings.Split(log, "\n"); len(lines) > maxLogLines {
		log = fmt.Sprintf("[%d lines omitted]\n%s", len(lines)-maxLogLines, strings.Join(lines[len(lines)-maxLogLines:], "\n"))
	}
	return fmt.Errorf("%w\n\n%s", err, log)
}
