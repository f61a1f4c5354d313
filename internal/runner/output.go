package runner

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// thinkingPattern matches pseudo-XML reasoning artifacts some models leak
// into final answers.
var thinkingPattern = regexp.MustCompile(`(?s)<(thinking|thought|reasoning|scratchpad)>.*?</(thinking|thought|reasoning|scratchpad)>`)

var danglingTagPattern = regexp.MustCompile(`</?(thinking|thought|reasoning|scratchpad|final|answer|response)>`)

// cleanResponse strips reasoning artifacts from final assistant text.
func cleanResponse(text string) string {
	text = thinkingPattern.ReplaceAllString(text, "")
	text = danglingTagPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// trimOutput bounds a tool's output to max bytes, keeping the head and the
// tail with a marker in between. Whole output survives when it fits.
func trimOutput(output string, max int) string {
	if max <= 0 || len(output) <= max {
		return output
	}
	const marker = "\n... [output trimmed] ...\n"
	head := runeBoundaryBefore(output, max*2/3)
	tail := runeBoundaryBefore(output, len(output)-(max-head))
	if head >= len(output) {
		return output
	}
	return output[:head] + marker + output[tail:]
}

// runeBoundaryBefore backs i off to the nearest UTF-8 rune start so a slice
// at that index never splits a multi-byte rune.
func runeBoundaryBefore(s string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runSummary renders the terminal line recorded when a run ends with a
// final answer.
func runSummary(iterations int, elapsed time.Duration, inTokens, outTokens int64) string {
	return fmt.Sprintf("Completed in %d iteration(s), %s. Tokens: %d in, %d out.",
		iterations, elapsed.Round(time.Millisecond), inTokens, outTokens)
}
