package tools

import (
	"strings"
)

// diffStats compares two file bodies with a common prefix/suffix scan and
// returns added and deleted line counts. Good enough for the change
// ledger; this is not a minimal diff.
func diffStats(oldContent, newContent string) (added, deleted int) {
	oldNorm := normalizeLineEndings(oldContent)
	newNorm := normalizeLineEndings(newContent)
	if oldNorm == newNorm {
		return 0, 0
	}

	oldLines := splitLines(oldNorm)
	newLines := splitLines(newNorm)

	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for len(oldLines)-1-suffix >= prefix &&
		len(newLines)-1-suffix >= prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	deleted = len(oldLines) - suffix - prefix
	added = len(newLines) - suffix - prefix
	return added, deleted
}

func normalizeLineEndings(content string) string {
	return strings.ReplaceAll(strings.ReplaceAll(content, "\r\n", "\n"), "\r", "\n")
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}
