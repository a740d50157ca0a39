package generator

import (
	"strings"

	"github.com/local/clank/internal/config"
)

// postProcess strips whitespace, collapses internal newlines, removes
// formatting markers unsupported by the egress channel, then truncates
// to the egress limit on the last word boundary below it — never
// appending an ellipsis (spec.md §4.C). An empty or whitespace-only
// result yields ok=false.
func postProcess(raw string) (text string, ok bool) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = stripFormattingMarkers(s)
	s = collapseSpaces(s)
	s = strings.TrimSpace(s)

	if s == "" {
		return "", false
	}

	if len(s) > config.EgressCharLimit {
		s = truncateAtWordBoundary(s, config.EgressCharLimit)
	}
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// stripFormattingMarkers removes markdown-style emphasis markers the
// chat egress channel does not render, without altering the enclosed
// text.
func stripFormattingMarkers(s string) string {
	replacer := strings.NewReplacer("**", "", "__", "", "*", "", "_", "", "`", "")
	return replacer.Replace(s)
}

func collapseSpaces(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// truncateAtWordBoundary cuts s to at most limit bytes, backing up to
// the last preceding whitespace so no word is split.
func truncateAtWordBoundary(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if s[limit] != ' ' {
		if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
			cut = cut[:idx]
		}
	}
	return strings.TrimSpace(cut)
}
