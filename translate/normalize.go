package translate

import (
	"regexp"
	"strings"
)

// Code-agent models terminate generated blocks with control markers the UI
// must never see. The marker table is fixed; normalization collapses a fence
// adjacent to a marker (either order, any interleaved whitespace) into a
// single closing fence and drops a bare trailing marker.
var endMarkers = []string{"<end_code>", "<end_plan>", "<end_action>"}

type markerRule struct {
	re   *regexp.Regexp
	repl string
}

var markerRules = buildMarkerRules()

func buildMarkerRules() []markerRule {
	rules := make([]markerRule, 0, 3*len(endMarkers))
	for _, m := range endMarkers {
		q := regexp.QuoteMeta(m)
		rules = append(rules,
			markerRule{regexp.MustCompile("```\\s*" + q), "```"},
			markerRule{regexp.MustCompile(q + "\\s*```"), "```"},
			markerRule{regexp.MustCompile(q + `\s*$`), ""},
		)
	}
	return rules
}

// NormalizeMarkers strips model control markers from display text. The
// transformation is deterministic and idempotent: applying it twice yields
// the same output, and text without markers passes through unchanged apart
// from surrounding whitespace trimming.
func NormalizeMarkers(text string) string {
	s := strings.TrimSpace(text)
	for _, r := range markerRules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return strings.TrimSpace(s)
}
