package handlers

import (
	"fmt"
	"math"
	"strings"
)

type assignment struct {
	Field string
	Value string
}

// parseAssignments reads "field: value" or "field=value" pairs, one per line
// or separated by ";". Lines without a separator are skipped.
func parseAssignments(text string) []assignment {
	var out []assignment
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == ';' }) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.IndexAny(line, "=:")
		if idx <= 0 {
			continue
		}
		field := normalizeField(line[:idx])
		if field == "" {
			continue
		}
		out = append(out, assignment{Field: field, Value: strings.TrimSpace(line[idx+1:])})
	}
	return out
}

func normalizeField(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.Trim(name, "[]")
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return name
}

func progressBar(percent float64, width int) string {
	if width <= 0 {
		width = 10
	}
	filled := int(math.Round(percent / 100 * float64(width)))
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func formatETA(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	s := int(math.Round(seconds))
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	return fmt.Sprintf("%dm%02ds", s/60, s%60)
}

func truncateLine(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max])) + "…"
}
