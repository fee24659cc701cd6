package prompt

import "regexp"

var placeholderRegex = regexp.MustCompile(`\[([A-Za-z0-9_]+)\]`)

// Placeholders returns the distinct placeholder names of template in
// first-occurrence order.
func Placeholders(template string) []string {
	matches := placeholderRegex.FindAllStringSubmatch(template, -1)
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func marker(name string) string {
	return "[" + name + "]"
}
