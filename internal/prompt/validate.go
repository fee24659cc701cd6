package prompt

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	Style   Style
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Missing, ", "))
}

// Missing lists required fields of s whose trimmed value is empty or absent,
// in declaration order.
func Missing(s Style, values map[string]string) []string {
	var out []string
	for _, f := range styles[s].Required {
		if strings.TrimSpace(values[f]) == "" {
			out = append(out, f)
		}
	}
	return out
}

func Validate(s Style, values map[string]string) error {
	if !s.Valid() {
		_, err := ParseStyle(string(s))
		return err
	}
	if miss := Missing(s, values); len(miss) > 0 {
		return &ValidationError{Style: s, Missing: miss}
	}
	return nil
}
