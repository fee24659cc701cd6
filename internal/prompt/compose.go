package prompt

import (
	"fmt"
	"strings"
)

type Language string

const (
	Vietnamese Language = "Vietnamese"
	English    Language = "English"
)

func ParseLanguage(value string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "vi", "vn", "vietnamese", "tiếng việt":
		return Vietnamese, nil
	case "en", "english":
		return English, nil
	}
	return "", fmt.Errorf("unsupported language %q, use vi or en", value)
}

// Compose fills every placeholder of template with its trimmed value. Empty
// values leave the literal [name] marker in place so unfilled fields stay
// visible in the output.
func Compose(template string, values map[string]string, notes string, lang Language) string {
	out := template
	for _, name := range Placeholders(template) {
		v := strings.TrimSpace(values[name])
		if v == "" {
			continue
		}
		out = strings.ReplaceAll(out, marker(name), v)
	}

	var b strings.Builder
	b.Grow(len(out) + len(notes) + 32)
	b.WriteString(out)
	if n := strings.TrimSpace(notes); n != "" {
		b.WriteString("\nAdditional notes: " + n + "\n")
	}
	if lang == "" {
		lang = Vietnamese
	}
	b.WriteString("\nLanguage: " + string(lang) + ".\n")

	return strings.TrimSpace(b.String())
}

// ComposeFor validates values against the style's required fields before
// composing; it never returns a prompt built from an incomplete mapping.
func ComposeFor(s Style, values map[string]string, notes string, lang Language) (string, error) {
	if err := Validate(s, values); err != nil {
		return "", err
	}
	return Compose(Template(s), values, notes, lang), nil
}
