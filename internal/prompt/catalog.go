package prompt

import (
	"fmt"
	"strings"
)

type Style string

const (
	StylePortrait     Style = "portrait"
	StyleBattle       Style = "battle"
	StyleArchitecture Style = "architecture"
)

type NamedOption struct {
	Key  string
	Name string
}

type styleSpec struct {
	Name     string
	Template string
	Required []string
}

var styleOrder = []Style{StylePortrait, StyleBattle, StyleArchitecture}

var styles = map[Style]styleSpec{
	StylePortrait: {
		Name: "Portrait",
		Template: "A historically accurate portrait of [person] from the [dynasty] dynasty ([time]).\n" +
			"Attire: [costume], accessories if any: [artifact]. Title(s): [title]. Organization: [organization]. " +
			"Setting hints: [architecture], [location], with symbolic flora/fauna: [flora_fauna].\n" +
			"Depict key traits: [concept].\n" +
			"Style: Vietnamese feudal history, museum-grade realism, mid-shot, natural lighting.\n" +
			"Avoid anachronisms. No modern objects.\n",
		Required: []string{"person", "dynasty", "time", "costume"},
	},
	StyleBattle: {
		Name: "Battle",
		Template: "A realistic, historically grounded battle scene of [event] ([time]) led by [person] ([title]) belonging to [organization].\n" +
			"Armor/garments: [costume]. Battlefield: [location], with weapons/artifacts: [artifact], environment includes [flora_fauna].\n" +
			"Main actions: [action].\n" +
			"Cinematic lighting, dynamic composition, Vietnamese feudal realism, no modern elements.\n",
		Required: []string{"event", "time", "person", "title", "organization", "costume", "location", "action"},
	},
	StyleArchitecture: {
		Name: "Architecture",
		Template: "A detailed depiction of [architecture] from the [dynasty] dynasty ([time]) in [location].\n" +
			"Include related artifacts: [artifact], cultural motifs, flora/fauna: [flora_fauna].\n" +
			"Emphasize proportions, materials, roof curvature, ornament patterns.\n" +
			"Style: Vietnamese feudal history, documentary realism, no modern objects.\n",
		Required: []string{"architecture", "dynasty", "time", "location"},
	},
}

var fieldHints = map[string]string{
	"person":       "vd: Lý Thường Kiệt",
	"dynasty":      "vd: Lý, Trần, Lê…",
	"time":         "vd: thế kỷ XI, năm 1075",
	"costume":      "vd: mũ binh, áo giáp vảy cá",
	"artifact":     "vd: kiếm, giáo, trống đồng",
	"title":        "vd: Thái úy, Hưng Đạo Vương",
	"organization": "vd: quân Đại Việt, triều đình Lý",
	"architecture": "vd: Khuê Văn Các, cổng thành",
	"location":     "vd: Thăng Long, sông Như Nguyệt",
	"flora_fauna":  "vd: tre, trúc, hạc, rồng",
	"concept":      "vd: dũng cảm, mưu lược, liêm chính",
	"event":        "vd: Trận Như Nguyệt",
	"action":       "vd: xung phong, bày trận mai phục",
}

func Styles() []NamedOption {
	out := make([]NamedOption, 0, len(styleOrder))
	for _, s := range styleOrder {
		out = append(out, NamedOption{Key: string(s), Name: styles[s].Name})
	}
	return out
}

func ParseStyle(value string) (Style, error) {
	key := Style(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := styles[key]; ok {
		return key, nil
	}

	supported := make([]string, 0, len(styleOrder))
	for _, s := range styleOrder {
		supported = append(supported, string(s))
	}
	return "", fmt.Errorf("unsupported style %q, supported styles are [%s]", value, strings.Join(supported, ", "))
}

func (s Style) Valid() bool {
	_, ok := styles[s]
	return ok
}

func (s Style) Name() string {
	if spec, ok := styles[s]; ok {
		return spec.Name
	}
	return string(s)
}

// Template returns the raw template for s, or "" for an unknown style.
func Template(s Style) string {
	return styles[s].Template
}

// Required returns a copy of the static required-field list for s.
func Required(s Style) []string {
	return append([]string(nil), styles[s].Required...)
}

// Fields is the placeholder set of the style's template.
func Fields(s Style) []string {
	return Placeholders(Template(s))
}

func IsRequired(s Style, field string) bool {
	for _, f := range styles[s].Required {
		if f == field {
			return true
		}
	}
	return false
}

func Hint(field string) string {
	if h, ok := fieldHints[field]; ok {
		return h
	}
	return field
}

// CheckRegistry fails when any style requires a field its template does not contain.
func CheckRegistry() error {
	for _, s := range styleOrder {
		fields := make(map[string]struct{})
		for _, f := range Fields(s) {
			fields[f] = struct{}{}
		}
		for _, r := range styles[s].Required {
			if _, ok := fields[r]; !ok {
				return fmt.Errorf("style %s: required field %q is not a template placeholder", s, r)
			}
		}
	}
	return nil
}
