package prompt

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholders(t *testing.T) {
	t.Run("empty template yields no fields", func(t *testing.T) {
		assert.Empty(t, Placeholders(""))
	})

	t.Run("duplicates collapse in first-seen order", func(t *testing.T) {
		got := Placeholders("[a] and [b] then [a] again [c_1]")
		assert.Equal(t, []string{"a", "b", "c_1"}, got)
	})

	t.Run("ignores non identifier brackets", func(t *testing.T) {
		got := Placeholders("[ok] [not ok] [] [x-y] [Z9]")
		assert.Equal(t, []string{"ok", "Z9"}, got)
	})

	t.Run("set is invariant under reordering", func(t *testing.T) {
		a := Placeholders("[person] [dynasty] [time]")
		b := Placeholders("[time] [person] [dynasty] [person]")
		sort.Strings(a)
		sort.Strings(b)
		assert.Equal(t, a, b)
	})

	for _, opt := range Styles() {
		s := Style(opt.Key)
		t.Run("no duplicates in "+opt.Key, func(t *testing.T) {
			fields := Fields(s)
			seen := map[string]bool{}
			for _, f := range fields {
				assert.False(t, seen[f], "duplicate %s", f)
				seen[f] = true
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	require.NoError(t, CheckRegistry())

	for _, opt := range Styles() {
		s := Style(opt.Key)
		fields := map[string]bool{}
		for _, f := range Fields(s) {
			fields[f] = true
		}
		for _, r := range Required(s) {
			assert.True(t, fields[r], "style %s requires %s outside its template", s, r)
		}
	}

	assert.Equal(t, []string{"architecture", "dynasty", "time", "location", "artifact", "flora_fauna"}, Fields(StyleArchitecture))
	assert.Equal(t, "vd: Lý Thường Kiệt", Hint("person"))
	assert.Equal(t, "unknown_field", Hint("unknown_field"))
}

func TestParseStyle(t *testing.T) {
	s, err := ParseStyle(" Battle ")
	require.NoError(t, err)
	assert.Equal(t, StyleBattle, s)

	_, err = ParseStyle("landscape")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "portrait, battle, architecture")
}

func TestMissing(t *testing.T) {
	values := map[string]string{
		"person":  "Lý Thường Kiệt",
		"dynasty": "Lý",
		"time":    "thế kỷ XI",
		"costume": "áo giáp",
	}
	assert.Empty(t, Missing(StylePortrait, values))
	assert.NoError(t, Validate(StylePortrait, values))

	delete(values, "costume")
	assert.Equal(t, []string{"costume"}, Missing(StylePortrait, values))

	values["dynasty"] = "   "
	err := Validate(StylePortrait, values)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, []string{"dynasty", "costume"}, vErr.Missing)
	assert.Equal(t, "missing required fields: dynasty, costume", err.Error())

	assert.Equal(t, Required(StyleBattle), Missing(StyleBattle, nil))
}

func TestCompose(t *testing.T) {
	values := map[string]string{
		"architecture": "Khuê Văn Các",
		"dynasty":      "Nguyễn",
		"time":         "1805",
		"location":     "Thăng Long",
	}

	t.Run("end to end architecture prompt", func(t *testing.T) {
		out, err := ComposeFor(StyleArchitecture, values, "", Vietnamese)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "A detailed depiction of Khuê Văn Các from the Nguyễn dynasty (1805) in Thăng Long."))
		assert.True(t, strings.HasSuffix(out, "Language: Vietnamese."))
		assert.Contains(t, out, "[artifact]")
		assert.Contains(t, out, "[flora_fauna]")
	})

	t.Run("idempotent", func(t *testing.T) {
		a := Compose(Template(StyleArchitecture), values, "warm light", English)
		b := Compose(Template(StyleArchitecture), values, "warm light", English)
		assert.Equal(t, a, b)
		assert.Contains(t, a, "Additional notes: warm light")
		assert.True(t, strings.HasSuffix(a, "Language: English."))
	})

	t.Run("unresolved placeholder stays literal", func(t *testing.T) {
		partial := map[string]string{"person": "Trần Hưng Đạo", "dynasty": "  "}
		out := Compose(Template(StylePortrait), partial, "", Vietnamese)
		assert.Contains(t, out, "[dynasty]")
		assert.Contains(t, out, "Trần Hưng Đạo")
	})

	t.Run("whitespace notes are dropped", func(t *testing.T) {
		out := Compose("[a]", map[string]string{"a": " x "}, "   ", Vietnamese)
		assert.Equal(t, "x\nLanguage: Vietnamese.", out)
	})

	t.Run("missing fields never compose", func(t *testing.T) {
		_, err := ComposeFor(StylePortrait, map[string]string{"person": "Lý"}, "", Vietnamese)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, []string{"dynasty", "time", "costume"}, vErr.Missing)
	})
}

func TestParseLanguage(t *testing.T) {
	for in, want := range map[string]Language{"vi": Vietnamese, "": Vietnamese, "EN": English, "english": English} {
		got, err := ParseLanguage(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLanguage("fr")
	assert.Error(t, err)
}
