package telegram

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataURL(t *testing.T) {
	mimeType, data, err := parseDataURL("data:image/png;base64,AAAA")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mimeType)
	assert.Equal(t, "AAAA", data)

	mimeType, data, err = parseDataURL("BBBB")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mimeType)
	assert.Equal(t, "BBBB", data)

	_, _, err = parseDataURL("data:image/png;base64")
	assert.Error(t, err)
	_, _, err = parseDataURL("  ")
	assert.Error(t, err)
}

func TestSplitByBytes(t *testing.T) {
	text := strings.Repeat("Đại Việt ", 10)
	parts := splitByBytes(text, 16)
	require.Greater(t, len(parts), 1)
	assert.Equal(t, text, strings.Join(parts, ""))
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 16)
	}

	assert.Equal(t, []string{"short"}, splitByBytes("short", 4096))
}

func TestTruncateByBytes(t *testing.T) {
	got := truncateByBytes("Lý Thường Kiệt", 5)
	assert.LessOrEqual(t, len(got), 5)
	assert.True(t, strings.HasPrefix("Lý Thường Kiệt", got))
}

func TestIgnoreNotModified(t *testing.T) {
	assert.NoError(t, ignoreNotModified(errors.New("Bad Request: message is not modified: specified new message content")))
	assert.Error(t, ignoreNotModified(errors.New("Bad Request: chat not found")))
	assert.NoError(t, ignoreNotModified(nil))
}
