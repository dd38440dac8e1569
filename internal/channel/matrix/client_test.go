package matrix

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestSplitMessageShort(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitMessage("hello", 10))
	assert.Empty(t, splitMessage("", 10))
}

func TestSplitMessagePrefersBoundaries(t *testing.T) {
	para := strings.Repeat("a", 60) + "\n\n" + strings.Repeat("b", 60)
	chunks := splitMessage(para, 100)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 60), chunks[0])
	assert.Equal(t, strings.Repeat("b", 60), chunks[1])

	words := strings.Repeat("word ", 50)
	for _, c := range splitMessage(words, 32) {
		assert.LessOrEqual(t, len(c), 32)
		assert.False(t, strings.HasPrefix(c, " "))
		assert.True(t, strings.HasSuffix(c, "word"), c)
	}
}

func TestSplitMessageKeepsRunes(t *testing.T) {
	s := strings.Repeat("é", 100) // two bytes each, no spaces
	chunks := splitMessage(s, 33)
	var joined strings.Builder
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
		assert.LessOrEqual(t, len(c), 33)
		joined.WriteString(c)
	}
	assert.Equal(t, s, joined.String())
}

func TestIsAllowed(t *testing.T) {
	alice := id.UserID("@alice:example.com")
	assert.True(t, isAllowed(nil, alice))
	assert.True(t, isAllowed([]string{""}, alice))
	assert.True(t, isAllowed([]string{" @alice:example.com "}, alice))
	assert.False(t, isAllowed([]string{"@bob:example.com"}, alice))
}

func TestFullUserID(t *testing.T) {
	c := New(Config{UserID: "concierge", ServerName: "example.com", DataDir: t.TempDir()})
	assert.Equal(t, "@concierge:example.com", c.FullUserID())
	assert.Equal(t, "matrix", c.Name())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "héll...", truncate("héllo", 4))
}
