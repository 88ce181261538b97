package sha256

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyKnownDigests(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":            "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"hello world": "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
	}
	for in, want := range cases {
		got := Key(in)
		assert.Equal(t, want, got, "Key(%q)", in)
		assert.True(t, IsKey(got))
	}
	assert.NotEqual(t, Key("https://example.com/a"), Key("https://example.com/b"))
}

func TestIsKey(t *testing.T) {
	t.Parallel()

	assert.False(t, IsKey(""))
	assert.False(t, IsKey(strings.Repeat("a", KeyLen-1)))
	assert.False(t, IsKey(strings.ToUpper(Key("x"))))
	assert.False(t, IsKey(strings.Repeat("g", KeyLen)))
	assert.True(t, IsKey(strings.Repeat("0", KeyLen)))
}
