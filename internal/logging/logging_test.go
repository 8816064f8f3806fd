package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"trace": "trace",
		"DEBUG": "debug",
		"Info":  "info",
		"warn":  "warn",
		"error": "error",
		"bogus": "info",
		"":      "info",
	}
	for in, want := range cases {
		require.Equal(t, want, ParseLevel(in).String(), "input %q", in)
	}
}

func TestTruncateShortStringUnchanged(t *testing.T) {
	s := "short and sweet"
	require.Equal(t, s, Truncate(s))
}

func TestTruncateLongStringKeepsHeadAndTail(t *testing.T) {
	long := strings.Repeat("a", headLen) + strings.Repeat("b", 10000) + strings.Repeat("c", tailLen)
	out := Truncate(long)
	require.True(t, strings.HasPrefix(out, strings.Repeat("a", headLen)))
	require.True(t, strings.HasSuffix(out, strings.Repeat("c", tailLen)))
	require.Contains(t, out, "truncated")
	require.Less(t, len(out), len(long))
}

func TestTruncateBytesDelegatesToTruncate(t *testing.T) {
	b := []byte(strings.Repeat("x", maxTruncatedLen+1))
	require.Equal(t, Truncate(string(b)), TruncateBytes(b))
}

func TestServerTag(t *testing.T) {
	require.Equal(t, "[clangd] ", ServerTag("clangd"))
}
