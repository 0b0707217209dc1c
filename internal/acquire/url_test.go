package acquire

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "HTTPS://Example.COM/Blog", "https://example.com/Blog"},
		{"drops default port", "http://example.com:80/a", "http://example.com/a"},
		{"drops fragment", "https://example.com/a#top", "https://example.com/a"},
		{"sorts query", "https://example.com/?b=2&a=1", "https://example.com/?a=1&b=2"},
		{"adds root path", "https://example.com", "https://example.com/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURLRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := NormalizeURL("ftp://example.com/file")
	require.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = NormalizeURL("https://")
	require.Error(t, err)
}

func TestResolveReference(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://example.com/blog/post")
	require.NoError(t, err)

	got, ok := ResolveReference(base, "../about")
	require.True(t, ok)
	require.Equal(t, "https://example.com/about", got)

	for _, href := range []string{"#section", "javascript:void(0)", "mailto:a@b.c", "tel:123", ""} {
		_, ok := ResolveReference(base, href)
		require.False(t, ok, href)
	}
}

func TestCountsDone(t *testing.T) {
	t.Parallel()

	require.False(t, Counts{}.Done())
	require.False(t, Counts{Total: 3, Completed: 1, Failed: 1}.Done())
	require.True(t, Counts{Total: 3, Completed: 2, Failed: 1}.Done())
}
