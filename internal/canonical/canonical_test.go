package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host and scheme", "HTTPS://News.Example.COM/Story", "https://news.example.com/Story"},
		{"strips fragment", "https://example.com/a#comments", "https://example.com/a"},
		{"strips tracking params", "https://example.com/a?utm_source=x&id=7&fbclid=abc", "https://example.com/a?id=7"},
		{"sorts remaining params", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"trims trailing slash", "https://example.com/section/", "https://example.com/section"},
		{"keeps root slash", "https://example.com", "https://example.com/"},
		{"drops default port", "http://example.com:80/x", "http://example.com/x"},
		{"keeps custom port", "https://example.com:8443/x", "https://example.com:8443/x"},
		{"keeps encoded slash", "https://example.com/docs/a%2Fb/", "https://example.com/docs/a%2Fb"},
		{"keeps trailing encoded slash", "https://example.com/q/a%2F", "https://example.com/q/a%2F"},
		{"escapes unicode path", "https://example.com/caf%C3%A9", "https://example.com/caf%C3%A9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := URL(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestURLRejectsRelativeAndOtherSchemes(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"/relative/path", "mailto:desk@example.com", "ftp://example.com/file", ""} {
		_, err := URL(in)
		require.Error(t, err, in)
	}
}

func TestURLIsIdempotent(t *testing.T) {
	t.Parallel()

	once, err := URL("https://Example.com/a/?utm_medium=rss&z=1#top")
	require.NoError(t, err)
	twice, err := URL(once)
	require.NoError(t, err)
	require.Equal(t, once, twice)
}

func TestEncodedSlashIsDistinctKey(t *testing.T) {
	t.Parallel()

	encoded, err := URL("https://example.com/files/a%2Fb")
	require.NoError(t, err)
	plain, err := URL("https://example.com/files/a/b")
	require.NoError(t, err)
	require.NotEqual(t, encoded, plain)

	again, err := URL(encoded)
	require.NoError(t, err)
	require.Equal(t, encoded, again)
}

func TestHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Host("https://EXAMPLE.com:8443/x"))
	require.Equal(t, "", Host("::bad"))
}
