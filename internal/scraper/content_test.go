package scraper

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestExtractTextPrefersArticleAndDropsBoilerplate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("Substantive reporting on grid storage. ", 10)
	html := `<html><head><title> Storage report </title><style>p{}</style></head><body>
<header>Site header</header>
<nav><ul><li>Home</li></ul></nav>
<article><h2>Storage report</h2><p>` + long + `</p><ul><li>Point <b>one</b></li></ul></article>
<aside>Related links</aside>
<footer>Copyright</footer>
</body></html>`

	got, err := extractText([]byte(html), 0)
	require.NoError(t, err)
	require.Equal(t, "Storage report", got.Title)
	require.True(t, strings.HasPrefix(got.Text, "Storage report\n\nSubstantive reporting"))
	require.Contains(t, got.Text, "Point one")
	for _, noise := range []string{"Site header", "Home", "Related links", "Copyright", "p{}"} {
		require.NotContains(t, got.Text, noise)
	}
}

func TestExtractTextFallsBackToBody(t *testing.T) {
	t.Parallel()

	got, err := extractText([]byte(`<html><body><div>Loose   text
 without paragraphs</div></body></html>`), 0)
	require.NoError(t, err)
	require.Equal(t, "Loose text without paragraphs", got.Text)
	require.Empty(t, got.Title)
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	t.Parallel()

	s := "héllo wörld"
	for n := 1; n < len(s); n++ {
		out := truncate(s, n)
		require.LessOrEqual(t, len(out), n)
		require.True(t, utf8.ValidString(out))
	}
	require.Equal(t, s, truncate(s, 0))
}
