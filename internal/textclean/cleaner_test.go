package textclean

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean_NormalizesLineEndingsAndSpaces(t *testing.T) {
	in := "first   line\t\twith   gaps\r\nsecond line   \r\nthird line with enough letters"
	out := Clean(in, Options{})

	assert.NotContains(t, out, "\r")
	assert.Contains(t, out, "first line with gaps")
	// Trailing whitespace stripped per line
	assert.NotContains(t, out, "second line   \n")
}

func TestClean_RemovesInvisibleCharacters(t *testing.T) {
	in := "soft\u00adhyphen and zero\u200bwidth and non\u00a0breaking\u00a0space characters"
	out := Clean(in, Options{})

	assert.Contains(t, out, "softhyphen")
	assert.Contains(t, out, "zerowidth")
	assert.Contains(t, out, "non breaking space")
}

func TestClean_ReplacesLigatures(t *testing.T) {
	out := Clean("The ﬁber ﬂow diagram shows everything", Options{})

	assert.Contains(t, out, "fiber")
	assert.Contains(t, out, "flow")
}

func TestClean_Dehyphenation(t *testing.T) {
	out := Clean("The configu-\nration parameters are documented here", Options{})

	assert.Contains(t, out, "configuration")
	assert.NotContains(t, out, "configu-")
}

func TestClean_DehyphenationSparesCompoundTerms(t *testing.T) {
	// Uppercase continuation is a real compound, not a split word.
	out := Clean("Use the X-\nRay machine according to the instructions", Options{})

	assert.Contains(t, out, "X-\nRay")
}

func TestClean_PreserveTablesSkipsDehyphenation(t *testing.T) {
	in := "The configu-\nration parameters are documented here"
	out := Clean(in, Options{PreserveTables: true})

	assert.Contains(t, out, "configu-")
}

func TestClean_DropsNoiseBlocks(t *testing.T) {
	in := "A real paragraph with plenty of alphabetic content to keep.\n\n.... 123 ..\n\nAnother paragraph that also has enough letters to survive."
	out := Clean(in, Options{})

	assert.NotContains(t, out, ".... 123 ..")
	assert.Contains(t, out, "A real paragraph")
	assert.Contains(t, out, "Another paragraph")
}

func TestClean_KeepsHeadingLikeBlocks(t *testing.T) {
	in := "SAFETY\n\nA paragraph with plenty of alphabetic content to keep around."
	out := Clean(in, Options{})

	assert.Contains(t, out, "SAFETY")
}

func TestClean_HeaderFooterDedup(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("ACME Corp User Manual\n")
		b.WriteString("page body line number one with sufficient letters\n")
		b.WriteString("page body line number two with sufficient letters\n")
	}
	out := Clean(b.String(), Options{DedupHeadersFooters: true})

	assert.NotContains(t, out, "ACME Corp User Manual")
	assert.Contains(t, out, "page body line number one")
}

func TestClean_Deterministic(t *testing.T) {
	in := "Some   text\r\nwith configu-\nration and ﬁber content to normalise."
	assert.Equal(t, Clean(in, Options{}), Clean(in, Options{}))
}

func TestClean_EmptyInput(t *testing.T) {
	assert.Equal(t, "", Clean("", Options{}))
	assert.Equal(t, "", Clean("   \n\t  ", Options{}))
}
