package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadText_SplitsParagraphs(t *testing.T) {
	path := writeTempFile(t, "guide.txt",
		"First paragraph about setup.\r\n\r\nSecond paragraph\nspanning two lines.\n\n\n")

	blocks, err := LoadDocument(path, "text/plain")
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	assert.Equal(t, "First paragraph about setup.", blocks[0].Text)
	assert.Equal(t, "paragraph", blocks[0].BlockType)
	assert.Equal(t, "Second paragraph\nspanning two lines.", blocks[1].Text)
}

func TestLoadHTML_SectionsAtHeadings(t *testing.T) {
	path := writeTempFile(t, "manual.html", `<html><body>
<h1>Setup</h1>
<p>Connect the modem to the wall socket.</p>
<h2>Wifi</h2>
<p>Set the SSID in the admin panel.</p>
<script>var tracking = true;</script>
</body></html>`)

	blocks, err := LoadDocument(path, "text/html")
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	assert.Equal(t, "Setup", blocks[0].Heading)
	assert.Equal(t, 1, blocks[0].HeadingLevel)
	assert.Equal(t, "Setup", blocks[0].SectionPath)
	assert.Contains(t, blocks[0].Text, "Connect the modem")

	assert.Equal(t, "Wifi", blocks[1].Heading)
	assert.Equal(t, 2, blocks[1].HeadingLevel)
	assert.Equal(t, "Setup|Wifi", blocks[1].SectionPath)
	assert.Contains(t, blocks[1].Text, "Set the SSID")
	assert.NotContains(t, blocks[1].Text, "tracking")
}

func TestLoadHTML_TextBeforeFirstHeading(t *testing.T) {
	path := writeTempFile(t, "intro.html",
		`<html><body><p>Preamble text.</p><h1>Body</h1><p>Main text.</p></body></html>`)

	blocks, err := LoadDocument(path, "text/html")
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	assert.Empty(t, blocks[0].Heading)
	assert.Contains(t, blocks[0].Text, "Preamble text.")
	assert.Equal(t, "Body", blocks[1].Heading)
}

func TestLoadDocument_ExtensionFallback(t *testing.T) {
	path := writeTempFile(t, "notes.txt", "Plain content.")

	blocks, err := LoadDocument(path, "")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "Plain content.", blocks[0].Text)
}

func TestLoadDocument_UnknownTypeRejected(t *testing.T) {
	path := writeTempFile(t, "image.gif", "GIF89a")

	_, err := LoadDocument(path, "image/gif")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no loader")
}
