package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/chunk"
)

// Office MIME types.
const (
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimePPTX = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// LoadDocument reads a file into ordered loader blocks, dispatching on
// content type with an extension fallback.
func LoadDocument(path, contentType string) ([]chunk.Block, error) {
	ct := contentType
	if ct == "" || ct == "application/octet-stream" {
		ct = normalizeContentType("", path)
	}

	switch ct {
	case "text/plain":
		return loadText(path)
	case "text/html":
		return loadHTML(path)
	case mimePDF:
		return loadPDF(path)
	case mimeDOCX:
		return loadDOCX(path)
	case mimePPTX:
		return loadPPTX(path)
	case mimeXLSX:
		return loadXLSX(path)
	default:
		return nil, fmt.Errorf("no loader for content type %q (%s)", ct, filepath.Base(path))
	}
}

// loadText emits one block per paragraph, where paragraphs are separated by
// blank lines.
func loadText(path string) ([]chunk.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read text file: %w", err)
	}

	normalized := strings.ReplaceAll(string(data), "\r\n", "\n")
	var blocks []chunk.Block
	for _, para := range strings.Split(normalized, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		blocks = append(blocks, chunk.Block{Text: para, BlockType: "paragraph"})
	}
	return blocks, nil
}

// loadHTML partitions a page into sections at h1-h3 boundaries. Script and
// style subtrees are dropped; the section path records the heading chain.
func loadHTML(path string) ([]chunk.Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open html file: %w", err)
	}
	defer f.Close()

	doc, err := html.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	w := &htmlWalker{}
	w.walk(doc)
	w.flush()
	return w.blocks, nil
}

type htmlWalker struct {
	blocks   []chunk.Block
	path     []string // heading chain, index = level-1
	heading  string
	level    int
	buf      strings.Builder
}

func (w *htmlWalker) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript":
			return
		case "h1", "h2", "h3":
			w.flush()
			w.level = int(n.Data[1] - '0')
			w.heading = strings.TrimSpace(textContent(n))
			if w.level-1 < len(w.path) {
				w.path = w.path[:w.level-1]
			}
			w.path = append(w.path, w.heading)
			return
		}
	}
	if n.Type == html.TextNode {
		if t := strings.TrimSpace(n.Data); t != "" {
			w.buf.WriteString(t)
			w.buf.WriteString("\n")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *htmlWalker) flush() {
	text := strings.TrimSpace(w.buf.String())
	w.buf.Reset()
	if text == "" {
		return
	}
	w.blocks = append(w.blocks, chunk.Block{
		Text:         text,
		BlockType:    "section",
		Heading:      w.heading,
		HeadingLevel: w.level,
		SectionPath:  strings.Join(w.path, "|"),
	})
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}
