package ingest

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/chunk"
)

// loadPDF emits one block per page.
func loadPDF(path string) ([]chunk.Block, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var blocks []chunk.Block
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Pages with broken content streams are skipped, not fatal.
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		blocks = append(blocks, chunk.Block{
			Text:      text,
			BlockType: "page",
			Page:      i,
		})
	}
	return blocks, nil
}
