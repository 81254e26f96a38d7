package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

// structuredChunks partitions heading-annotated blocks into per-section
// chunks. Sections break on the deepest heading level present (level 3 when
// available, else level 2) within each level-1 procedure. Heading text,
// including any numeric prefix, is preserved verbatim.
func structuredChunks(docID, source string, blocks []Block, p Params) ([]Chunk, error) {
	adminRes := make([]*regexp.Regexp, 0, len(p.AdminHeadingRegex))
	for _, expr := range p.AdminHeadingRegex {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile admin_sections regex %q: %w", expr, err)
		}
		adminRes = append(adminRes, re)
	}
	var stopRe *regexp.Regexp
	if p.StopExcludingAfterRegex != "" {
		re, err := regexp.Compile(p.StopExcludingAfterRegex)
		if err != nil {
			return nil, fmt.Errorf("compile stop_excluding regex %q: %w", p.StopExcludingAfterRegex, err)
		}
		stopRe = re
	}

	sectionLevel := deepestHeadingLevel(blocks)

	b := &sectionBuilder{
		docID:  docID,
		source: source,
		params: p,
	}

	excludingEnabled := len(adminRes) > 0
	excluded := false

	for _, blk := range blocks {
		if blk.BlockType == "heading" {
			if stopRe != nil && stopRe.MatchString(blk.Heading) {
				excludingEnabled = false
			}

			switch {
			case blk.HeadingLevel == 1:
				b.flush(excluded)
				b.procedure = blk.Heading
				b.ancestors = nil
				b.section = ""
				excluded = false
			case blk.HeadingLevel < sectionLevel:
				b.flush(excluded)
				b.ancestors = trimAncestors(b.ancestors, blk.HeadingLevel)
				b.ancestors = append(b.ancestors, blk.Heading)
				b.section = ""
				excluded = false
			default:
				b.flush(excluded)
				b.section = blk.Heading
				excluded = excludingEnabled && matchesAny(adminRes, blk.Heading)
			}
			continue
		}

		if blk.BlockType == "image" {
			b.addImage(blk)
			continue
		}

		b.addText(blk)
	}
	b.flush(excluded)

	return b.chunks, nil
}

func deepestHeadingLevel(blocks []Block) int {
	level := 2
	for _, b := range blocks {
		if b.BlockType == "heading" && b.HeadingLevel == 3 {
			return 3
		}
	}
	return level
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// trimAncestors keeps ancestors above the given heading level. Level 2
// ancestors sit at index 0.
func trimAncestors(ancestors []string, level int) []string {
	keep := level - 2
	if keep < 0 {
		keep = 0
	}
	if keep > len(ancestors) {
		keep = len(ancestors)
	}
	return ancestors[:keep]
}

// pendingFigure records an inline image awaiting its parent chunk id.
type pendingFigure struct {
	block      Block
	localIndex int
}

// sectionBuilder accumulates the current section body and emits chunks.
type sectionBuilder struct {
	docID  string
	source string
	params Params

	procedure string
	ancestors []string
	section   string

	body      []string
	figures   []pendingFigure
	page      int
	nextChunk int
	nextFig   int

	chunks []Chunk
}

func (b *sectionBuilder) addText(blk Block) {
	if t := strings.TrimSpace(blk.Text); t != "" {
		b.body = append(b.body, t)
		if b.page == 0 && blk.Page > 0 {
			b.page = blk.Page
		}
	}
}

func (b *sectionBuilder) addImage(blk Block) {
	if !b.params.InlineFigurePlaceholders && !b.params.FigureChunks {
		return
	}
	b.nextFig++
	figureID := fmt.Sprintf("fig_%03d", b.nextFig)
	local := len(b.figures)

	if b.params.InlineFigurePlaceholders {
		b.body = append(b.body, fmt.Sprintf("[FIGURE:%s]", figureID))
	}
	if b.params.FigureChunks {
		blk.Filename = figureFilename(blk)
		b.figures = append(b.figures, pendingFigure{block: blk, localIndex: local})
	}
}

// flush emits the accumulated section as a text chunk plus any figure
// chunks backlinked to it. Excluded sections are discarded wholesale.
func (b *sectionBuilder) flush(excluded bool) {
	defer func() {
		b.body = nil
		b.figures = nil
		b.page = 0
	}()

	if excluded {
		return
	}
	text := strings.TrimSpace(strings.Join(b.body, "\n\n"))
	if text == "" && len(b.figures) == 0 {
		return
	}

	var header []string
	if b.procedure != "" {
		header = append(header, "Procedure: "+b.procedure)
	}
	if b.section != "" {
		header = append(header, "Section: "+b.section)
	}
	path := b.sectionPath()
	if path != "" {
		header = append(header, "Path: "+path)
	}

	full := text
	if len(header) > 0 {
		full = strings.Join(header, "\n") + "\n\n" + text
	}

	parentID := ChunkID(b.docID, b.nextChunk)
	b.chunks = append(b.chunks, Chunk{
		ChunkID:     parentID,
		DocID:       b.docID,
		Text:        full,
		Source:      b.source,
		ChunkType:   TypeText,
		BlockType:   "section",
		SectionPath: path,
		Page:        b.page,
	})
	b.nextChunk++

	figBase := b.nextFig - len(b.figures)
	for i, pf := range b.figures {
		figureID := fmt.Sprintf("fig_%03d", figBase+i+1)
		b.chunks = append(b.chunks, Chunk{
			ChunkID:               FigureChunkID(b.docID, figureID),
			DocID:                 b.docID,
			Text:                  figureText(figureID, pf.block),
			Source:                b.source,
			ChunkType:             TypeFigure,
			BlockType:             "image",
			FigureID:              figureID,
			ImageRef:              pf.block.ImagePath,
			ParentChunkID:         parentID,
			ParentChunkLocalIndex: pf.localIndex,
			SectionPath:           path,
		})
	}
}

func (b *sectionBuilder) sectionPath() string {
	var parts []string
	if b.procedure != "" {
		parts = append(parts, b.procedure)
	}
	parts = append(parts, b.ancestors...)
	if b.section != "" {
		parts = append(parts, b.section)
	}
	return strings.Join(parts, "|")
}

// figureText builds the deterministic description embedded for a figure.
// Never the image bytes: filename plus caption when present.
func figureText(figureID string, blk Block) string {
	name := figureFilename(blk)
	if strings.TrimSpace(blk.Caption) != "" {
		return fmt.Sprintf("Figure %s (%s): %s", figureID, name, strings.TrimSpace(blk.Caption))
	}
	return fmt.Sprintf("Figure %s (%s)", figureID, name)
}

func figureFilename(blk Block) string {
	if blk.Filename != "" {
		return blk.Filename
	}
	if blk.ImagePath != "" {
		if idx := strings.LastIndexByte(blk.ImagePath, '/'); idx >= 0 {
			return blk.ImagePath[idx+1:]
		}
		return blk.ImagePath
	}
	return "image"
}
