// Package chunk partitions cleaned document text into ordered, embeddable
// chunks. Strategies are profile-driven: fixed character windows, whitespace
// token windows, or heading-structured sections for office formats.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Chunk types.
const (
	TypeText   = "text"
	TypeFigure = "figure"
)

// Block is one unit of loader output: a paragraph, heading, page, slide,
// sheet summary or inline image.
type Block struct {
	Text         string
	BlockType    string // paragraph, heading, table, image, page, slide, sheet
	Heading      string
	HeadingLevel int
	Page         int
	SlideNumber  int
	SheetName    string
	SectionPath  string

	// Image blocks only.
	ImagePath string // relative asset path
	Caption   string
	Filename  string
}

// Chunk is an ordered unit of indexed content. Non-applicable metadata
// fields stay zero-valued and are omitted from serialised metadata.
type Chunk struct {
	ChunkID   string
	DocID     string
	Text      string
	Source    string
	ChunkType string // text or figure
	HashNorm  string

	BlockType             string
	FigureID              string
	ImageRef              string
	ParentChunkID         string
	ParentChunkLocalIndex int
	SectionPath           string
	Page                  int
	SlideNumber           int
	SheetName             string

	Tags     []string
	Lang     string
	Priority int
}

// Params parameterises a chunking run. Strategy is one of char, tokens,
// structured or toc_section.
type Params struct {
	Strategy     string
	Size         int
	Overlap      int
	Separator    string
	MaxTokens    int
	OverlapRatio float64

	AdminHeadingRegex        []string
	StopExcludingAfterRegex  string
	InlineFigurePlaceholders bool
	FigureChunks             bool
}

// ChunkID formats the id for the Nth text chunk of a document. N is
// zero-padded so lexical order matches chunk order.
func ChunkID(docID string, n int) string {
	return fmt.Sprintf("%s_chunk_%04d", docID, n)
}

// FigureChunkID formats the id for a figure chunk.
func FigureChunkID(docID, figureID string) string {
	return fmt.Sprintf("%s_chunk_%s", docID, figureID)
}

// HashNorm computes the dedupe hash of a chunk text: SHA-256 of the
// whitespace-stripped, lowercased text.
func HashNorm(text string) string {
	norm := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// Document splits loader blocks into chunks per the given parameters.
// Returned chunks carry ids that are monotonic within the document.
func Document(docID, source string, blocks []Block, p Params) ([]Chunk, error) {
	switch p.Strategy {
	case "char", "tokens":
		return flatChunks(docID, source, blocks, p)
	case "structured", "toc_section":
		return structuredChunks(docID, source, blocks, p)
	default:
		return nil, fmt.Errorf("unknown chunker strategy %q", p.Strategy)
	}
}

// flatChunks joins all block text and applies a window splitter. Page and
// slide attribution is coarse: the first block's position is carried.
func flatChunks(docID, source string, blocks []Block, p Params) ([]Chunk, error) {
	var parts []string
	for _, b := range blocks {
		if b.BlockType == "image" {
			continue
		}
		if t := strings.TrimSpace(b.Text); t != "" {
			parts = append(parts, t)
		}
	}
	text := strings.Join(parts, "\n\n")

	var pieces []string
	switch p.Strategy {
	case "char":
		pieces = SplitChars(text, p.Size, p.Overlap, p.Separator)
	case "tokens":
		pieces = SplitTokens(text, p.MaxTokens, p.OverlapRatio)
	}

	chunks := make([]Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, Chunk{
			ChunkID:   ChunkID(docID, i),
			DocID:     docID,
			Text:      piece,
			Source:    source,
			ChunkType: TypeText,
		})
	}
	return chunks, nil
}
