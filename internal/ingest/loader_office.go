package ingest

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/chunk"
)

// Office documents are OPC zip containers; the loaders below pull the XML
// parts they need directly rather than depending on a full OOXML model.

func readZipPart(zr *zip.ReadCloser, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("part %s not found", name)
}

var headingStyleRe = regexp.MustCompile(`(?i)^heading\s*([1-9])$|^berschrift([1-9])$|^Heading([1-9])$`)

func headingLevelFromStyle(style string) int {
	m := headingStyleRe.FindStringSubmatch(strings.TrimSpace(style))
	if m == nil {
		return 0
	}
	for _, g := range m[1:] {
		if g != "" {
			n, _ := strconv.Atoi(g)
			return n
		}
	}
	return 0
}

// loadDOCX walks word/document.xml paragraph by paragraph. Heading styles
// become heading blocks, inline drawings become image blocks carrying the
// drawing's name and description.
func loadDOCX(path string) ([]chunk.Block, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	data, err := readZipPart(zr, "word/document.xml")
	if err != nil {
		return nil, fmt.Errorf("read docx body: %w", err)
	}

	dec := xml.NewDecoder(strings.NewReader(string(data)))

	var blocks []chunk.Block
	var para strings.Builder
	var style string
	var images []chunk.Block
	inParagraph := false

	flushParagraph := func() {
		text := strings.TrimSpace(para.String())
		para.Reset()
		if text != "" {
			b := chunk.Block{Text: text, BlockType: "paragraph"}
			if lvl := headingLevelFromStyle(style); lvl > 0 {
				b.BlockType = "heading"
				b.Heading = text
				b.HeadingLevel = lvl
			}
			blocks = append(blocks, b)
		}
		blocks = append(blocks, images...)
		images = nil
		style = ""
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse docx body: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inParagraph = true
			case "pStyle":
				for _, a := range t.Attr {
					if a.Name.Local == "val" {
						style = a.Value
					}
				}
			case "t":
				var text string
				if err := dec.DecodeElement(&text, &t); err == nil {
					para.WriteString(text)
				}
			case "docPr":
				img := chunk.Block{BlockType: "image"}
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "name":
						img.Filename = a.Value
					case "descr":
						img.Caption = a.Value
					}
				}
				images = append(images, img)
			}
		case xml.EndElement:
			if t.Name.Local == "p" && inParagraph {
				inParagraph = false
				flushParagraph()
			}
		}
	}
	flushParagraph()
	return blocks, nil
}

var slidePartRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// loadPPTX emits one block per slide with speaker notes appended.
func loadPPTX(path string) ([]chunk.Block, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open pptx: %w", err)
	}
	defer zr.Close()

	var slideNums []int
	for _, f := range zr.File {
		if m := slidePartRe.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slideNums = append(slideNums, n)
		}
	}
	sort.Ints(slideNums)

	var blocks []chunk.Block
	for _, n := range slideNums {
		data, err := readZipPart(zr, fmt.Sprintf("ppt/slides/slide%d.xml", n))
		if err != nil {
			continue
		}
		text := drawingMLText(data)

		if notes, err := readZipPart(zr, fmt.Sprintf("ppt/notesSlides/notesSlide%d.xml", n)); err == nil {
			if nt := drawingMLText(notes); nt != "" {
				text = strings.TrimSpace(text + "\n\nNotes: " + nt)
			}
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		blocks = append(blocks, chunk.Block{
			Text:        text,
			BlockType:   "slide",
			SlideNumber: n,
		})
	}
	return blocks, nil
}

// drawingMLText concatenates every <a:t> run in a DrawingML part.
func drawingMLText(data []byte) string {
	dec := xml.NewDecoder(strings.NewReader(string(data)))
	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if t, ok := tok.(xml.StartElement); ok && t.Name.Local == "t" {
			var text string
			if err := dec.DecodeElement(&text, &t); err == nil && strings.TrimSpace(text) != "" {
				b.WriteString(text)
				b.WriteString("\n")
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// loadXLSX emits one summary block per sheet: sheet name, row count and the
// header row. Cell-by-cell dumps are deliberately not produced.
func loadXLSX(path string) ([]chunk.Block, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer zr.Close()

	shared := sharedStrings(zr)
	names := sheetNames(zr)

	var blocks []chunk.Block
	for i, name := range names {
		data, err := readZipPart(zr, fmt.Sprintf("xl/worksheets/sheet%d.xml", i+1))
		if err != nil {
			continue
		}
		rows, header := sheetSummary(data, shared)

		text := fmt.Sprintf("Sheet %s: %d rows.", name, rows)
		if len(header) > 0 {
			text += " Columns: " + strings.Join(header, ", ") + "."
		}
		blocks = append(blocks, chunk.Block{
			Text:      text,
			BlockType: "sheet",
			SheetName: name,
		})
	}
	return blocks, nil
}

func sharedStrings(zr *zip.ReadCloser) []string {
	data, err := readZipPart(zr, "xl/sharedStrings.xml")
	if err != nil {
		return nil
	}
	dec := xml.NewDecoder(strings.NewReader(string(data)))
	var strs []string
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if t, ok := tok.(xml.StartElement); ok && t.Name.Local == "si" {
			var item struct {
				T []string `xml:"t"`
			}
			if err := dec.DecodeElement(&item, &t); err == nil {
				strs = append(strs, strings.Join(item.T, ""))
			}
		}
	}
	return strs
}

func sheetNames(zr *zip.ReadCloser) []string {
	data, err := readZipPart(zr, "xl/workbook.xml")
	if err != nil {
		return nil
	}
	dec := xml.NewDecoder(strings.NewReader(string(data)))
	var names []string
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if t, ok := tok.(xml.StartElement); ok && t.Name.Local == "sheet" {
			for _, a := range t.Attr {
				if a.Name.Local == "name" {
					names = append(names, a.Value)
				}
			}
		}
	}
	return names
}

// sheetSummary counts rows and resolves the first row's cell values.
func sheetSummary(data []byte, shared []string) (rows int, header []string) {
	dec := xml.NewDecoder(strings.NewReader(string(data)))
	firstRow := true
	inFirstRow := false
	cellIsShared := false

	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "row":
				rows++
				if firstRow {
					inFirstRow = true
					firstRow = false
				}
			case "c":
				cellIsShared = false
				for _, a := range t.Attr {
					if a.Name.Local == "t" && a.Value == "s" {
						cellIsShared = true
					}
				}
			case "v":
				if !inFirstRow {
					continue
				}
				var v string
				if err := dec.DecodeElement(&v, &t); err != nil {
					continue
				}
				if cellIsShared {
					if idx, err := strconv.Atoi(v); err == nil && idx >= 0 && idx < len(shared) {
						v = shared[idx]
					}
				}
				header = append(header, v)
			}
		case xml.EndElement:
			if t.Name.Local == "row" {
				inFirstRow = false
			}
		}
	}
	return rows, header
}
