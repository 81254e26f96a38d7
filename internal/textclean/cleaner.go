// Package textclean normalises extracted document text before chunking.
// Every transform is deterministic so re-ingesting the same bytes yields the
// same chunks and the same dedupe hashes.
package textclean

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Options controls optional cleaning steps.
type Options struct {
	// PreserveTables skips de-hyphenation so column layouts survive.
	PreserveTables bool
	// DedupHeadersFooters removes short lines repeated across pages.
	DedupHeadersFooters bool
}

var (
	zeroWidthReplacer = strings.NewReplacer(
		"\u200b", "", // zero-width space
		"\u200c", "", // zero-width non-joiner
		"\u200d", "", // zero-width joiner
		"\ufeff", "", // byte order mark
		"\u00a0", " ", // non-breaking space
		"\u00ad", "", // soft hyphen
	)

	ligatureReplacer = strings.NewReplacer(
		"\ufb01", "fi",
		"\ufb02", "fl",
	)

	spaceRunRe   = regexp.MustCompile(`[ \t]+`)
	dehyphenRe   = regexp.MustCompile(`([A-Za-z]{2,})-\n([a-z]{2,})`)
	blankBlockRe = regexp.MustCompile(`\n{2,}`)
)

// Clean applies the full normalisation sequence to raw extracted text.
func Clean(text string, opts Options) string {
	if text == "" {
		return ""
	}

	s := norm.NFC.String(text)
	s = zeroWidthReplacer.Replace(s)
	s = ligatureReplacer.Replace(s)
	s = normalizeLines(s)

	if opts.DedupHeadersFooters {
		s = dedupHeadersFooters(s)
	}

	if !opts.PreserveTables {
		s = dehyphenate(s)
	}

	s = dropNoiseBlocks(s)

	return strings.TrimSpace(s)
}

// normalizeLines converts line endings to \n, strips trailing whitespace per
// line and collapses runs of spaces and tabs. Newlines are never collapsed.
func normalizeLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, " \t")
		lines[i] = spaceRunRe.ReplaceAllString(line, " ")
	}
	return strings.Join(lines, "\n")
}

// dedupHeadersFooters removes short lines that repeat often enough to look
// like running page headers or footers. A line qualifies when it is at most
// 60 characters, occurs at least 3 times and accounts for more than 5% of
// all lines.
func dedupHeadersFooters(s string) string {
	lines := strings.Split(s, "\n")
	if len(lines) < 20 {
		return s
	}

	counts := make(map[string]int)
	for _, line := range lines {
		t := strings.TrimSpace(line)
		if t != "" && len(t) <= 60 {
			counts[t]++
		}
	}

	total := len(lines)
	repeated := make(map[string]bool)
	for line, n := range counts {
		if n >= 3 && float64(n) > 0.05*float64(total) {
			repeated[line] = true
		}
	}

	if len(repeated) == 0 {
		return s
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if repeated[strings.TrimSpace(line)] {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// dehyphenate joins words split across line breaks. Only lowercase
// continuations are joined so genuine compound terms like "X-ray\nMachine"
// survive. Repeats until stable because a join can expose a new split.
func dehyphenate(s string) string {
	for {
		next := dehyphenRe.ReplaceAllString(s, "$1$2\n")
		if next == s {
			return s
		}
		s = next
	}
}

// dropNoiseBlocks removes blocks with almost no alphabetic content, keeping
// heading-like lines (short, ALL CAPS or Title Case).
func dropNoiseBlocks(s string) string {
	blocks := blankBlockRe.Split(s, -1)
	kept := make([]string, 0, len(blocks))

	for _, block := range blocks {
		t := strings.TrimSpace(block)
		if t == "" {
			continue
		}
		if alphaCount(t) >= 10 || isHeadingLike(t) {
			kept = append(kept, block)
		}
	}
	return strings.Join(kept, "\n\n")
}

func alphaCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

// isHeadingLike reports whether a short block looks like a section heading:
// a single line of at most 60 characters in ALL CAPS or Title Case.
func isHeadingLike(s string) bool {
	if strings.Contains(s, "\n") || len(s) > 60 {
		return false
	}

	hasLetter := false
	allUpper := true
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if unicode.IsLower(r) {
				allUpper = false
			}
		}
	}
	if !hasLetter {
		return false
	}
	if allUpper {
		return true
	}

	// Title Case: every word starts with an uppercase letter or digit.
	for _, word := range strings.Fields(s) {
		r := []rune(word)[0]
		if unicode.IsLetter(r) && !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}
