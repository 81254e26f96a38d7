package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
)

// ManifestEntry is one JSON Lines record in a job manifest. Path is the only
// required key and may be a glob relative to the manifest file.
type ManifestEntry struct {
	Path     string                 `json:"path"`
	DocID    string                 `json:"doc_id,omitempty"`
	Profile  string                 `json:"profile,omitempty"`
	Tags     []string               `json:"tags,omitempty"`
	Lang     string                 `json:"lang,omitempty"`
	Priority int                    `json:"priority,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ResolvedDoc is one concrete file after glob expansion.
type ResolvedDoc struct {
	DocID string
	Path  string
	Entry ManifestEntry
}

// WriteManifest writes entries as JSON Lines, atomically.
func WriteManifest(path string, entries []ManifestEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode manifest entry: %w", err)
		}
	}
	return writeFileAtomic(path, buf.Bytes())
}

// ReadManifest parses a JSON Lines manifest. Blank lines are skipped.
func ReadManifest(path string) ([]ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var entries []ManifestEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var e ManifestEntry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", line, err)
		}
		if e.Path == "" {
			return nil, fmt.Errorf("manifest line %d: path is required", line)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return entries, nil
}

// ExpandManifest resolves every entry to concrete files. Globbed entries get
// suffixed doc ids; paths that match nothing fail with the full offender
// list so one pass reports every problem.
func ExpandManifest(manifestPath string, entries []ManifestEntry) ([]ResolvedDoc, error) {
	base := filepath.Dir(manifestPath)

	var docs []ResolvedDoc
	var missing []string
	for _, e := range entries {
		p := e.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}

		if !isGlob(e.Path) {
			if _, err := os.Stat(p); err != nil {
				missing = append(missing, e.Path)
				continue
			}
			docs = append(docs, ResolvedDoc{DocID: docIDFor(e, p), Path: p, Entry: e})
			continue
		}

		matches, err := expandGlob(p)
		if err != nil {
			return nil, fmt.Errorf("bad glob %q: %w", e.Path, err)
		}
		if len(matches) == 0 {
			missing = append(missing, e.Path)
			continue
		}
		sort.Strings(matches)
		for i, m := range matches {
			docs = append(docs, ResolvedDoc{
				DocID: fmt.Sprintf("%s_%d", docIDFor(e, m), i+1),
				Path:  m,
				Entry: e,
			})
		}
	}

	if len(missing) > 0 {
		return nil, apperr.Newf(apperr.KindNotFound, "manifest paths matched no files: %s", strings.Join(missing, ", "))
	}
	return docs, nil
}

func isGlob(path string) bool {
	return strings.ContainsAny(path, "*?[")
}

// expandGlob expands a pattern like filepath.Glob, with `**` additionally
// spanning any number of directory levels, including none.
func expandGlob(pattern string) ([]string, error) {
	if !strings.Contains(pattern, "**") {
		return filepath.Glob(pattern)
	}

	segs := strings.Split(filepath.ToSlash(pattern), "/")

	// Walk from the longest static prefix.
	i := 0
	for ; i < len(segs); i++ {
		if strings.ContainsAny(segs[i], "*?[") {
			break
		}
	}
	root := strings.Join(segs[:i], "/")
	if root == "" {
		root = "."
	}
	rest := segs[i:]

	var matches []string
	err := filepath.WalkDir(filepath.FromSlash(root), func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(filepath.FromSlash(root), path)
		if err != nil {
			return nil
		}
		if matchSegments(rest, strings.Split(filepath.ToSlash(rel), "/")) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bad glob %q: %w", pattern, err)
	}
	return matches, nil
}

// matchSegments matches path segments against pattern segments, with `**`
// consuming zero or more of them.
func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		for skip := 0; skip <= len(segs); skip++ {
			if matchSegments(pat[1:], segs[skip:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if ok, err := filepath.Match(pat[0], segs[0]); err != nil || !ok {
		return false
	}
	return matchSegments(pat[1:], segs[1:])
}

var docIDClean = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// docIDFor derives a doc id: explicit doc_id wins, else the file base name
// with non-identifier characters folded to underscores.
func docIDFor(e ManifestEntry, path string) string {
	if e.DocID != "" {
		return e.DocID
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.Trim(docIDClean.ReplaceAllString(name, "_"), "_")
}
