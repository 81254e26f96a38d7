package sanitize

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
)

func writePack(t *testing.T, dir, profile, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, profile+".patterns.json"), []byte(content), 0o644))
}

const basicPack = `{
  "pii": {
    "EMAIL": {"pattern": "[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\\.[a-zA-Z]{2,}"},
    "PHONE": {"pattern": "\\+?[0-9][0-9 -]{7,}[0-9]"}
  },
  "allowlist": {"tokens": ["support@example.com"]},
  "placeholder": {"format": "[{TYPE}]", "format_pseudonym": "[{TYPE}:{HASH}]"}
}`

func newTestSanitizer(t *testing.T, mode, placeholderMode, pack string) *Sanitizer {
	t.Helper()
	dir := t.TempDir()
	writePack(t, dir, "default", pack)
	return New(Config{
		Mode:            mode,
		Profile:         "default",
		ConfigDir:       dir,
		PlaceholderMode: placeholderMode,
		HashSalt:        "pepper",
	}, observability.DefaultLogger(), nil)
}

func TestSanitize_OffModePassthrough(t *testing.T) {
	s := newTestSanitizer(t, ModeOff, PlaceholderRedact, basicPack)

	text := "Contact john.doe@corp.com today"
	out, counters, err := s.Sanitize(text, "doc1")
	require.NoError(t, err)
	assert.Equal(t, text, out)
	assert.Empty(t, counters)
}

func TestSanitize_OnModeRedacts(t *testing.T) {
	s := newTestSanitizer(t, ModeOn, PlaceholderRedact, basicPack)

	out, counters, err := s.Sanitize("Contact john.doe@corp.com or call +49 170 1234567 now", "doc1")
	require.NoError(t, err)
	assert.Contains(t, out, "[EMAIL]")
	assert.Contains(t, out, "[PHONE]")
	assert.NotContains(t, out, "john.doe@corp.com")
	assert.Equal(t, 1, counters["EMAIL"])
	assert.Equal(t, 1, counters["PHONE"])
}

func TestSanitize_ShadowModeCountsButKeepsText(t *testing.T) {
	text := "Contact john.doe@corp.com today"

	shadow := newTestSanitizer(t, ModeShadow, PlaceholderRedact, basicPack)
	outShadow, countShadow, err := shadow.Sanitize(text, "doc1")
	require.NoError(t, err)
	assert.Equal(t, text, outShadow)

	on := newTestSanitizer(t, ModeOn, PlaceholderRedact, basicPack)
	_, countOn, err := on.Sanitize(text, "doc1")
	require.NoError(t, err)

	// Shadow counters must equal on counters for the same input.
	assert.Equal(t, countOn, countShadow)
	assert.Equal(t, 1, countShadow["EMAIL"])
}

func TestSanitize_RedactIsIdempotent(t *testing.T) {
	s := newTestSanitizer(t, ModeOn, PlaceholderRedact, basicPack)

	once, _, err := s.Sanitize("Mail a@b.co and c@d.org please", "doc1")
	require.NoError(t, err)
	twice, _, err := s.Sanitize(once, "doc1")
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestSanitize_PseudonymStableForSameSalt(t *testing.T) {
	s := newTestSanitizer(t, ModeOn, PlaceholderPseudonym, basicPack)

	out, _, err := s.Sanitize("a@b.co wrote to a@b.co", "doc1")
	require.NoError(t, err)

	// Same match, same salt, same placeholder.
	first := out[strings.Index(out, "[EMAIL:"):]
	token := first[:strings.Index(first, "]")+1]
	assert.Equal(t, 2, strings.Count(out, token))
	// 10 hex chars after the colon
	assert.Regexp(t, `^\[EMAIL:[0-9a-f]{10}\]$`, token)
}

func TestSanitize_AllowlistSkipsMatch(t *testing.T) {
	s := newTestSanitizer(t, ModeOn, PlaceholderRedact, basicPack)

	out, counters, err := s.Sanitize("Write to support@example.com instead", "doc1")
	require.NoError(t, err)
	assert.Contains(t, out, "support@example.com")
	assert.Zero(t, counters["EMAIL"])
}

func TestSanitize_AllowlistRequiresExactMatch(t *testing.T) {
	pack := `{
  "pii": {
    "EMAIL": {"pattern": "[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\\.[a-zA-Z]{2,}"}
  },
  "allowlist": {"tokens": ["example.com", "support@example.com"]},
  "placeholder": {"format": "[{TYPE}]"}
}`
	s := newTestSanitizer(t, ModeOn, PlaceholderRedact, pack)

	// A token that is merely a substring of the matched text must not
	// suppress the redaction.
	out, counters, err := s.Sanitize("Write to sales@example.com or support@example.com", "doc1")
	require.NoError(t, err)
	assert.NotContains(t, out, "sales@example.com")
	assert.Contains(t, out, "[EMAIL]")
	assert.Contains(t, out, "support@example.com")
	assert.Equal(t, 1, counters["EMAIL"])
}

const luhnPack = `{
  "pii": {
    "CARD": {"pattern": "[0-9][0-9 -]{11,}[0-9]", "validator": "luhn"}
  },
  "allowlist": {"tokens": []},
  "placeholder": {"format": "[{TYPE}]"}
}`

func TestSanitize_LuhnValidator(t *testing.T) {
	s := newTestSanitizer(t, ModeOn, PlaceholderRedact, luhnPack)

	// 4111 1111 1111 1111 passes Luhn; 4111 1111 1111 1112 does not.
	out, counters, err := s.Sanitize("valid 4111 1111 1111 1111 invalid 4111 1111 1111 1112", "doc1")
	require.NoError(t, err)
	assert.Equal(t, 1, counters["CARD"])
	assert.Contains(t, out, "[CARD]")
	assert.Contains(t, out, "4111 1111 1111 1112")
}

const groupPack = `{
  "pii": {
    "ID": {"pattern": "customer id: ([0-9]{6})", "group_value": 1}
  },
  "allowlist": {"tokens": []},
  "placeholder": {"format": "[{TYPE}]"}
}`

func TestSanitize_GroupValueReplacesOnlyGroup(t *testing.T) {
	s := newTestSanitizer(t, ModeOn, PlaceholderRedact, groupPack)

	out, counters, err := s.Sanitize("customer id: 123456 on file", "doc1")
	require.NoError(t, err)
	assert.Equal(t, "customer id: [ID] on file", out)
	assert.Equal(t, 1, counters["ID"])
}

func TestLoadPack_InvalidRegexIsFatal(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "broken", `{"pii": {"X": {"pattern": "(["}}}`)

	_, err := LoadPack(dir, "broken")
	assert.Error(t, err)
}

func TestLoadPack_MissingFileIsFatal(t *testing.T) {
	_, err := LoadPack(t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestLoadPack_DisabledRuleSkipped(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "p", `{"pii": {"A": {"pattern": "a+", "enabled": false}, "B": {"pattern": "b+"}}}`)

	pack, err := LoadPack(dir, "p")
	require.NoError(t, err)
	require.Len(t, pack.Rules, 1)
	assert.Equal(t, "B", pack.Rules[0].Label)
}

func TestAuditWriter_AppendsOneJSONLinePerDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "sanitizer.jsonl")
	w, err := NewAuditWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.Write("doc1", "default", "on", map[string]int{"EMAIL": 2}))
	require.NoError(t, w.Write("doc2", "default", "shadow", map[string]int{"PHONE": 1}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var rec AuditRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "doc1", rec.DocID)
	assert.Equal(t, 2, rec.Redactions["EMAIL"])
}

func TestSanitize_AuditOnlyWhenCountersNonZero(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "default", basicPack)
	auditPath := filepath.Join(dir, "audit.jsonl")
	audit, err := NewAuditWriter(auditPath)
	require.NoError(t, err)

	s := New(Config{
		Mode:         ModeShadow,
		Profile:      "default",
		ConfigDir:    dir,
		AuditEnabled: true,
	}, observability.DefaultLogger(), audit)

	_, _, err = s.Sanitize("nothing sensitive here", "doc1")
	require.NoError(t, err)
	_, statErr := os.Stat(auditPath)
	assert.True(t, os.IsNotExist(statErr))

	_, _, err = s.Sanitize("mail a@b.co", "doc2")
	require.NoError(t, err)
	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"doc_id":"doc2"`)
}
