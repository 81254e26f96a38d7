// Package sanitize implements the pattern-driven PII sanitiser shared by the
// ingestion pipeline and any other text surface. A sanitizer runs in one of
// three modes: off (passthrough), shadow (detect and count only) or on
// (replace matched spans with placeholders).
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
)

// Modes.
const (
	ModeOff    = "off"
	ModeShadow = "shadow"
	ModeOn     = "on"
)

// Placeholder modes.
const (
	PlaceholderRedact    = "redact"
	PlaceholderPseudonym = "pseudonym"
)

const hashPrefixLen = 10

// Config holds sanitizer runtime settings.
type Config struct {
	Mode            string
	Profile         string
	ConfigDir       string
	PlaceholderMode string
	HashSalt        string
	AuditEnabled    bool
}

// Sanitizer applies a compiled pack to document text. Safe for concurrent
// use; pack loads are single-flighted so concurrent first calls compile the
// pack once.
type Sanitizer struct {
	cfg    Config
	logger *observability.Logger
	audit  *AuditWriter

	mu    sync.RWMutex
	packs map[string]*Pack
	sf    singleflight.Group
}

// New creates a Sanitizer. The audit writer may be nil when auditing is
// disabled.
func New(cfg Config, logger *observability.Logger, audit *AuditWriter) *Sanitizer {
	if cfg.Mode == "" {
		cfg.Mode = ModeOff
	}
	if cfg.PlaceholderMode == "" {
		cfg.PlaceholderMode = PlaceholderRedact
	}
	return &Sanitizer{
		cfg:    cfg,
		logger: logger.WithComponent("sanitizer"),
		audit:  audit,
		packs:  make(map[string]*Pack),
	}
}

// Mode returns the active mode.
func (s *Sanitizer) Mode() string {
	return s.cfg.Mode
}

// span is a half-open byte range to replace.
type span struct {
	start, end int
	label      string
}

// Sanitize processes one document's text. It returns the processed text and
// per-label match counters. In off mode the input is returned untouched; in
// shadow mode the input is returned but counters are real.
func (s *Sanitizer) Sanitize(text, docID string) (string, map[string]int, error) {
	counters := map[string]int{}
	if s.cfg.Mode == ModeOff || text == "" {
		return text, counters, nil
	}

	pack, err := s.pack(s.cfg.ConfigDir, s.cfg.Profile)
	if err != nil {
		return "", nil, err
	}

	spans := s.collect(pack, text, counters)

	out := text
	if s.cfg.Mode == ModeOn && len(spans) > 0 {
		out = s.replace(pack, text, spans)
	}

	if s.audit != nil && s.cfg.AuditEnabled && total(counters) > 0 {
		if err := s.audit.Write(docID, pack.Profile, s.cfg.Mode, counters); err != nil {
			// Audit failures degrade silently; sanitisation already happened.
			s.logger.Warn().Str("doc_id", docID).Err(err).Msg("sanitizer audit write failed")
		}
	}

	return out, counters, nil
}

// pack returns the compiled pack for (dir, profile), loading it at most once.
func (s *Sanitizer) pack(dir, profile string) (*Pack, error) {
	key := dir + "|" + profile

	s.mu.RLock()
	p, ok := s.packs[key]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		s.mu.RLock()
		p, ok := s.packs[key]
		s.mu.RUnlock()
		if ok {
			return p, nil
		}

		loaded, err := LoadPack(dir, profile)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.packs[key] = loaded
		s.mu.Unlock()

		s.logger.Info().Str("profile", profile).Int("rules", len(loaded.Rules)).Msg("sanitizer pack loaded")
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pack), nil
}

// collect finds all matching spans and fills counters. Matches failing a
// validator or present in the allowlist are discarded.
func (s *Sanitizer) collect(pack *Pack, text string, counters map[string]int) []span {
	var spans []span

	for _, rule := range pack.Rules {
		for _, re := range rule.Patterns {
			for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
				start, end := m[0], m[1]
				if rule.GroupName != "" {
					if idx := groupIndex(re, rule.GroupName); idx > 0 && 2*idx+1 < len(m) && m[2*idx] >= 0 {
						start, end = m[2*idx], m[2*idx+1]
					}
				} else if rule.Group > 0 && 2*rule.Group+1 < len(m) && m[2*rule.Group] >= 0 {
					start, end = m[2*rule.Group], m[2*rule.Group+1]
				}

				matched := text[start:end]
				if rule.Validator == "luhn" && !luhnOK(matched) {
					continue
				}
				if allowlisted(pack.Allowlist, matched) {
					continue
				}

				spans = append(spans, span{start: start, end: end, label: rule.Label})
				counters[rule.Label]++
			}
		}
	}
	return spans
}

// replace rewrites the text right-to-left so earlier span offsets stay
// valid. Overlapping spans keep the first (leftmost-starting) hit.
func (s *Sanitizer) replace(pack *Pack, text string, spans []span) string {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	// Drop spans overlapping an earlier one.
	kept := spans[:0]
	lastEnd := -1
	for _, sp := range spans {
		if sp.start < lastEnd {
			continue
		}
		kept = append(kept, sp)
		lastEnd = sp.end
	}

	out := text
	for i := len(kept) - 1; i >= 0; i-- {
		sp := kept[i]
		out = out[:sp.start] + s.placeholder(pack, sp.label, text[sp.start:sp.end]) + out[sp.end:]
	}
	return out
}

// placeholder renders the replacement for one match.
func (s *Sanitizer) placeholder(pack *Pack, label, match string) string {
	if s.cfg.PlaceholderMode == PlaceholderPseudonym {
		p := strings.ReplaceAll(pack.FormatPseudonym, "{TYPE}", label)
		return strings.ReplaceAll(p, "{HASH}", s.hashPrefix(match))
	}
	return strings.ReplaceAll(pack.Format, "{TYPE}", label)
}

// hashPrefix returns the stable pseudonym token for a match: the first 10
// hex characters of SHA-256(salt || match).
func (s *Sanitizer) hashPrefix(match string) string {
	sum := sha256.Sum256([]byte(s.cfg.HashSalt + match))
	return hex.EncodeToString(sum[:])[:hashPrefixLen]
}

// allowlisted reports whether the matched text equals an allowlist token.
// Substring hits must not suppress a genuine match.
func allowlisted(tokens []string, match string) bool {
	for _, tok := range tokens {
		if tok != "" && match == tok {
			return true
		}
	}
	return false
}

// luhnOK validates the digits of a match with the Luhn checksum. Non-digit
// separators are ignored; fewer than 2 digits fails.
func luhnOK(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 2 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func groupIndex(re *regexp.Regexp, name string) int {
	for i, n := range re.SubexpNames() {
		if n == name {
			return i
		}
	}
	return 0
}

func total(counters map[string]int) int {
	n := 0
	for _, v := range counters {
		n += v
	}
	return n
}
