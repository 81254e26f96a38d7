package sanitize

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// packFile mirrors the on-disk pack JSON.
type packFile struct {
	PII       map[string]ruleSpec `json:"pii"`
	Allowlist struct {
		Tokens []string `json:"tokens"`
	} `json:"allowlist"`
	Placeholder struct {
		Format          string `json:"format"`
		FormatPseudonym string `json:"format_pseudonym"`
	} `json:"placeholder"`
}

// ruleSpec is one label entry. Either pattern or patterns must be set.
type ruleSpec struct {
	Pattern    string      `json:"pattern"`
	Patterns   []string    `json:"patterns"`
	GroupValue interface{} `json:"group_value"`
	Validator  string      `json:"validator"`
	Enabled    *bool       `json:"enabled"`
}

// Rule is a compiled detection rule for one PII label.
type Rule struct {
	Label     string
	Patterns  []*regexp.Regexp
	Group     int    // submatch index when group_value is numeric, else 0
	GroupName string // named group when group_value is a string
	Validator string // "" or "luhn"
}

// Pack is a compiled sanitizer pack. Rules are ordered by label so a pack
// applies deterministically regardless of JSON map iteration order.
type Pack struct {
	Profile         string
	Rules           []Rule
	Allowlist       []string
	Format          string
	FormatPseudonym string
}

// LoadPack reads and compiles <configDir>/<profile>.patterns.json.
// Any invalid regex is fatal here, before the pack is ever used.
func LoadPack(configDir, profile string) (*Pack, error) {
	path := filepath.Join(configDir, profile+".patterns.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sanitizer pack %s: %w", path, err)
	}

	var pf packFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse sanitizer pack %s: %w", path, err)
	}

	pack := &Pack{
		Profile:         profile,
		Allowlist:       pf.Allowlist.Tokens,
		Format:          pf.Placeholder.Format,
		FormatPseudonym: pf.Placeholder.FormatPseudonym,
	}
	if pack.Format == "" {
		pack.Format = "[{TYPE}]"
	}
	if pack.FormatPseudonym == "" {
		pack.FormatPseudonym = "[{TYPE}:{HASH}]"
	}

	labels := make([]string, 0, len(pf.PII))
	for label := range pf.PII {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		spec := pf.PII[label]
		if spec.Enabled != nil && !*spec.Enabled {
			continue
		}

		exprs := spec.Patterns
		if spec.Pattern != "" {
			exprs = append([]string{spec.Pattern}, exprs...)
		}
		if len(exprs) == 0 {
			return nil, fmt.Errorf("sanitizer pack %s: label %s has no pattern", path, label)
		}

		rule := Rule{Label: label, Validator: spec.Validator}
		for _, expr := range exprs {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("sanitizer pack %s: label %s: invalid regex %q: %w", path, label, expr, err)
			}
			rule.Patterns = append(rule.Patterns, re)
		}

		switch gv := spec.GroupValue.(type) {
		case nil:
		case float64:
			rule.Group = int(gv)
		case string:
			if n, err := strconv.Atoi(gv); err == nil {
				rule.Group = n
			} else {
				rule.GroupName = gv
			}
		default:
			return nil, fmt.Errorf("sanitizer pack %s: label %s: unsupported group_value %v", path, label, gv)
		}

		if rule.Validator != "" && rule.Validator != "luhn" {
			return nil, fmt.Errorf("sanitizer pack %s: label %s: unknown validator %q", path, label, rule.Validator)
		}

		pack.Rules = append(pack.Rules, rule)
	}

	return pack, nil
}
