package filter

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/abelbrown/happyfeed/internal/store"
)

// Policy is an immutable snapshot of the blocklist with its keyword matchers
// compiled once. Safe for concurrent use; never mutated after NewPolicy.
type Policy struct {
	groups   map[string]struct{}
	keywords []keywordMatcher
}

type keywordMatcher struct {
	keyword string
	re      *regexp.Regexp
}

// Rule identifies which part of the policy blocked an item.
type Rule string

const (
	RuleNone    Rule = ""
	RuleGroup   Rule = "group"
	RuleKeyword Rule = "keyword"
)

// Verdict is the outcome of evaluating one item.
type Verdict struct {
	Blocked bool
	Rule    Rule
	Match   string // the group or keyword that matched
}

// NewPolicy builds a snapshot from raw groups and keywords. Entries are
// trimmed and lower-cased; blanks and duplicates are dropped. Keywords are
// treated as literal text, never as patterns.
func NewPolicy(groups, keywords []string) *Policy {
	p := &Policy{groups: make(map[string]struct{}, len(groups))}
	for _, g := range groups {
		g = normalizeEntry(g)
		if g != "" {
			p.groups[g] = struct{}{}
		}
	}

	seen := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		kw = normalizeEntry(kw)
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		p.keywords = append(p.keywords, keywordMatcher{
			keyword: kw,
			re:      keywordPattern(kw),
		})
	}
	return p
}

// keywordPattern matches kw as a whole word. \b only sits between ASCII word
// and non-word characters, so an edge of kw that is not a word character is
// anchored on a non-word character or the text boundary instead.
func keywordPattern(kw string) *regexp.Regexp {
	left, right := `\b`, `\b`
	if !isWordByte(kw[0]) {
		left = `(?:^|\W)`
	}
	if !isWordByte(kw[len(kw)-1]) {
		right = `(?:\W|$)`
	}
	return regexp.MustCompile(`(?i)` + left + regexp.QuoteMeta(kw) + right)
}

func isWordByte(b byte) bool {
	return b == '_' || '0' <= b && b <= '9' || 'a' <= b && b <= 'z' || 'A' <= b && b <= 'Z'
}

// Groups returns the blocked groups in no particular order.
func (p *Policy) Groups() []string {
	out := make([]string, 0, len(p.groups))
	for g := range p.groups {
		out = append(out, g)
	}
	return out
}

// Keywords returns the blocked keywords in insertion order.
func (p *Policy) Keywords() []string {
	out := make([]string, len(p.keywords))
	for i, m := range p.keywords {
		out[i] = m.keyword
	}
	return out
}

// Empty reports whether the policy blocks nothing.
func (p *Policy) Empty() bool {
	return p == nil || (len(p.groups) == 0 && len(p.keywords) == 0)
}

// Evaluate checks the source group first, then every keyword against title
// and body. Keywords match whole words only, case-insensitively.
func (p *Policy) Evaluate(item store.Item) Verdict {
	if p == nil {
		return Verdict{}
	}
	if group := normalizeEntry(item.SourceGroup); group != "" {
		if _, ok := p.groups[group]; ok {
			return Verdict{Blocked: true, Rule: RuleGroup, Match: group}
		}
	}
	if len(p.keywords) == 0 {
		return Verdict{}
	}

	title := normalizeText(item.Title)
	body := normalizeText(item.BodyText)
	for _, m := range p.keywords {
		if m.re.MatchString(title) || (body != "" && m.re.MatchString(body)) {
			return Verdict{Blocked: true, Rule: RuleKeyword, Match: m.keyword}
		}
	}
	return Verdict{}
}

// IsBlocked reports whether p blocks item.
func IsBlocked(item store.Item, p *Policy) bool {
	return p.Evaluate(item).Blocked
}

// HiddenFunc adapts p to the store's visibility callback.
func HiddenFunc(p *Policy) store.VisibilityFunc {
	return func(item store.Item) bool { return p.Evaluate(item).Blocked }
}

func normalizeEntry(s string) string {
	return strings.ToLower(normalizeText(strings.TrimSpace(s)))
}

// normalizeText folds compatibility forms (full-width letters, ligatures) so
// they cannot slip past a keyword.
func normalizeText(s string) string {
	if s == "" || norm.NFKC.IsNormalString(s) {
		return s
	}
	return norm.NFKC.String(s)
}
