package redact

import (
	"regexp"
	"sort"
	"strings"

	"github.com/user/skald"
)

// OversizedMask replaces strings beyond the scan cap without scanning them.
const OversizedMask = "[REDACTED_OVERSIZED_CONTENT]"

// FieldMask replaces values whose key matches the sensitive-name list.
const FieldMask = "[REDACTED]"

// DefaultMaxScanLen is the largest string the pattern layer will scan.
const DefaultMaxScanLen = 100 * 1024

// Rule is one value-pattern scanner. Patterns use bounded repetition only,
// so a hostile input cannot trigger catastrophic backtracking. MaskFunc,
// when set, derives the replacement from the match; Mask is the static
// fallback used when MaskFunc fails.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Mask     string
	MaskFunc func(match string) string
}

// DefaultRules covers the common secret and PII shapes.
var DefaultRules = []Rule{
	{
		Name:     "Email",
		Pattern:  regexp.MustCompile(`\b[A-Za-z0-9._%+-]{1,64}@[A-Za-z0-9.-]{1,255}\.[A-Za-z]{2,24}\b`),
		Mask:     "***@***.***",
		MaskFunc: MaskEmail,
	},
	{
		Name:    "SSN",
		Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		Mask:    "***-**-****",
	},
	{
		Name:    "Credit Card",
		Pattern: regexp.MustCompile(`\b(?:4[0-9]{3}[- ]?[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}|5[1-5][0-9]{2}[- ]?[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}|6(?:011|5[0-9]{2})[- ]?[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}|3[47][0-9]{2}[- ]?[0-9]{6}[- ]?[0-9]{5})\b`),
		Mask:    "****-****-****-****",
	},
	{
		Name:     "IPv4",
		Pattern:  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		Mask:     "***.***.***.***",
		MaskFunc: func(string) string { return "***.***.***.***" },
	},
	{
		Name:    "IPv6",
		Pattern: regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`),
		Mask:    "****:****:****:****:****:****:****:****",
	},
	{
		Name:    "Phone",
		Pattern: regexp.MustCompile(`\b\+?1?[-. ]?\(?[0-9]{3}\)?[-. ]?[0-9]{3}[-. ]?[0-9]{4}\b`),
		Mask:    "(***) ***-****",
	},
	{
		Name:    "JWT",
		Pattern: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{4,512}\.[A-Za-z0-9_-]{4,512}\.[A-Za-z0-9_-]{4,512}\b`),
		Mask:    "[JWT_REDACTED]",
	},
	{
		Name:    "AWS Access Key",
		Pattern: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		Mask:    "[AWS_KEY_REDACTED]",
	},
	{
		Name:    "API Key",
		Pattern: regexp.MustCompile(`\b(?:sk|pk|api|key|tok)[-_][A-Za-z0-9]{16,64}\b`),
		Mask:    "[API_KEY_REDACTED]",
	},
}

// DefaultFieldNames is the case-insensitive substring list for the
// field-name layer.
var DefaultFieldNames = []string{
	"password", "passwd", "secret", "token", "authorization",
	"apikey", "api_key", "credential", "private_key", "set-cookie",
}

// Engine applies the field-name layer, then the value-pattern layer, to
// every string leaf of a record. Engines are safe for concurrent use:
// compiled patterns carry no cross-input state.
type Engine struct {
	rules      []Rule
	fieldNames []string
	maxScanLen int
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules replaces the default pattern rules.
func WithRules(rules []Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

// WithFieldNames replaces the default sensitive field-name substrings.
func WithFieldNames(names []string) Option {
	return func(e *Engine) {
		e.fieldNames = make([]string, len(names))
		for i, n := range names {
			e.fieldNames[i] = strings.ToLower(n)
		}
	}
}

// WithMaxScanLen overrides the oversize cap.
func WithMaxScanLen(n int) Option {
	return func(e *Engine) { e.maxScanLen = n }
}

// NewEngine creates a redaction engine with the default rule set.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rules:      DefaultRules,
		fieldNames: DefaultFieldNames,
		maxScanLen: DefaultMaxScanLen,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Redact masks the record's message and fields in place and returns the
// number of detections. Implements skald.Redactor.
func (e *Engine) Redact(rec skald.Record) int {
	detections := 0
	if msg := rec.Message(); msg != "" {
		masked, n := e.MaskString(msg)
		if n > 0 {
			if setter, ok := rec.(interface{ SetMessage(string) }); ok {
				setter.SetMessage(masked)
			}
			detections += n
		}
	}
	detections += e.maskMap(rec.Fields())
	return detections
}

func (e *Engine) maskMap(data map[string]interface{}) int {
	detections := 0
	for k, v := range data {
		if e.sensitiveKey(k) {
			data[k] = FieldMask
			detections++
			continue
		}
		masked, n := e.maskValue(v)
		if n > 0 {
			data[k] = masked
			detections += n
		}
	}
	return detections
}

func (e *Engine) maskValue(v interface{}) (interface{}, int) {
	switch val := v.(type) {
	case string:
		return e.MaskString(val)
	case map[string]interface{}:
		return val, e.maskMap(val)
	case []interface{}:
		detections := 0
		for i, item := range val {
			masked, n := e.maskValue(item)
			if n > 0 {
				val[i] = masked
				detections += n
			}
		}
		return val, detections
	}
	return v, 0
}

func (e *Engine) sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, name := range e.fieldNames {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}

type match struct {
	start, end int
	rule       *Rule
}

// MaskString scans one string with every rule and returns the masked form
// and the detection count. Overlapping matches resolve first-match-wins:
// matches are applied in descending start order so earlier replacements
// never shift the indices of later ones.
func (e *Engine) MaskString(s string) (string, int) {
	if len(s) > e.maxScanLen {
		return OversizedMask, 1
	}

	var matches []match
	for i := range e.rules {
		rule := &e.rules[i]
		for _, loc := range rule.Pattern.FindAllStringIndex(s, -1) {
			matches = append(matches, match{start: loc[0], end: loc[1], rule: rule})
		}
	}
	if len(matches) == 0 {
		return s, 0
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].start != matches[j].start {
			return matches[i].start > matches[j].start
		}
		return matches[i].end > matches[j].end
	})

	out := s
	applied := 0
	lowestApplied := len(s) + 1
	for _, m := range matches {
		if m.end > lowestApplied {
			// Overlaps a replacement already applied to the right.
			continue
		}
		out = out[:m.start] + e.replacement(m.rule, s[m.start:m.end]) + out[m.end:]
		lowestApplied = m.start
		applied++
	}
	return out, applied
}

func (e *Engine) replacement(rule *Rule, matched string) (repl string) {
	if rule.MaskFunc == nil {
		return rule.Mask
	}
	defer func() {
		if recover() != nil {
			repl = rule.Mask
		}
	}()
	return rule.MaskFunc(matched)
}

// MaskEmail keeps the first character of the local part and of the first
// domain label: "bob@x.co" becomes "b***@x***.co". Malformed input falls
// back to the static email mask.
func MaskEmail(s string) string {
	parts := strings.Split(s, "@")
	if len(parts) != 2 {
		return "***@***.***"
	}
	local, domain := parts[0], parts[1]
	labels := strings.Split(domain, ".")
	if local == "" || len(labels) < 2 || labels[0] == "" {
		return "***@***.***"
	}
	maskedDomain := labels[0][:1] + "***." + strings.Join(labels[1:], ".")
	return local[:1] + "***@" + maskedDomain
}

// MaskPartial keeps the first and last two characters of longer values.
func MaskPartial(s string) string {
	if len(s) > 4 {
		return s[:2] + "****" + s[len(s)-2:]
	}
	return "****"
}
