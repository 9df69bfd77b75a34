// Package security classifies incoming fields by name sensitivity and checks
// their values against SQL and script injection patterns.
//
// Checking every field with the exhaustive rule set caused two problems in
// an earlier iteration of this service: total throughput collapsed on large
// imports, and benign values were rejected (an ordinary text field ending in
// two hyphens was flagged as a SQL comment). The validator therefore runs a
// two-tier scheme: ordinary data fields get a short list of unambiguous
// patterns, and only fields whose names suggest they carry literal query or
// command text get the full list.
//
// The validator is stateless and side-effect-free, so it can be called
// concurrently from every import worker without locking.
package security

import (
	"regexp"
	"strings"
)

// Tier is the sensitivity classification of a field name.
type Tier int

const (
	// TierStandard covers ordinary data fields (name, price, description).
	TierStandard Tier = iota

	// TierCritical covers fields that can themselves contain executable
	// query text (query, sql, command, script, code).
	TierCritical
)

func (t Tier) String() string {
	if t == TierCritical {
		return "critical"
	}
	return "standard"
}

// Verdict is the outcome of checking one field value. A failed verdict
// names the offending field and the rule that fired, never the value
// itself, so audit logs cannot leak imported data.
type Verdict struct {
	OK    bool
	Field string
	Rule  string
}

// Rule is a named, compiled injection pattern.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// The rule lists are built once at process start and never mutated.
// standardRules target only unambiguous injection syntax: a statement
// terminator followed by a comment marker or a dangerous keyword sequence,
// plus obvious script markers. Values like "see note --" stay clean because
// nothing precedes the hyphens with a terminator.
var standardRules = []Rule{
	{"sql_comment_after_terminator", regexp.MustCompile(`;\s*--`)},
	{"union_select_after_terminator", regexp.MustCompile(`(?i);\s*union(\s+all)?\s+select\b`)},
	{"ddl_after_terminator", regexp.MustCompile(`(?i);\s*(drop|delete|truncate|alter)\s+(table|from)\b`)},
	{"script_tag", regexp.MustCompile(`(?i)<script`)},
	{"javascript_uri", regexp.MustCompile(`(?i)javascript:`)},
}

// criticalRules run in addition to the standard list on critical-tier
// fields. They cover embedded comment blocks, stacked statements, and
// dangerous function calls that would be false positives on ordinary data.
var criticalRules = []Rule{
	{"comment_block", regexp.MustCompile(`/\*.*\*/`)},
	{"stacked_statement", regexp.MustCompile(`(?i);\s*(select|insert|update|delete|create|drop|alter|grant)\b`)},
	{"update_set", regexp.MustCompile(`(?i)\bupdate\s+\w+\s+set\b`)},
	{"exec_call", regexp.MustCompile(`(?i)\bexec\s*\(`)},
	{"eval_call", regexp.MustCompile(`(?i)\beval\s*\(`)},
}

// rulesByTier maps each tier to its ordered rule list.
var rulesByTier = map[Tier][]Rule{
	TierStandard: standardRules,
	TierCritical: append(append([]Rule{}, standardRules...), criticalRules...),
}

// tableNameRe matches valid destination table identifiers.
var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultCriticalFields is the built-in set of field names that receive the
// exhaustive check.
var DefaultCriticalFields = []string{"query", "sql", "command", "script", "code"}

// DefaultMaxValueLength rejects absurdly long values before any pattern
// matching runs.
const DefaultMaxValueLength = 5000

// Validator checks field values against the tiered rule sets.
type Validator struct {
	critical map[string]struct{}
	maxLen   int
}

// New creates a Validator. criticalFields is the configuration-enumerated
// set of names treated as critical; nil selects DefaultCriticalFields.
// maxValueLength <= 0 selects DefaultMaxValueLength.
func New(criticalFields []string, maxValueLength int) *Validator {
	if criticalFields == nil {
		criticalFields = DefaultCriticalFields
	}
	if maxValueLength <= 0 {
		maxValueLength = DefaultMaxValueLength
	}

	critical := make(map[string]struct{}, len(criticalFields))
	for _, f := range criticalFields {
		critical[strings.ToLower(strings.TrimSpace(f))] = struct{}{}
	}

	return &Validator{critical: critical, maxLen: maxValueLength}
}

// Classify returns the sensitivity tier for a field name.
func (v *Validator) Classify(field string) Tier {
	if _, ok := v.critical[strings.ToLower(field)]; ok {
		return TierCritical
	}
	return TierStandard
}

// Check runs the cost-appropriate rule list for the field's tier against
// the value. Empty values always pass.
func (v *Validator) Check(field, value string) Verdict {
	if value == "" {
		return Verdict{OK: true, Field: field}
	}

	if len(value) > v.maxLen {
		return Verdict{Field: field, Rule: "value_too_long"}
	}

	for _, rule := range rulesByTier[v.Classify(field)] {
		if rule.Pattern.MatchString(value) {
			return Verdict{Field: field, Rule: rule.Name}
		}
	}

	return Verdict{OK: true, Field: field}
}

// ValidTableName reports whether name is acceptable as a destination table
// identifier. Anything that fails here is never interpolated into SQL.
func ValidTableName(name string) bool {
	if name == "" || len(name) > 100 {
		return false
	}
	return tableNameRe.MatchString(name)
}
