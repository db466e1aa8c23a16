package sqlshape

import (
	"regexp"
)

// InjectionPattern represents a SQL injection detection pattern.
type InjectionPattern struct {
	// Name is a human-readable identifier for the pattern.
	Name string

	// Regex is the compiled regular expression.
	Regex *regexp.Regexp

	// Description explains what this pattern detects.
	Description string

	// Severity indicates the risk level (1-10).
	Severity int
}

// InjectionPatternSet holds a collection of injection patterns. Patterns
// are matched against the original query text, before comment stripping.
type InjectionPatternSet struct {
	patterns []*InjectionPattern
}

// NewInjectionPatternSet creates a pattern set with the default patterns.
func NewInjectionPatternSet() *InjectionPatternSet {
	return &InjectionPatternSet{patterns: defaultInjectionPatterns()}
}

// Patterns returns all patterns in the set.
func (ps *InjectionPatternSet) Patterns() []*InjectionPattern {
	return ps.patterns
}

// Match returns the first pattern matching the content, or nil.
func (ps *InjectionPatternSet) Match(content string) *InjectionPattern {
	for _, p := range ps.patterns {
		if p.Regex.MatchString(content) {
			return p
		}
	}
	return nil
}

// defaultInjectionPatterns returns the built-in injection patterns. They
// balance detection accuracy with scanning speed.
func defaultInjectionPatterns() []*InjectionPattern {
	return []*InjectionPattern{
		{
			Name:        "stacked_statement",
			Regex:       regexp.MustCompile(`(?i);\s*(DROP|DELETE|UPDATE|INSERT|EXEC)\b`),
			Description: "Detects a stacked mutating statement after a semicolon",
			Severity:    10,
		},
		{
			Name:        "trailing_comment",
			Regex:       regexp.MustCompile(`--\s*$`),
			Description: "Detects a trailing line comment used to truncate the statement",
			Severity:    8,
		},
		{
			Name:        "embedded_block_comment",
			Regex:       regexp.MustCompile(`(?s)/\*.*?\*/`),
			Description: "Detects an embedded block comment used to hide payloads",
			Severity:    7,
		},
		{
			Name:        "union_select",
			Regex:       regexp.MustCompile(`(?i)\bUNION\s+(ALL\s+)?SELECT\b`),
			Description: "Detects UNION SELECT used to extract data",
			Severity:    9,
		},
		{
			Name:        "or_true_numeric",
			Regex:       regexp.MustCompile(`(?i)\bOR\s+['"]?\d+['"]?\s*=\s*['"]?\d+['"]?`),
			Description: "Detects OR with always-true numeric comparison (OR 1=1)",
			Severity:    8,
		},
		{
			Name:        "or_true_string",
			Regex:       regexp.MustCompile(`(?i)\bOR\s+'[^']*'\s*=\s*'[^']*'`),
			Description: "Detects OR with always-true string comparison (OR 'a'='a')",
			Severity:    8,
		},
		{
			Name:        "sleep_function",
			Regex:       regexp.MustCompile(`(?i)\bSLEEP\s*\(`),
			Description: "Detects SLEEP for time-based blind injection",
			Severity:    9,
		},
		{
			Name:        "waitfor_delay",
			Regex:       regexp.MustCompile(`(?i)\bWAITFOR\s+DELAY\b`),
			Description: "Detects SQL Server WAITFOR DELAY for time-based blind injection",
			Severity:    9,
		},
		{
			Name:        "benchmark_function",
			Regex:       regexp.MustCompile(`(?i)\bBENCHMARK\s*\(`),
			Description: "Detects MySQL BENCHMARK for time-based injection",
			Severity:    9,
		},
	}
}

// DefaultTenantColumns are the column names treated as tenant filters.
// Comparison is case-insensitive and ignores underscores, so client_id and
// ClientID both match.
func DefaultTenantColumns() []string {
	return []string{"client_id", "clientid"}
}

// DefaultUploadPatterns are the name patterns identifying upload tables,
// the only permitted primary data-entry tables.
func DefaultUploadPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)^upload_table_`),
		regexp.MustCompile(`(?i)_upload$`),
		regexp.MustCompile(`(?i)^client_upload`),
		regexp.MustCompile(`(?i)^temp_upload`),
		regexp.MustCompile(`(?i)upload.*table`),
	}
}

// DefaultDangerousFunctions are server-side procedures that must never
// appear in a tenant query.
func DefaultDangerousFunctions() []string {
	return []string{
		"xp_cmdshell",
		"sp_configure",
		"sp_addlogin",
		"sp_droplogin",
		"xp_regread",
		"xp_regwrite",
	}
}
