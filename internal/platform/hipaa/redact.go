package hipaa

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed redaction_rules.yaml
var defaultRulesYAML []byte

// RedactionRule replaces every match of Pattern with Placeholder.
type RedactionRule struct {
	Name        string `yaml:"name"`
	Placeholder string `yaml:"placeholder"`
	Pattern     string `yaml:"pattern"`
}

type compiledRule struct {
	name        string
	placeholder string
	re          *regexp.Regexp
}

// Redactor strips identifier-shaped substrings from free text before it is
// written to the audit trail. It is heuristic: it will miss names and free
// addresses and will occasionally redact harmless numbers.
type Redactor struct {
	rules []compiledRule
}

// ParseRedactionRules decodes a YAML rule document.
func ParseRedactionRules(data []byte) ([]RedactionRule, error) {
	var doc struct {
		Rules []RedactionRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse redaction rules: %w", err)
	}
	return doc.Rules, nil
}

// NewRedactor compiles rules in the order given.
func NewRedactor(rules []RedactionRule) (*Redactor, error) {
	r := &Redactor{rules: make([]compiledRule, 0, len(rules))}
	for _, rule := range rules {
		if rule.Placeholder == "" {
			return nil, fmt.Errorf("redaction rule %q: placeholder is required", rule.Name)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redaction rule %q: %w", rule.Name, err)
		}
		r.rules = append(r.rules, compiledRule{name: rule.Name, placeholder: rule.Placeholder, re: re})
	}
	return r, nil
}

var defaultRedactor = mustDefaultRedactor()

func mustDefaultRedactor() *Redactor {
	rules, err := ParseRedactionRules(defaultRulesYAML)
	if err != nil {
		panic(err)
	}
	r, err := NewRedactor(rules)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultRedactor returns the redactor built from the embedded rules.
func DefaultRedactor() *Redactor {
	return defaultRedactor
}

// Redact applies the embedded rules to text.
func Redact(text string) string {
	return defaultRedactor.Redact(text)
}

func (r *Redactor) Redact(text string) string {
	for _, rule := range r.rules {
		text = rule.re.ReplaceAllLiteralString(text, rule.placeholder)
	}
	return text
}

// RedactValue walks decoded JSON (maps, slices, strings) and redacts every
// string leaf. Map keys are kept. Other scalar types pass through unchanged.
func (r *Redactor) RedactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return r.Redact(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = r.RedactValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = r.RedactValue(val)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = r.Redact(s)
		}
		return out
	default:
		return v
	}
}
