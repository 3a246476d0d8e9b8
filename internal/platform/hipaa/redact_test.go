package hipaa

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact_RemovesIdentifiers(t *testing.T) {
	in := "Patient SSN 123456789, call 555-867-5309 or mail jane.doe@example.com"
	out := Redact(in)

	for _, original := range []string{"123456789", "555-867-5309", "jane.doe@example.com"} {
		assert.NotContains(t, out, original)
	}
	assert.Contains(t, out, "[ID]")
	assert.Contains(t, out, "[PHONE]")
	assert.Contains(t, out, "[EMAIL]")
}

func TestRedact_Patterns(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"delimited ssn", "ssn 123-45-6789 on file", "ssn [SSN] on file"},
		{"parenthesised phone", "call (555) 867-5309 today", "call [PHONE] today"},
		{"dotted phone", "fax 555.867.5309", "fax [PHONE]"},
		{"country code phone", "cell +1 555 867 5309", "cell [PHONE]"},
		{"ten digit run", "id 5558675309", "id [ID]"},
		{"mrn", "MRN: A12345 admitted", "[MRN] admitted"},
		{"dob", "DOB 04/12/1961, female", "[DOB], female"},
		{"email with digits", "reach bob99@clinic.org", "reach [EMAIL]"},
		{"short numbers kept", "BP 120/80, HR 72, 3 tabs", "BP 120/80, HR 72, 3 tabs"},
		{"eight digits kept", "lot 12345678", "lot 12345678"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.in))
		})
	}
}

func TestRedact_Idempotent(t *testing.T) {
	in := "SSN 123-45-6789 phone 555-867-5309 mail a@b.co id 987654321"
	once := Redact(in)
	assert.Equal(t, once, Redact(once))
}

func TestRedactValue_WalksJSON(t *testing.T) {
	in := map[string]interface{}{
		"note":  "call 555-867-5309",
		"count": float64(3),
		"tags":  []interface{}{"a@b.co", "ok"},
		"nested": map[string]interface{}{
			"ssn": "123-45-6789",
		},
	}

	out := DefaultRedactor().RedactValue(in).(map[string]interface{})

	assert.Equal(t, "call [PHONE]", out["note"])
	assert.Equal(t, float64(3), out["count"])
	assert.Equal(t, []interface{}{"[EMAIL]", "ok"}, out["tags"])
	assert.Equal(t, "[SSN]", out["nested"].(map[string]interface{})["ssn"])
	assert.Equal(t, "call 555-867-5309", in["note"], "input must not be mutated")
}

func TestNewRedactor_Errors(t *testing.T) {
	_, err := NewRedactor([]RedactionRule{{Name: "bad", Placeholder: "[X]", Pattern: "("}})
	require.Error(t, err)

	_, err = NewRedactor([]RedactionRule{{Name: "empty", Pattern: `\d+`}})
	require.Error(t, err)
}

func TestParseRedactionRules_Embedded(t *testing.T) {
	rules, err := ParseRedactionRules(defaultRulesYAML)
	require.NoError(t, err)
	require.NotEmpty(t, rules)
	for _, r := range rules {
		assert.False(t, strings.ContainsAny(r.Placeholder, "0123456789@"), "placeholder %q could be re-matched", r.Placeholder)
	}
}
