package auditlog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Genesis is the previous_hash of the first entry in every chain.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// ComputeHash derives an entry's hash from its predecessor's hash and its
// own fields. Changing anything here invalidates stored history and
// requires a rechain.
func ComputeHash(prev string, e *Entry) (string, error) {
	details, err := CanonicalJSON(detailFields(e))
	if err != nil {
		return "", fmt.Errorf("canonicalize entry %d: %w", e.ID, err)
	}

	var b strings.Builder
	b.WriteString(prev)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.ID, 10))
	b.WriteByte('|')
	b.WriteString(e.Action)
	b.WriteByte('|')
	b.WriteString(e.Target())
	b.WriteByte('|')
	b.Write(details)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.CreatedAt.Unix(), 10))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// Seal links e to prev and stamps its hash. ID and CreatedAt must be final.
func Seal(e *Entry, prev string) error {
	h, err := ComputeHash(prev, e)
	if err != nil {
		return err
	}
	e.PreviousHash = prev
	e.Hash = h
	return nil
}

// detailFields holds everything hashed besides id, action, target and time.
func detailFields(e *Entry) map[string]interface{} {
	accessed := e.DataAccessed
	if accessed == nil {
		accessed = []string{}
	}
	return map[string]interface{}{
		"conversation_id": uuidOrNil(e.ConversationID),
		"user_id":         e.UserID,
		"tenant_id":       e.TenantID,
		"patient_id":      uuidOrNil(e.PatientID),
		"redacted_input":  e.RedactedInput,
		"output_summary":  e.OutputSummary,
		"data_accessed":   accessed,
		"risk_tier":       string(e.RiskTier),
		"outcome":         e.Outcome,
	}
}

func uuidOrNil(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

// CanonicalJSON encodes v with object keys sorted at every depth and no
// HTML escaping, so equal values always produce equal bytes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Round-trip through generic values so struct field order and nested
	// maps all collapse to sorted map keys.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
