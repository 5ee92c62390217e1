package engine

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/mmr-tortoise/dil/internal/model"
)

// hashFields returns the record fields covered by both hashes.
func hashFields(r model.AuditRecord) map[string]any {
	return map[string]any{
		"request_id":    r.RequestID,
		"user_id":       r.UserID,
		"amount":        r.Amount,
		"ai_risk_score": r.AIRiskScore,
		"decision":      string(r.Decision),
		"reason":        r.Reason,
		"timestamp":     r.Timestamp,
	}
}

// canonicalJSON encodes a flat object with sorted keys, ", " and ": "
// separators, floats in FormatNumber form and non-ASCII escaped as
// \uXXXX, which is what Python's json.dumps(sort_keys=True) produces.
// Existing ledgers written that way verify unchanged.
func canonicalJSON(fields map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteString(", ")
		}
		writeString(&buf, k)
		buf.WriteString(": ")
		switch v := fields[k].(type) {
		case string:
			writeString(&buf, v)
		case float64:
			buf.WriteString(model.FormatNumber(v))
		case nil:
			buf.WriteString("null")
		default:
			return nil, fmt.Errorf("canonical encoding: unsupported type %T for %q", v, k)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// writeString writes s as an ASCII-only JSON string.
func writeString(buf *bytes.Buffer, s string) {
	var quoted bytes.Buffer
	qenc := json.NewEncoder(&quoted)
	qenc.SetEscapeHTML(false)
	_ = qenc.Encode(s)
	out := bytes.TrimSuffix(quoted.Bytes(), []byte("\n"))

	for len(out) > 0 {
		r, size := utf8.DecodeRune(out)
		switch {
		case r < utf8.RuneSelf:
			buf.WriteByte(out[0])
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(buf, `\u%04x`, r)
		}
		out = out[size:]
	}
}

// RecordHash is the hex SHA-256 of the record's canonical encoding.
func RecordHash(r model.AuditRecord) (string, error) {
	payload, err := canonicalJSON(hashFields(r))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// GovernanceHash is the hex HMAC-SHA256 of the record's canonical
// encoding under secret.
func GovernanceHash(r model.AuditRecord, secret []byte) (string, error) {
	payload, err := canonicalJSON(hashFields(r))
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
