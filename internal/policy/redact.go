package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
)

// phonePattern and emailPattern are deliberately permissive: a false
// positive (redacting a non-PII numeric string) is cheap, a false
// negative (leaving a real phone number unredacted) is the failure mode
// this exists to prevent.
var (
	phonePattern = regexp.MustCompile(`\+?\d{1,2}?[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// RedactString rewrites every phone number and email address found in s
// with a stable, non-reversible placeholder (<phone:hash>, <email:hash>),
// and reports whether anything changed. The hash is derived from the
// matched substring only, the same truncated-sha256-hex idiom the Action
// Runner uses for declared-sensitive receipt fields.
func RedactString(s string) (string, bool) {
	changed := false
	out := emailPattern.ReplaceAllStringFunc(s, func(m string) string {
		changed = true
		return "<email:" + shortHash(m) + ">"
	})
	out = phonePattern.ReplaceAllStringFunc(out, func(m string) string {
		changed = true
		return "<phone:" + shortHash(m) + ">"
	})
	return out, changed
}

// RedactPII walks a JSON payload and applies RedactString to every string
// value found (object values, array elements, nested structures), then
// re-encodes it. It reports whether any rewrite occurred. Applied when the
// Policy Gate returns the redact_pii obligation (spec.md §3.1: "payloads
// for AMBER+ do not embed raw PII after the Policy Gate"; §4.C: RED/BLACK
// "mandatory redaction").
//
// A payload that is not a JSON object/array/string (or fails to parse) is
// returned unchanged — RedactPII only ever rewrites, never rejects.
func RedactPII(payload json.RawMessage) (json.RawMessage, bool) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return payload, false
	}
	changed := false
	redacted := redactValue(v, &changed)
	if !changed {
		return payload, false
	}
	out, err := json.Marshal(redacted)
	if err != nil {
		return payload, false
	}
	return out, true
}

func redactValue(v any, changed *bool) any {
	switch t := v.(type) {
	case string:
		out, did := RedactString(t)
		if did {
			*changed = true
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = redactValue(vv, changed)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = redactValue(vv, changed)
		}
		return out
	default:
		return v
	}
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

// HasObligation reports whether obligations contains ob.
func HasObligation(obligations []Obligation, ob Obligation) bool {
	for _, o := range obligations {
		if o == ob {
			return true
		}
	}
	return false
}
