package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Fingerprint hashes the semantically relevant fields of a request.
//
// v is marshaled to JSON, every string is NFC normalized, and the result is
// canonicalized per RFC 8785 before SHA-256, so field order, whitespace and
// Unicode composition do not change the fingerprint.
func Fingerprint(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("idempotency: fingerprint marshal: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("idempotency: fingerprint decode: %w", err)
	}
	normalized, err := json.Marshal(normalize(generic))
	if err != nil {
		return "", fmt.Errorf("idempotency: fingerprint normalize: %w", err)
	}

	canonical, err := jcs.Transform(normalized)
	if err != nil {
		return "", fmt.Errorf("idempotency: fingerprint canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	}
	return v
}
