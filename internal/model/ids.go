package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// StableID derives a deterministic synthetic key from an ordered set of
// identity parts. Parts are trimmed and lowercased, nil becomes the empty
// string, and the result is prefixed (chip_, var_, obs_). The same parts
// always produce the same key, across runs and across processes.
func StableID(prefix string, parts ...any) string {
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		normalized = append(normalized, normalizePart(part))
	}
	digest := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	return prefix + "_" + hex.EncodeToString(digest[:])
}

func normalizePart(part any) string {
	switch v := part.(type) {
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case *string:
		if v == nil {
			return ""
		}
		return strings.ToLower(strings.TrimSpace(*v))
	case *int:
		if v == nil {
			return ""
		}
		return strconv.Itoa(*v)
	case *float64:
		if v == nil {
			return ""
		}
		return strconv.FormatFloat(*v, 'f', -1, 64)
	default:
		return ""
	}
}
