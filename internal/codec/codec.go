// Package codec converts prompts and completion payloads to and from the
// storage-safe text form used by the response cache.
//
// Cached answers written by older deployments hold a quoted-literal mapping
// ({'explanation': '...', 'code': '...'}) rather than JSON. Callers must use
// ParseLenient on cache hits and ParseStrict on fresh completions.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrNotObject is returned when a payload parses but is not a mapping.
var ErrNotObject = errors.New("payload is not an object")

// Encode returns the standard base64 encoding of the UTF-8 bytes of s.
func Encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// EncodeValue encodes a string directly and any other value after serializing
// it to canonical JSON (map keys sorted).
func EncodeValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return Encode(t), nil
	case []byte:
		return Encode(string(t)), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize value: %w", err)
	}
	return Encode(string(b)), nil
}

// Decode is the inverse of Encode. Structured values come back in their
// serialized string form.
func Decode(token string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("decoded token is not valid UTF-8")
	}
	return string(b), nil
}

// ParseStrict parses a fresh completion, which must be a JSON object.
func ParseStrict(s string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return m, nil
}

// ParseLenient parses a cached answer. JSON is tried first, then the
// quoted-literal mapping grammar.
func ParseLenient(s string) (map[string]any, error) {
	if m, err := ParseStrict(s); err == nil {
		return m, nil
	}
	v, err := parseLiteral(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cached answer: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return m, nil
}

// StringField returns m[key] as a string. Missing keys and non-string values
// are errors.
func StringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("missing key %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("key %q has type %T, expected string", key, v)
	}
	return s, nil
}
