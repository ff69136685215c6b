// Package jcs renders the canonical JSON byte sequence that the registry
// signs and verifies.
//
// Canonical bytes are the mandatory signing choke point: signatures are
// always computed and checked over the output of Canonicalize, never over
// the bytes a client happened to send. The rules are JCS-style:
//
//   - object keys sort lexicographically at every nesting level
//   - array element order is preserved
//   - no insignificant whitespace
//   - strings escape only what JSON requires (no HTML escaping)
//   - numbers render as shortest-round-trip doubles: fixed notation for
//     integral values below 1e21, strconv's exponent form otherwise
//
// Before rendering, the top-level "signature" member and every member whose
// name starts with "_" (transport-only markers) are removed, so adding or
// removing those fields never changes the canonical bytes.
package jcs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// SignatureField is the document member excluded from the signed payload.
const SignatureField = "signature"

var errNotObject = errors.New("jcs: document must be a JSON object")

// Canonicalize parses raw as a JSON object, strips the signature and
// transport-only members, and renders the canonical bytes.
func Canonicalize(raw []byte) ([]byte, error) {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("jcs: invalid JSON: %w", err)
	}
	if err := requireEOF(dec); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errNotObject
	}
	delete(doc, SignatureField)
	stripTransport(doc)
	return Render(doc)
}

// Render produces canonical bytes for an already-decoded JSON value.
// It performs no stripping; use Canonicalize for submitted documents.
func Render(v any) ([]byte, error) {
	var b []byte
	b, err := appendValue(b, v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func requireEOF(dec *json.Decoder) error {
	if dec.More() {
		return errors.New("jcs: trailing data after document")
	}
	return nil
}

// stripTransport removes "_"-prefixed members at every object level.
func stripTransport(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if strings.HasPrefix(k, "_") {
				delete(t, k)
				continue
			}
			stripTransport(child)
		}
	case []any:
		for _, child := range t {
			stripTransport(child)
		}
	}
}

func appendValue(b []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(b, "null"...), nil
	case bool:
		if t {
			return append(b, "true"...), nil
		}
		return append(b, "false"...), nil
	case float64:
		return appendNumber(b, t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("jcs: invalid number %q: %w", t.String(), err)
		}
		return appendNumber(b, f)
	case string:
		return appendString(b, t), nil
	case []any:
		b = append(b, '[')
		for i, e := range t {
			if i > 0 {
				b = append(b, ',')
			}
			var err error
			b, err = appendValue(b, e)
			if err != nil {
				return nil, err
			}
		}
		return append(b, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b = append(b, '{')
		for i, k := range keys {
			if i > 0 {
				b = append(b, ',')
			}
			b = appendString(b, k)
			b = append(b, ':')
			var err error
			b, err = appendValue(b, t[k])
			if err != nil {
				return nil, err
			}
		}
		return append(b, '}'), nil
	default:
		return nil, fmt.Errorf("jcs: unsupported value type %T", v)
	}
}

func appendNumber(b []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errors.New("jcs: non-finite number")
	}
	if f == 0 {
		// Negative zero renders as 0.
		return append(b, '0'), nil
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return strconv.AppendFloat(b, f, 'f', -1, 64), nil
	}
	out := strconv.AppendFloat(b, f, 'g', -1, 64)
	return out, nil
}

// appendString escapes s per JSON with the minimal escape set.
func appendString(b []byte, s string) []byte {
	b = append(b, '"')
	for _, r := range s {
		switch r {
		case '"':
			b = append(b, '\\', '"')
		case '\\':
			b = append(b, '\\', '\\')
		case '\b':
			b = append(b, '\\', 'b')
		case '\f':
			b = append(b, '\\', 'f')
		case '\n':
			b = append(b, '\\', 'n')
		case '\r':
			b = append(b, '\\', 'r')
		case '\t':
			b = append(b, '\\', 't')
		default:
			if r < 0x20 {
				b = append(b, fmt.Sprintf("\\u%04x", r)...)
				continue
			}
			var buf [utf8.UTFMax]byte
			n := utf8.EncodeRune(buf[:], r)
			b = append(b, buf[:n]...)
		}
	}
	return append(b, '"')
}
