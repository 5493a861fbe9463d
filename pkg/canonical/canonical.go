// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing and signing of VAR events.
//
// Two independent canonicalizers must produce byte-identical output for the
// same logical payload: this writer-side implementation, and the verifier-side
// transform (github.com/gowebpki/jcs). Both follow the same rules:
//  1. Object keys sorted by UTF-16 code units.
//  2. HTML escaping DISABLED (unlike standard json.Marshal).
//  3. Numbers formatted per ECMAScript Number::toString (shortest round-trip).
//  4. NaN, Infinity and non-JSON-representable values are rejected, never coerced.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// DigestPrefix identifies the hash algorithm in digest strings.
const DigestPrefix = "sha256:"

// Error reports a payload that cannot be canonicalized. Canonicalization
// failures are rejected before any hashing or signing takes place.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("canonicalization failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("canonicalization failed: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Marshal returns the canonical JSON representation of v.
//
// Strategy mirrors the two-phase approach used for artifacts: marshal to
// intermediate JSON (respecting struct tags), decode to interface{} with
// json.Number preservation, then serialize recursively with canonical rules.
func Marshal(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Reason: "pre-marshal failed", Err: err}
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, &Error{Reason: "intermediate decode failed", Err: err}
	}

	var buf bytes.Buffer
	if err := marshalValue(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 digest of the canonical form of v,
// formatted as "sha256:<lowercase hex>".
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// DigestBytes decodes a "sha256:<hex>" digest string to its raw bytes.
func DigestBytes(digest string) ([]byte, error) {
	hexPart := strings.TrimPrefix(digest, DigestPrefix)
	if hexPart == digest {
		return nil, fmt.Errorf("digest %q missing %q prefix", digest, DigestPrefix)
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, fmt.Errorf("digest %q is not hex: %w", digest, err)
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("digest %q has %d bytes, want %d", digest, len(raw), sha256.Size)
	}
	return raw, nil
}

func marshalValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return &Error{Reason: fmt.Sprintf("number %q not representable", t.String()), Err: err}
		}
		s, err := formatNumber(f)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case string:
		appendEscapedString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendEscapedString(buf, k)
			buf.WriteByte(':')
			if err := marshalValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &Error{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
	return nil
}

// lessUTF16 reports whether a sorts before b in UTF-16 code-unit order, the
// key ordering RFC 8785 mandates. It differs from byte order only when one
// key contains supplementary-plane characters: their surrogate pairs start
// at 0xD800, below the U+E000..U+FFFF range.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// formatNumber serializes f following the ECMAScript Number::toString
// algorithm used by RFC 8785: decimal notation for 1e-6 <= |f| < 1e21,
// exponent notation (no zero-padded exponent) outside that range.
func formatNumber(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", &Error{Reason: "non-finite number"}
	}
	if f == 0 {
		// Covers negative zero as well.
		return "0", nil
	}

	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		// Go pads single-digit exponents ("1e-07"); ES6 does not ("1e-7").
		if i := strings.IndexAny(s, "eE"); i >= 0 {
			mantissa, exp := s[:i], s[i+1:]
			sign := ""
			if exp[0] == '+' || exp[0] == '-' {
				sign, exp = string(exp[0]), exp[1:]
			}
			exp = strings.TrimLeft(exp, "0")
			if exp == "" {
				exp = "0"
			}
			s = mantissa + "e" + sign + exp
		}
		return s, nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// appendEscapedString writes s as a JSON string per JCS: the two-character
// escapes for \", \\, \b, \f, \n, \r, \t, lowercase \u00xx for remaining
// control characters, and no HTML or U+2028/U+2029 escaping.
func appendEscapedString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
