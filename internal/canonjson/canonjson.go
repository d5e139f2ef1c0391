// Package canonjson renders values as canonical JSON: object keys sorted
// bytewise, numbers normalized (no -0, integral doubles as integers, shortest
// round-trip form otherwise), minimal string escaping, arrays in order.
// Canonical bytes are the input to all content fingerprints, so the encoding
// must stay stable across releases.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"
)

// StripFunc reports whether the object field at the given slash-joined path
// should be omitted from the canonical form. Array elements contribute their
// decimal index as a path segment.
type StripFunc func(path string) bool

// Canonicalize returns the canonical JSON encoding of v. v is first encoded
// with encoding/json (honoring struct tags and MarshalJSON), then re-rendered
// canonically.
func Canonicalize(v any) ([]byte, error) {
	return CanonicalizeStripped(v, nil)
}

// CanonicalizeStripped is Canonicalize with volatile-field removal. Fields for
// which strip returns true are omitted, along with everything beneath them.
func CanonicalizeStripped(v any, strip StripFunc) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonjson: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := render(&buf, tree, "", strip); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func render(buf *bytes.Buffer, v any, path string, strip StripFunc) error {
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
		return renderNumber(buf, t)
	case string:
		renderString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := render(buf, el, childPath(path, strconv.Itoa(i)), strip); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		first := true
		for _, k := range keys {
			p := childPath(path, k)
			if strip != nil && strip(p) {
				continue
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			renderString(buf, k)
			buf.WriteByte(':')
			if err := render(buf, t[k], p, strip); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonjson: unsupported value %T", v)
	}
	return nil
}

func childPath(parent, seg string) string {
	if parent == "" {
		return seg
	}
	return parent + "/" + seg
}

// renderNumber writes the normalized form: integers stay integers, integral
// doubles collapse to integers, everything else uses the shortest decimal
// that round-trips the IEEE 754 value. "-0" in any spelling becomes "0".
func renderNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if isIntegerText(s) {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			buf.WriteString(strconv.FormatInt(i, 10))
			return nil
		}
		// Out of int64 range: fall through to the double path.
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("canonjson: bad number %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonjson: non-finite number %q", s)
	}
	if f == 0 {
		buf.WriteByte('0')
		return nil
	}
	if f == math.Trunc(f) && math.Abs(f) <= 1<<53 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func isIntegerText(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', 'e', 'E':
			return false
		}
	}
	return true
}

const hexDigits = "0123456789abcdef"

// renderString escapes only what JSON requires: quote, backslash, and control
// characters. No HTML escaping, so the bytes differ from encoding/json output.
func renderString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		b := s[i]
		if b >= 0x20 && b != '"' && b != '\\' {
			if b < utf8.RuneSelf {
				buf.WriteByte(b)
				i++
				continue
			}
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				// Invalid UTF-8 byte: keep the replacement char so the
				// output is always valid JSON.
				buf.WriteString(`�`)
				i++
				continue
			}
			buf.WriteString(s[i : i+size])
			i += size
			continue
		}
		switch b {
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
			buf.WriteString(`\u00`)
			buf.WriteByte(hexDigits[b>>4])
			buf.WriteByte(hexDigits[b&0xF])
		}
		i++
	}
	buf.WriteByte('"')
}
