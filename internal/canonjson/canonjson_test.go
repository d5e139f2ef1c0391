package canonjson

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestKeyOrderInsensitive(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	got, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestStructTagsHonored(t *testing.T) {
	type inner struct {
		Z int `json:"z"`
		A int `json:"a"`
	}
	v := struct {
		Name  string `json:"name"`
		In    inner  `json:"in"`
		Skip  string `json:"-"`
		Empty string `json:"empty,omitempty"`
	}{Name: "x", In: inner{Z: 1, A: 2}, Skip: "drop"}
	got, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"in":{"a":2,"z":1},"name":"x"}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestNumberNormalization(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`-0`, `0`},
		{`-0.0`, `0`},
		{`0.0`, `0`},
		{`1.50`, `1.5`},
		{`100.0`, `100`},
		{`1e2`, `100`},
		{`1e15`, `1000000000000000`},
		{`0.1`, `0.1`},
		{`-2.5e-3`, `-0.0025`},
		{`9007199254740993`, `9007199254740993`},
		{`1.7976931348623157e308`, `1.7976931348623157e+308`},
	}
	for _, c := range cases {
		var v any
		dec := json.NewDecoder(strings.NewReader(c.in))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			t.Fatalf("decode %q: %v", c.in, err)
		}
		got, err := Canonicalize(v)
		if err != nil {
			t.Fatalf("Canonicalize %q: %v", c.in, err)
		}
		if string(got) != c.want {
			t.Fatalf("canonical(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestEquivalentNumericFormsHashEqual(t *testing.T) {
	forms := []string{`{"x":100}`, `{"x":1e2}`, `{"x":100.0}`, `{"x":100.00}`}
	var first []byte
	for i, f := range forms {
		var v any
		dec := json.NewDecoder(strings.NewReader(f))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			t.Fatalf("decode: %v", err)
		}
		got, err := Canonicalize(v)
		if err != nil {
			t.Fatalf("Canonicalize: %v", err)
		}
		if i == 0 {
			first = got
			continue
		}
		if string(got) != string(first) {
			t.Fatalf("form %q canonicalized to %s, want %s", f, got, first)
		}
	}
}

func TestIdempotence(t *testing.T) {
	v := map[string]any{
		"nums": []any{1.0, -0.0, 2.50, 1e2},
		"s":    "tab\tand \"quote\" and \x01",
		"obj":  map[string]any{"k": nil, "b": true},
	}
	once, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	var round any
	if err := json.Unmarshal(once, &round); err != nil {
		t.Fatalf("unmarshal canonical output: %v", err)
	}
	twice, err := Canonicalize(round)
	if err != nil {
		t.Fatalf("Canonicalize round 2: %v", err)
	}
	if string(once) != string(twice) {
		t.Fatalf("not idempotent:\n  once:  %s\n  twice: %s", once, twice)
	}
}

func TestStringEscaping(t *testing.T) {
	got, err := Canonicalize("a<b>&\n\x00c")
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `"a<b>&\n\u0000c"`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestArrayOrderPreserved(t *testing.T) {
	got, err := Canonicalize([]any{3, 1, 2})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if string(got) != `[3,1,2]` {
		t.Fatalf("got %s", got)
	}
}

func TestStripRemovesSubtrees(t *testing.T) {
	v := map[string]any{
		"keep": 1,
		"meta": map[string]any{"started_at": "2026-01-01T00:00:00Z", "attempt": 2},
		"rows": []any{map[string]any{"started_at": "x", "v": 7}},
	}
	strip := func(path string) bool {
		return strings.HasSuffix(path, "started_at")
	}
	got, err := CanonicalizeStripped(v, strip)
	if err != nil {
		t.Fatalf("CanonicalizeStripped: %v", err)
	}
	want := `{"keep":1,"meta":{"attempt":2},"rows":[{"v":7}]}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestNonFiniteRejected(t *testing.T) {
	if _, err := Canonicalize(map[string]any{"x": json.Number("1e999")}); err == nil {
		t.Fatal("expected error for overflowing number")
	}
}
