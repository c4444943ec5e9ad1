package mcp

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestValueKinds(t *testing.T) {
	if !Null().IsNull() {
		t.Error("Null() should be null")
	}

	var zero Value
	if !zero.IsNull() {
		t.Error("zero Value should be null")
	}

	if b, ok := Bool(true).Bool(); !ok || !b {
		t.Error("Bool(true) should hold true")
	}
	if n, ok := Number(3.5).Number(); !ok || n != 3.5 {
		t.Error("Number(3.5) should hold 3.5")
	}
	if s, ok := String("hi").String(); !ok || s != "hi" {
		t.Error(`String("hi") should hold "hi"`)
	}

	// Wrong-variant accessors report !ok.
	if _, ok := String("hi").Number(); ok {
		t.Error("string value should not read as number")
	}
	if _, ok := Null().Object(); ok {
		t.Error("null value should not read as object")
	}
}

func TestValueObjectAccess(t *testing.T) {
	v := Object(map[string]Value{
		"b": Number(2),
		"a": Number(1),
	})

	if f, ok := v.Field("a"); !ok {
		t.Error("field a should exist")
	} else if n, _ := f.Number(); n != 1 {
		t.Errorf("field a = %v, want 1", n)
	}
	if _, ok := v.Field("missing"); ok {
		t.Error("missing field should report !ok")
	}

	if got := v.Keys(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Keys() = %v, want [a b]", got)
	}
	if Null().Keys() != nil {
		t.Error("Keys() on a non-object should be nil")
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	src := `{"tool":"divide","args":{"a":10,"b":0},"tags":["math",true,null],"depth":2.5}`

	var v Value
	if err := json.Unmarshal([]byte(src), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	tool, ok := v.Field("tool")
	if !ok {
		t.Fatal("missing tool field")
	}
	if s, _ := tool.String(); s != "divide" {
		t.Errorf("tool = %q, want divide", s)
	}

	tags, _ := v.Field("tags")
	elems, ok := tags.Array()
	if !ok || len(elems) != 3 {
		t.Fatalf("tags should be a 3-element array, got %v", tags.Kind())
	}
	if !elems[2].IsNull() {
		t.Error("third tag should be null")
	}

	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var a, b any
	json.Unmarshal([]byte(src), &a)
	json.Unmarshal(out, &b)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("round trip changed value:\n in: %s\nout: %s", src, out)
	}
}

func TestValueEmptyContainersMarshal(t *testing.T) {
	if out, _ := json.Marshal(Array()); string(out) != "[]" {
		t.Errorf("empty array marshals to %s, want []", out)
	}
	if out, _ := json.Marshal(Object(nil)); string(out) != "{}" {
		t.Errorf("empty object marshals to %s, want {}", out)
	}
	if out, _ := json.Marshal(Null()); string(out) != "null" {
		t.Errorf("null marshals to %s, want null", out)
	}
}

func TestFromAnyToAny(t *testing.T) {
	raw := map[string]any{
		"name":    "search",
		"limit":   float64(10),
		"exact":   false,
		"filters": []any{"recent", float64(7)},
		"nested":  map[string]any{"deep": nil},
	}

	v, err := FromAny(raw)
	if err != nil {
		t.Fatalf("FromAny: %v", err)
	}
	if got := v.ToAny(); !reflect.DeepEqual(got, raw) {
		t.Errorf("ToAny() = %#v, want %#v", got, raw)
	}
}

func TestFromAnyRejectsUnsupported(t *testing.T) {
	if _, err := FromAny(make(chan int)); err == nil {
		t.Error("FromAny should reject a channel")
	}
}

func TestArgsToAny(t *testing.T) {
	args := Args{
		"a": Number(10),
		"b": Number(0),
	}
	got := args.ToAny()
	want := map[string]any{"a": float64(10), "b": float64(0)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Args.ToAny() = %#v, want %#v", got, want)
	}
}
