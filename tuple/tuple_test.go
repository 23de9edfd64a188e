package tuple

import "testing"

func testDesc() *TupleDesc {
	return NewTupleDesc([]FieldType{
		{Name: "id", Type: IntType},
		{Name: "name", Type: StringType},
	})
}

func TestSizeIsFixed(t *testing.T) {
	d := testDesc()
	want := intFieldWidth + d.StringLength
	if got := d.Size(); got != want {
		t.Errorf("Size() = %d, want %d", got, want)
	}
}

func TestNewRejectsFieldMismatch(t *testing.T) {
	d := testDesc()
	if _, err := New(d, []Field{IntField{Value: 1}}); err == nil {
		t.Fatal("expected error for wrong field count")
	}
	if _, err := New(d, []Field{StringField{Value: "x"}, StringField{Value: "y"}}); err == nil {
		t.Fatal("expected error for wrong field variant")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := testDesc()
	tup, err := New(d, []Field{IntField{Value: 42}, StringField{Value: "hello"}})
	if err != nil {
		t.Fatal(err)
	}

	enc, err := tup.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) != d.Size() {
		t.Fatalf("encoded length = %d, want %d", len(enc), d.Size())
	}

	decoded, err := Decode(d, enc)
	if err != nil {
		t.Fatal(err)
	}
	if !tup.Equals(decoded) {
		t.Errorf("round trip mismatch: %+v != %+v", tup, decoded)
	}
}

func TestStringTruncatesTrailingZerosOnly(t *testing.T) {
	d := testDesc()
	tup, err := New(d, []Field{IntField{Value: 1}, StringField{Value: "ab"}})
	if err != nil {
		t.Fatal(err)
	}
	enc, err := tup.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(d, enc)
	if err != nil {
		t.Fatal(err)
	}
	got := decoded.Fields[1].(StringField).Value
	if got != "ab" {
		t.Errorf("expected trailing zero bytes trimmed, got %q", got)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	d := testDesc()
	if _, err := Decode(d, make([]byte, 3)); err == nil {
		t.Fatal("expected error decoding a too-short buffer")
	}
}

func TestTupleDescEquals(t *testing.T) {
	a := testDesc()
	b := testDesc()
	if !a.Equals(b) {
		t.Error("expected identically-shaped descriptors to be equal")
	}
	c := NewTupleDesc([]FieldType{{Name: "id", Type: IntType}})
	if a.Equals(c) {
		t.Error("expected differently-shaped descriptors to be unequal")
	}
}
