// Package tuple defines the fixed-width row format the heap layer stores:
// a tagged union of int and string fields with an explicit TupleDesc, and
// binary encoding compatible with a bitmap-header heap page's fixed slot
// size.
package tuple

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrFieldMismatch is returned when a Tuple's fields don't match its
// TupleDesc in count or type.
var ErrFieldMismatch = errors.New("tuple: field does not match tuple descriptor")

// DBType names the type of one field.
type DBType int

const (
	IntType DBType = iota
	StringType
)

func (t DBType) String() string {
	if t == StringType {
		return "string"
	}
	return "int"
}

// FieldType names one column: its name and type.
type FieldType struct {
	Name string
	Type DBType
}

// TupleDesc is the schema of a tuple: its fields, in order, plus the fixed
// width a row takes on disk once encoded. StringLength is the padded width
// reserved for every StringType field; a string longer than this cannot be
// stored.
type TupleDesc struct {
	Fields       []FieldType
	StringLength int
}

// NewTupleDesc builds a TupleDesc with the conventional StringLength of 128
// bytes, matching the teacher pack's retrieved heap-file reference.
func NewTupleDesc(fields []FieldType) *TupleDesc {
	return &TupleDesc{Fields: fields, StringLength: 128}
}

// Size returns the fixed encoded width of a tuple conforming to this
// descriptor, in bytes.
func (d *TupleDesc) Size() int {
	size := 0
	for _, f := range d.Fields {
		size += d.fieldWidth(f.Type)
	}
	return size
}

// intFieldWidth is 4 bytes, matching the classic SimpleDB-lineage int field
// (a 32-bit Java int) rather than a wider Go int64 — this is what makes the
// canonical single-page scenario numbers (504 total slots for an all-int
// tuple, 484 empty after 20 inserts) come out right.
const intFieldWidth = 4

func (d *TupleDesc) fieldWidth(t DBType) int {
	if t == StringType {
		return d.StringLength
	}
	return intFieldWidth
}

// Equals reports whether two descriptors describe the same fields in the
// same order.
func (d *TupleDesc) Equals(other *TupleDesc) bool {
	if len(d.Fields) != len(other.Fields) {
		return false
	}
	for i := range d.Fields {
		if d.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

// Field is the tagged union of field values a Tuple may hold. It is a
// closed interface: IntField and StringField are its only variants.
type Field interface {
	isField()
}

// IntField is a fixed-width signed integer field, encoded as 4 bytes on
// the wire (the Value field itself stays a full int64 in the Go API).
type IntField struct {
	Value int64
}

func (IntField) isField() {}

// StringField is a variable-length string field padded to the owning
// TupleDesc's StringLength on encode and trimmed of trailing zero bytes on
// decode.
type StringField struct {
	Value string
}

func (StringField) isField() {}

// Tuple is one row: a descriptor plus one Field per column.
type Tuple struct {
	Desc   *TupleDesc
	Fields []Field
}

// New constructs a Tuple, validating that fields matches desc in count and
// variant.
func New(desc *TupleDesc, fields []Field) (*Tuple, error) {
	if len(fields) != len(desc.Fields) {
		return nil, fmt.Errorf("%w: want %d fields, got %d", ErrFieldMismatch, len(desc.Fields), len(fields))
	}
	for i, f := range fields {
		switch f.(type) {
		case IntField:
			if desc.Fields[i].Type != IntType {
				return nil, fmt.Errorf("%w: field %d is int, descriptor wants %s", ErrFieldMismatch, i, desc.Fields[i].Type)
			}
		case StringField:
			if desc.Fields[i].Type != StringType {
				return nil, fmt.Errorf("%w: field %d is string, descriptor wants %s", ErrFieldMismatch, i, desc.Fields[i].Type)
			}
		default:
			return nil, fmt.Errorf("%w: unsupported field type %T", ErrFieldMismatch, f)
		}
	}
	return &Tuple{Desc: desc, Fields: fields}, nil
}

// Encode writes t into a fixed-size byte slice of length t.Desc.Size(), in
// little-endian field order.
func (t *Tuple) Encode() ([]byte, error) {
	var buf bytes.Buffer
	for _, f := range t.Fields {
		switch v := f.(type) {
		case IntField:
			if err := binary.Write(&buf, binary.LittleEndian, int32(v.Value)); err != nil {
				return nil, err
			}
		case StringField:
			padded := make([]byte, t.Desc.StringLength)
			copy(padded, v.Value)
			if _, err := buf.Write(padded); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unsupported field type %T", ErrFieldMismatch, f)
		}
	}
	return buf.Bytes(), nil
}

// Decode reads a Tuple conforming to desc out of data, which must be at
// least desc.Size() bytes.
func Decode(desc *TupleDesc, data []byte) (*Tuple, error) {
	if len(data) < desc.Size() {
		return nil, fmt.Errorf("tuple: buffer too short: want %d bytes, got %d", desc.Size(), len(data))
	}
	r := bytes.NewReader(data)
	fields := make([]Field, 0, len(desc.Fields))
	for _, fd := range desc.Fields {
		switch fd.Type {
		case IntType:
			var v int32
			if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
				return nil, err
			}
			fields = append(fields, IntField{Value: int64(v)})
		case StringType:
			raw := make([]byte, desc.StringLength)
			if _, err := r.Read(raw); err != nil {
				return nil, err
			}
			fields = append(fields, StringField{Value: strings.TrimRight(string(raw), "\x00")})
		default:
			return nil, fmt.Errorf("tuple: unknown field type %v", fd.Type)
		}
	}
	return &Tuple{Desc: desc, Fields: fields}, nil
}

// Equals compares two tuples field-by-field and by descriptor.
func (t *Tuple) Equals(other *Tuple) bool {
	if t == nil || other == nil {
		return t == other
	}
	if !t.Desc.Equals(other.Desc) || len(t.Fields) != len(other.Fields) {
		return false
	}
	for i := range t.Fields {
		if t.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}
