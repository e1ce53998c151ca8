package dicom

import (
	"fmt"
	"strings"
)

// Value is the payload of an element: a tagged union with exactly one
// active alternative among five ordered sequences.
type Value struct {
	kind     ValueKind
	ints     []int64
	reals    []float64
	strings  []string
	dataSets []*DataSet
	binary   [][]byte
}

// NewIntsValue creates an integer value.
func NewIntsValue(v ...int64) *Value {
	return &Value{kind: Ints, ints: v}
}

// NewRealsValue creates a floating-point value.
func NewRealsValue(v ...float64) *Value {
	return &Value{kind: Reals, reals: v}
}

// NewStringsValue creates a text value.
func NewStringsValue(v ...string) *Value {
	return &Value{kind: Strings, strings: v}
}

// NewDataSetsValue creates a sequence value. Items are shared
// references, not copies.
func NewDataSetsValue(v ...*DataSet) *Value {
	return &Value{kind: DataSets, dataSets: v}
}

// NewBinaryValue creates a raw-bytes value. Each buffer is one item for
// encapsulated encodings; native encodings use exactly one buffer.
func NewBinaryValue(v ...[]byte) *Value {
	return &Value{kind: Binary, binary: v}
}

// newEmptyValue creates a zero-length value of the given kind.
func newEmptyValue(kind ValueKind) *Value {
	return &Value{kind: kind}
}

// Kind returns the active alternative.
func (v *Value) Kind() ValueKind { return v.kind }

// Len returns the number of items in the active alternative.
func (v *Value) Len() int {
	switch v.kind {
	case Ints:
		return len(v.ints)
	case Reals:
		return len(v.reals)
	case Strings:
		return len(v.strings)
	case DataSets:
		return len(v.dataSets)
	case Binary:
		return len(v.binary)
	}
	return 0
}

// Empty reports whether the value holds no items.
func (v *Value) Empty() bool { return v.Len() == 0 }

// Clear removes all items, keeping the kind.
func (v *Value) Clear() {
	v.ints = nil
	v.reals = nil
	v.strings = nil
	v.dataSets = nil
	v.binary = nil
}

func (v *Value) kindError(want ValueKind) error {
	return fmt.Errorf("dicom: value holds %v, not %v", v.kind, want)
}

// Ints returns the integer items, or an error when the value holds a
// different kind.
func (v *Value) Ints() ([]int64, error) {
	if v.kind != Ints {
		return nil, v.kindError(Ints)
	}
	return v.ints, nil
}

// Reals returns the floating-point items.
func (v *Value) Reals() ([]float64, error) {
	if v.kind != Reals {
		return nil, v.kindError(Reals)
	}
	return v.reals, nil
}

// Strings returns the text items.
func (v *Value) Strings() ([]string, error) {
	if v.kind != Strings {
		return nil, v.kindError(Strings)
	}
	return v.strings, nil
}

// DataSets returns the nested data sets.
func (v *Value) DataSets() ([]*DataSet, error) {
	if v.kind != DataSets {
		return nil, v.kindError(DataSets)
	}
	return v.dataSets, nil
}

// Binary returns the raw byte buffers.
func (v *Value) Binary() ([][]byte, error) {
	if v.kind != Binary {
		return nil, v.kindError(Binary)
	}
	return v.binary, nil
}

// Equal reports whether two values have the same kind and the same
// items in the same order. Nested data sets compare structurally.
func (v *Value) Equal(other *Value) bool {
	if v.kind != other.kind || v.Len() != other.Len() {
		return false
	}
	switch v.kind {
	case Ints:
		for i, x := range v.ints {
			if x != other.ints[i] {
				return false
			}
		}
	case Reals:
		for i, x := range v.reals {
			if x != other.reals[i] {
				return false
			}
		}
	case Strings:
		for i, x := range v.strings {
			if x != other.strings[i] {
				return false
			}
		}
	case DataSets:
		for i, x := range v.dataSets {
			if !x.Equal(other.dataSets[i]) {
				return false
			}
		}
	case Binary:
		for i, x := range v.binary {
			if string(x) != string(other.binary[i]) {
				return false
			}
		}
	}
	return true
}

// String returns a compact human-readable rendering for logs.
func (v *Value) String() string {
	switch v.kind {
	case Ints:
		return fmt.Sprintf("%v", v.ints)
	case Reals:
		return fmt.Sprintf("%v", v.reals)
	case Strings:
		return fmt.Sprintf("%q", v.strings)
	case DataSets:
		items := make([]string, len(v.dataSets))
		for i, ds := range v.dataSets {
			items[i] = ds.String()
		}
		return "[" + strings.Join(items, ", ") + "]"
	case Binary:
		total := 0
		for _, b := range v.binary {
			total += len(b)
		}
		return fmt.Sprintf("<%d items, %d bytes>", len(v.binary), total)
	}
	return "<invalid>"
}
