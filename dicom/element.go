package dicom

import "fmt"

// Element pairs a value with the VR it is encoded under. An element may
// be empty (zero items) while still carrying a VR.
type Element struct {
	VR    VR
	Value *Value
}

// NewElement creates an element, checking that the value's kind matches
// the VR's category.
func NewElement(vr VR, value *Value) (*Element, error) {
	if want := vr.Kind(); value.Kind() != want {
		return nil, fmt.Errorf("dicom: VR %s requires %v values, got %v", vr, want, value.Kind())
	}
	return &Element{VR: vr, Value: value}, nil
}

// MustNewElement is NewElement for statically known VR/kind pairs; it
// panics on mismatch.
func MustNewElement(vr VR, value *Value) *Element {
	elem, err := NewElement(vr, value)
	if err != nil {
		panic(err)
	}
	return elem
}

// NewEmptyElement creates an element of the given VR with no items.
func NewEmptyElement(vr VR) *Element {
	return &Element{VR: vr, Value: newEmptyValue(vr.Kind())}
}

// NewIntElement creates an integer-kind element.
func NewIntElement(vr VR, v ...int64) (*Element, error) {
	return NewElement(vr, NewIntsValue(v...))
}

// NewRealElement creates a floating-point-kind element.
func NewRealElement(vr VR, v ...float64) (*Element, error) {
	return NewElement(vr, NewRealsValue(v...))
}

// NewStringElement creates a text-kind element.
func NewStringElement(vr VR, v ...string) (*Element, error) {
	return NewElement(vr, NewStringsValue(v...))
}

// NewDataSetElement creates an SQ element over shared item references.
func NewDataSetElement(vr VR, v ...*DataSet) (*Element, error) {
	return NewElement(vr, NewDataSetsValue(v...))
}

// NewBinaryElement creates a raw-bytes element.
func NewBinaryElement(vr VR, v ...[]byte) (*Element, error) {
	return NewElement(vr, NewBinaryValue(v...))
}

// Equal reports VR and value equality.
func (e *Element) Equal(other *Element) bool {
	return e.VR == other.VR && e.Value.Equal(other.Value)
}

func (e *Element) String() string {
	return fmt.Sprintf("%s %s", e.VR, e.Value)
}
