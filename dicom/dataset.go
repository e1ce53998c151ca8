package dicom

import (
	"fmt"
	"sort"
	"strings"
)

// DataSet is a mapping from tags to elements, iterated in ascending tag
// order. It carries the transfer syntax it was read with or should be
// written with; the empty string means unspecified.
type DataSet struct {
	TransferSyntax string

	elements map[Tag]*Element
}

// NewDataSet creates an empty data set with no transfer syntax.
func NewDataSet() *DataSet {
	return &DataSet{elements: make(map[Tag]*Element)}
}

// Add inserts or replaces the element at tag.
func (ds *DataSet) Add(tag Tag, elem *Element) {
	ds.elements[tag] = elem
}

// Remove deletes the element at tag, if present.
func (ds *DataSet) Remove(tag Tag) {
	delete(ds.elements, tag)
}

// Has reports whether an element exists at tag.
func (ds *DataSet) Has(tag Tag) bool {
	_, ok := ds.elements[tag]
	return ok
}

// Clear removes all elements.
func (ds *DataSet) Clear() {
	ds.elements = make(map[Tag]*Element)
}

// Len returns the number of elements.
func (ds *DataSet) Len() int { return len(ds.elements) }

// Get returns the element at tag.
func (ds *DataSet) Get(tag Tag) (*Element, error) {
	elem, ok := ds.elements[tag]
	if !ok {
		return nil, fmt.Errorf("dicom: tag %v not found", tag)
	}
	return elem, nil
}

// Tags returns all tags in ascending (group, element) order.
func (ds *DataSet) Tags() []Tag {
	tags := make([]Tag, 0, len(ds.elements))
	for tag := range ds.elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		return tags[i].Compare(tags[j]) < 0
	})
	return tags
}

// Elements returns all elements in ascending tag order.
func (ds *DataSet) Elements() []*Element {
	tags := ds.Tags()
	elems := make([]*Element, len(tags))
	for i, tag := range tags {
		elems[i] = ds.elements[tag]
	}
	return elems
}

// ClearTag empties the value of the element at tag, keeping its VR.
func (ds *DataSet) ClearTag(tag Tag) error {
	elem, err := ds.Get(tag)
	if err != nil {
		return err
	}
	elem.Value.Clear()
	return nil
}

// EmptyTag reports whether the element at tag holds no items.
func (ds *DataSet) EmptyTag(tag Tag) (bool, error) {
	elem, err := ds.Get(tag)
	if err != nil {
		return false, err
	}
	return elem.Value.Empty(), nil
}

// SizeTag returns the number of items in the element at tag.
func (ds *DataSet) SizeTag(tag Tag) (int, error) {
	elem, err := ds.Get(tag)
	if err != nil {
		return 0, err
	}
	return elem.Value.Len(), nil
}

// GetStrings returns the text items at tag.
func (ds *DataSet) GetStrings(tag Tag) ([]string, error) {
	elem, err := ds.Get(tag)
	if err != nil {
		return nil, err
	}
	return elem.Value.Strings()
}

// GetString returns the single text item at tag; it fails when the
// element is absent or holds any other number of items.
func (ds *DataSet) GetString(tag Tag) (string, error) {
	values, err := ds.GetStrings(tag)
	if err != nil {
		return "", err
	}
	if len(values) != 1 {
		return "", fmt.Errorf("dicom: tag %v holds %d strings, want 1", tag, len(values))
	}
	return values[0], nil
}

// GetInts returns the integer items at tag.
func (ds *DataSet) GetInts(tag Tag) ([]int64, error) {
	elem, err := ds.Get(tag)
	if err != nil {
		return nil, err
	}
	return elem.Value.Ints()
}

// GetInt returns the single integer item at tag.
func (ds *DataSet) GetInt(tag Tag) (int64, error) {
	values, err := ds.GetInts(tag)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("dicom: tag %v holds %d ints, want 1", tag, len(values))
	}
	return values[0], nil
}

// GetUInt16 returns the single integer item at tag narrowed to uint16.
func (ds *DataSet) GetUInt16(tag Tag) (uint16, error) {
	v, err := ds.GetInt(tag)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 0xffff {
		return 0, fmt.Errorf("dicom: tag %v value %d out of uint16 range", tag, v)
	}
	return uint16(v), nil
}

// GetUInt32 returns the single integer item at tag narrowed to uint32.
func (ds *DataSet) GetUInt32(tag Tag) (uint32, error) {
	v, err := ds.GetInt(tag)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 0xffffffff {
		return 0, fmt.Errorf("dicom: tag %v value %d out of uint32 range", tag, v)
	}
	return uint32(v), nil
}

// GetReals returns the floating-point items at tag.
func (ds *DataSet) GetReals(tag Tag) ([]float64, error) {
	elem, err := ds.Get(tag)
	if err != nil {
		return nil, err
	}
	return elem.Value.Reals()
}

// GetDataSets returns the sequence items at tag.
func (ds *DataSet) GetDataSets(tag Tag) ([]*DataSet, error) {
	elem, err := ds.Get(tag)
	if err != nil {
		return nil, err
	}
	return elem.Value.DataSets()
}

// GetBinary returns the byte buffers at tag.
func (ds *DataSet) GetBinary(tag Tag) ([][]byte, error) {
	elem, err := ds.Get(tag)
	if err != nil {
		return nil, err
	}
	return elem.Value.Binary()
}

// Equal reports transfer-syntax and element-wise equality.
func (ds *DataSet) Equal(other *DataSet) bool {
	if ds.TransferSyntax != other.TransferSyntax {
		return false
	}
	if len(ds.elements) != len(other.elements) {
		return false
	}
	for tag, elem := range ds.elements {
		otherElem, ok := other.elements[tag]
		if !ok || !elem.Equal(otherElem) {
			return false
		}
	}
	return true
}

// String returns a one-line rendering in ascending tag order.
func (ds *DataSet) String() string {
	var b strings.Builder
	b.WriteString("{")
	for i, tag := range ds.Tags() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%v: %v", tag, ds.elements[tag])
	}
	b.WriteString("}")
	return b.String()
}
