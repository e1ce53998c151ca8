package dicom

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"

	"github.com/lamyj/dimsenet/dicom/dicomio"
)

// undefinedLength marks sequences, items, and encapsulated pixel data
// whose extent is closed by a delimitation item instead of a length.
const undefinedLength uint32 = 0xffffffff

// ReadDataSet decodes a data set from d under the given transfer
// syntax, consuming bytes until the decoder's current limit is
// exhausted.
func ReadDataSet(d *dicomio.Decoder, transferSyntaxUID string) (*DataSet, error) {
	bo, implicit, err := dicomio.ParseTransferSyntaxUID(transferSyntaxUID)
	if err != nil {
		return nil, err
	}
	d.PushTransferSyntax(bo, implicit)
	defer d.PopTransferSyntax()

	r := &reader{d: d}
	ds := NewDataSet()
	ds.TransferSyntax = transferSyntaxUID
	for d.Len() > 0 && d.Error() == nil {
		tag := r.readTag()
		if d.Error() != nil {
			break
		}
		elem := r.readElementBody(tag)
		if d.Error() != nil {
			break
		}
		ds.Add(tag, elem)
		r.maybeUpdateCharset(tag, elem)
	}
	if err := d.Error(); err != nil {
		return nil, err
	}
	return ds, nil
}

type reader struct {
	d *dicomio.Decoder
	// Converter selected by SpecificCharacterSet; nil means no
	// conversion.
	cs *encoding.Decoder
}

func (r *reader) readTag() Tag {
	group := r.d.ReadUInt16()
	element := r.d.ReadUInt16()
	return Tag{Group: group, Element: element}
}

func (r *reader) maybeUpdateCharset(tag Tag, elem *Element) {
	if tag != TagSpecificCharacterSet {
		return
	}
	terms, err := elem.Value.Strings()
	if err != nil {
		return
	}
	r.cs = charsetDecoder(terms)
}

// readElementBody decodes the VR, length and value following an
// already-consumed tag.
func (r *reader) readElementBody(tag Tag) *Element {
	var vr VR
	var length uint32
	_, implicit := r.d.TransferSyntax()
	if implicit == dicomio.ImplicitVR {
		vr = LookupVR(tag)
		length = r.d.ReadUInt32()
	} else {
		vr = ParseVR(r.d.ReadString(2))
		if vr.IsLongLength() {
			r.d.Skip(2)
			length = r.d.ReadUInt32()
		} else {
			length = uint32(r.d.ReadUInt16())
		}
	}
	if r.d.Error() != nil {
		return nil
	}
	return r.readValue(tag, vr, length)
}

func (r *reader) readValue(tag Tag, vr VR, length uint32) *Element {
	if vr == VRSQ {
		return &Element{VR: VRSQ, Value: NewDataSetsValue(r.readSequence(length)...)}
	}
	if length == undefinedLength {
		if tag == TagPixelData {
			return &Element{VR: VROB, Value: NewBinaryValue(r.readEncapsulated()...)}
		}
		// An undefined-length element without an SQ VR is a sequence
		// encoded as implicit VR, typically a private tag decoded as UN.
		return &Element{VR: VRSQ, Value: NewDataSetsValue(r.readSequence(length)...)}
	}
	switch vr.Kind() {
	case Strings:
		return r.readStrings(vr, length)
	case Ints:
		return r.readInts(vr, length)
	case Reals:
		return r.readReals(vr, length)
	case Binary:
		data := r.d.ReadBytes(int(length))
		if r.d.Error() != nil {
			return nil
		}
		return &Element{VR: vr, Value: NewBinaryValue(data)}
	}
	r.d.SetError(fmt.Errorf("dicom: unhandled VR %s at %v", vr, tag))
	return nil
}

func (r *reader) readStrings(vr VR, length uint32) *Element {
	raw := r.d.ReadBytes(int(length))
	if r.d.Error() != nil {
		return nil
	}
	var text string
	if charsetAffectedVRs[vr] {
		text = decodeText(r.cs, raw)
	} else {
		text = string(raw)
	}
	text = strings.TrimRight(text, " \x00")
	if text == "" {
		return NewEmptyElement(vr)
	}
	elem, _ := NewStringElement(vr, strings.Split(text, "\\")...)
	return elem
}

func (r *reader) readInts(vr VR, length uint32) *Element {
	if vr == VRIS {
		raw := strings.TrimRight(r.d.ReadString(int(length)), " \x00")
		if r.d.Error() != nil {
			return nil
		}
		if raw == "" {
			return NewEmptyElement(vr)
		}
		var values []int64
		for _, part := range strings.Split(raw, "\\") {
			v, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				r.d.SetError(fmt.Errorf("dicom: bad IS value %q: %v", part, err))
				return nil
			}
			values = append(values, v)
		}
		return &Element{VR: vr, Value: NewIntsValue(values...)}
	}
	width := vr.width()
	if int(length)%width != 0 {
		r.d.SetError(fmt.Errorf("dicom: VR %s length %d not a multiple of %d", vr, length, width))
		return nil
	}
	var values []int64
	for i := 0; i < int(length)/width; i++ {
		var v int64
		switch vr {
		case VRUS:
			v = int64(r.d.ReadUInt16())
		case VRSS:
			v = int64(r.d.ReadInt16())
		case VRUL:
			v = int64(r.d.ReadUInt32())
		case VRSL:
			v = int64(r.d.ReadInt32())
		case VRAT:
			group := r.d.ReadUInt16()
			element := r.d.ReadUInt16()
			v = int64(group)<<16 | int64(element)
		default:
			r.d.SetError(fmt.Errorf("dicom: unhandled integer VR %s", vr))
			return nil
		}
		values = append(values, v)
	}
	if r.d.Error() != nil {
		return nil
	}
	return &Element{VR: vr, Value: NewIntsValue(values...)}
}

func (r *reader) readReals(vr VR, length uint32) *Element {
	if vr == VRDS {
		raw := strings.TrimRight(r.d.ReadString(int(length)), " \x00")
		if r.d.Error() != nil {
			return nil
		}
		if raw == "" {
			return NewEmptyElement(vr)
		}
		var values []float64
		for _, part := range strings.Split(raw, "\\") {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				r.d.SetError(fmt.Errorf("dicom: bad DS value %q: %v", part, err))
				return nil
			}
			values = append(values, v)
		}
		return &Element{VR: vr, Value: NewRealsValue(values...)}
	}
	width := vr.width()
	if int(length)%width != 0 {
		r.d.SetError(fmt.Errorf("dicom: VR %s length %d not a multiple of %d", vr, length, width))
		return nil
	}
	var values []float64
	for i := 0; i < int(length)/width; i++ {
		switch vr {
		case VRFL:
			values = append(values, float64(r.d.ReadFloat32()))
		case VRFD:
			values = append(values, r.d.ReadFloat64())
		default:
			r.d.SetError(fmt.Errorf("dicom: unhandled real VR %s", vr))
			return nil
		}
	}
	if r.d.Error() != nil {
		return nil
	}
	return &Element{VR: vr, Value: NewRealsValue(values...)}
}

func (r *reader) readSequence(length uint32) []*DataSet {
	var items []*DataSet
	if length == undefinedLength {
		for r.d.Error() == nil {
			tag := r.readTag()
			itemLength := r.d.ReadUInt32()
			if r.d.Error() != nil {
				break
			}
			if tag == TagSequenceDelimitationItem {
				break
			}
			if tag != TagItem {
				r.d.SetError(fmt.Errorf("dicom: expected item tag in sequence, got %v", tag))
				break
			}
			items = append(items, r.readItem(itemLength))
		}
		return items
	}
	r.d.PushLimit(int64(length))
	defer r.d.PopLimit()
	for r.d.Len() > 0 && r.d.Error() == nil {
		tag := r.readTag()
		itemLength := r.d.ReadUInt32()
		if r.d.Error() != nil {
			break
		}
		if tag != TagItem {
			r.d.SetError(fmt.Errorf("dicom: expected item tag in sequence, got %v", tag))
			break
		}
		items = append(items, r.readItem(itemLength))
	}
	return items
}

func (r *reader) readItem(length uint32) *DataSet {
	item := &reader{d: r.d, cs: r.cs}
	ds := NewDataSet()
	if length == undefinedLength {
		for r.d.Error() == nil {
			tag := item.readTag()
			if r.d.Error() != nil {
				break
			}
			if tag == TagItemDelimitationItem {
				r.d.ReadUInt32()
				break
			}
			elem := item.readElementBody(tag)
			if r.d.Error() != nil {
				break
			}
			ds.Add(tag, elem)
			item.maybeUpdateCharset(tag, elem)
		}
		return ds
	}
	r.d.PushLimit(int64(length))
	defer r.d.PopLimit()
	for r.d.Len() > 0 && r.d.Error() == nil {
		tag := item.readTag()
		if r.d.Error() != nil {
			break
		}
		elem := item.readElementBody(tag)
		if r.d.Error() != nil {
			break
		}
		ds.Add(tag, elem)
		item.maybeUpdateCharset(tag, elem)
	}
	return ds
}

// readEncapsulated decodes undefined-length pixel data: a run of
// (FFFE,E000) fragments closed by (FFFE,E0DD). Zero-length fragments,
// including an empty basic offset table, are preserved as empty
// buffers.
func (r *reader) readEncapsulated() [][]byte {
	var fragments [][]byte
	for r.d.Error() == nil {
		tag := r.readTag()
		length := r.d.ReadUInt32()
		if r.d.Error() != nil {
			break
		}
		if tag == TagSequenceDelimitationItem {
			break
		}
		if tag != TagItem {
			r.d.SetError(fmt.Errorf("dicom: expected fragment tag in pixel data, got %v", tag))
			break
		}
		if length == undefinedLength {
			r.d.SetError(fmt.Errorf("dicom: pixel data fragment with undefined length"))
			break
		}
		fragments = append(fragments, r.d.ReadBytes(int(length)))
	}
	return fragments
}
