package dicom

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lamyj/dimsenet/dicom/dicomio"
)

// WriteDataSet encodes ds to e. When ds carries a transfer syntax it
// takes effect for the duration of the write; otherwise the encoder's
// current mode is used.
func WriteDataSet(e *dicomio.Encoder, ds *DataSet) {
	WriteDataSetInTransferSyntax(e, ds, ds.TransferSyntax)
}

// WriteDataSetInTransferSyntax encodes ds under the given transfer
// syntax regardless of ds.TransferSyntax, as when sending under a
// negotiated presentation context. An empty UID keeps the encoder's
// current mode.
func WriteDataSetInTransferSyntax(e *dicomio.Encoder, ds *DataSet, transferSyntaxUID string) {
	if transferSyntaxUID != "" {
		bo, implicit, err := dicomio.ParseTransferSyntaxUID(transferSyntaxUID)
		if err != nil {
			e.SetError(err)
			return
		}
		e.PushTransferSyntax(bo, implicit)
		defer e.PopTransferSyntax()
	}
	w := &writer{e: e, active: make(map[*DataSet]bool)}
	w.writeElements(ds)
}

type writer struct {
	e *dicomio.Encoder
	// Data sets on the current recursion path, to reject cycles through
	// shared SQ items.
	active map[*DataSet]bool
}

func (w *writer) writeElements(ds *DataSet) {
	if w.active[ds] {
		w.e.SetError(fmt.Errorf("dicom: cycle detected through nested data set"))
		return
	}
	w.active[ds] = true
	defer delete(w.active, ds)
	for _, tag := range ds.Tags() {
		elem, _ := ds.Get(tag)
		w.writeElement(tag, elem)
		if w.e.Error() != nil {
			return
		}
	}
}

func (w *writer) writeElement(tag Tag, elem *Element) {
	switch elem.Value.Kind() {
	case DataSets:
		w.writeSequence(tag, elem)
	case Binary:
		w.writeBinary(tag, elem)
	default:
		data := w.valueBytes(elem)
		if w.e.Error() != nil {
			return
		}
		if len(data)%2 == 1 {
			data = append(data, elem.VR.Padding())
		}
		w.writeHeader(tag, elem.VR, uint32(len(data)))
		w.e.WriteBytes(data)
	}
}

// writeHeader emits tag, VR and length per the active encoding mode.
func (w *writer) writeHeader(tag Tag, vr VR, length uint32) {
	w.e.WriteUInt16(tag.Group)
	w.e.WriteUInt16(tag.Element)
	_, implicit := w.e.TransferSyntax()
	if implicit == dicomio.ImplicitVR {
		w.e.WriteUInt32(length)
		return
	}
	w.e.WriteString(string(vr))
	if vr.IsLongLength() {
		w.e.WriteZeros(2)
		w.e.WriteUInt32(length)
		return
	}
	if length > 0xffff {
		w.e.SetError(fmt.Errorf("dicom: value of %d bytes too large for short VR %s at %v", length, vr, tag))
		return
	}
	w.e.WriteUInt16(uint16(length))
}

// writeItemHeader emits a group-FFFE framing tag, always tag plus
// 32-bit length regardless of VR mode.
func (w *writer) writeItemHeader(tag Tag, length uint32) {
	w.e.WriteUInt16(tag.Group)
	w.e.WriteUInt16(tag.Element)
	w.e.WriteUInt32(length)
}

// writeSequence always emits the undefined-length form: items framed by
// (FFFE,E000)/(FFFE,E00D) and the sequence closed by (FFFE,E0DD).
// Readers accept both length forms, so round-tripping is preserved.
func (w *writer) writeSequence(tag Tag, elem *Element) {
	items, err := elem.Value.DataSets()
	if err != nil {
		w.e.SetError(err)
		return
	}
	w.writeHeader(tag, VRSQ, undefinedLength)
	for _, item := range items {
		w.writeItemHeader(TagItem, undefinedLength)
		w.writeElements(item)
		w.writeItemHeader(TagItemDelimitationItem, 0)
	}
	w.writeItemHeader(TagSequenceDelimitationItem, 0)
}

// writeBinary emits a single buffer natively and multiple buffers as
// encapsulated fragments under an undefined length.
func (w *writer) writeBinary(tag Tag, elem *Element) {
	buffers, err := elem.Value.Binary()
	if err != nil {
		w.e.SetError(err)
		return
	}
	if len(buffers) == 1 {
		data := buffers[0]
		if len(data)%2 == 1 {
			data = append(append([]byte{}, data...), elem.VR.Padding())
		}
		w.writeHeader(tag, elem.VR, uint32(len(data)))
		w.e.WriteBytes(data)
		return
	}
	w.writeHeader(tag, elem.VR, undefinedLength)
	for _, fragment := range buffers {
		if len(fragment)%2 == 1 {
			w.e.SetError(fmt.Errorf("dicom: odd-length fragment of %d bytes at %v", len(fragment), tag))
			return
		}
		w.writeItemHeader(TagItem, uint32(len(fragment)))
		w.e.WriteBytes(fragment)
	}
	w.writeItemHeader(TagSequenceDelimitationItem, 0)
}

// valueBytes encodes a non-SQ, non-binary value under the active byte
// order, without padding.
func (w *writer) valueBytes(elem *Element) []byte {
	bo, implicit := w.e.TransferSyntax()
	sub := dicomio.NewBytesEncoder(bo, implicit)
	switch elem.Value.Kind() {
	case Strings:
		values, _ := elem.Value.Strings()
		sub.WriteString(strings.Join(values, "\\"))
	case Ints:
		w.writeInts(sub, elem)
	case Reals:
		w.writeReals(sub, elem)
	}
	if err := sub.Finish(); err != nil {
		w.e.SetError(err)
		return nil
	}
	return sub.Bytes()
}

func (w *writer) writeInts(sub *dicomio.Encoder, elem *Element) {
	values, _ := elem.Value.Ints()
	if elem.VR == VRIS {
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = strconv.FormatInt(v, 10)
		}
		sub.WriteString(strings.Join(parts, "\\"))
		return
	}
	for _, v := range values {
		switch elem.VR {
		case VRUS:
			if v < 0 || v > 0xffff {
				w.e.SetError(fmt.Errorf("dicom: US value %d out of range", v))
				return
			}
			sub.WriteUInt16(uint16(v))
		case VRSS:
			if v < -0x8000 || v > 0x7fff {
				w.e.SetError(fmt.Errorf("dicom: SS value %d out of range", v))
				return
			}
			sub.WriteInt16(int16(v))
		case VRUL:
			if v < 0 || v > 0xffffffff {
				w.e.SetError(fmt.Errorf("dicom: UL value %d out of range", v))
				return
			}
			sub.WriteUInt32(uint32(v))
		case VRSL:
			if v < -0x80000000 || v > 0x7fffffff {
				w.e.SetError(fmt.Errorf("dicom: SL value %d out of range", v))
				return
			}
			sub.WriteInt32(int32(v))
		case VRAT:
			if v < 0 || v > 0xffffffff {
				w.e.SetError(fmt.Errorf("dicom: AT value %d out of range", v))
				return
			}
			sub.WriteUInt16(uint16(v >> 16))
			sub.WriteUInt16(uint16(v & 0xffff))
		default:
			w.e.SetError(fmt.Errorf("dicom: unhandled integer VR %s", elem.VR))
			return
		}
	}
}

func (w *writer) writeReals(sub *dicomio.Encoder, elem *Element) {
	values, _ := elem.Value.Reals()
	if elem.VR == VRDS {
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		sub.WriteString(strings.Join(parts, "\\"))
		return
	}
	for _, v := range values {
		switch elem.VR {
		case VRFL:
			sub.WriteFloat32(float32(v))
		case VRFD:
			sub.WriteFloat64(v)
		default:
			w.e.SetError(fmt.Errorf("dicom: unhandled real VR %s", elem.VR))
			return
		}
	}
}
