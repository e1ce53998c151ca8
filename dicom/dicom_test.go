package dicom

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/lamyj/dimsenet/dicom/dicomio"
	"github.com/lamyj/dimsenet/dicom/dicomuid"
)

var allTransferSyntaxes = []string{
	dicomuid.ImplicitVRLittleEndian,
	dicomuid.ExplicitVRLittleEndian,
	dicomuid.ExplicitVRBigEndian,
}

func encodeDataSet(t *testing.T, ds *DataSet, transferSyntaxUID string) []byte {
	t.Helper()
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
	WriteDataSetInTransferSyntax(e, ds, transferSyntaxUID)
	if err := e.Finish(); err != nil {
		t.Fatalf("encoding under %s: %v", transferSyntaxUID, err)
	}
	return e.Bytes()
}

func decodeDataSet(t *testing.T, data []byte, transferSyntaxUID string) *DataSet {
	t.Helper()
	d := dicomio.NewBytesDecoder(data, binary.LittleEndian, dicomio.ExplicitVR)
	ds, err := ReadDataSet(d, transferSyntaxUID)
	if err != nil {
		t.Fatalf("decoding under %s: %v", transferSyntaxUID, err)
	}
	return ds
}

func mustString(t *testing.T, vr VR, v ...string) *Element {
	t.Helper()
	elem, err := NewStringElement(vr, v...)
	if err != nil {
		t.Fatal(err)
	}
	return elem
}

func TestRoundTripTransferSyntaxes(t *testing.T) {
	ds := NewDataSet()
	ds.Add(Tag{0x0008, 0x0008}, mustString(t, VRCS, "ORIGINAL", "PRIMARY"))
	ds.Add(TagModality, mustString(t, VRCS, "OT"))
	ds.Add(TagPatientName, mustString(t, VRPN, "Doe^John"))
	ds.Add(TagPatientID, mustString(t, VRLO, "PATID1"))
	ds.Add(TagStudyInstanceUID, mustString(t, VRUI, "1.2.3.4.5.6"))
	rows, err := NewIntElement(VRUS, 8)
	if err != nil {
		t.Fatal(err)
	}
	ds.Add(Tag{0x0028, 0x0010}, rows)
	series, err := NewIntElement(VRIS, 3)
	if err != nil {
		t.Fatal(err)
	}
	ds.Add(Tag{0x0020, 0x0011}, series)
	pixels, err := NewBinaryElement(VROW, []byte{0, 1, 2, 3, 4, 5, 6, 7})
	if err != nil {
		t.Fatal(err)
	}
	ds.Add(TagPixelData, pixels)

	for _, uid := range allTransferSyntaxes {
		data := encodeDataSet(t, ds, uid)
		out := decodeDataSet(t, data, uid)
		ds.TransferSyntax = uid
		if !ds.Equal(out) {
			t.Errorf("round trip under %s changed data set:\n got %v\nwant %v", uid, out, ds)
		}
	}
}

func TestNumericVRRoundTrip(t *testing.T) {
	ds := NewDataSet()
	add := func(tag Tag, elem *Element, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		ds.Add(tag, elem)
	}
	e, err := NewRealElement(VRDS, 1.5, -2.25)
	add(Tag{0x0018, 0x0050}, e, err)
	e, err = NewRealElement(VRFD, 3.141592653589793)
	add(Tag{0x0018, 0x0088}, e, err)
	e, err = NewRealElement(VRFL, 0.5)
	add(Tag{0x0018, 0x1041}, e, err)
	e, err = NewIntElement(VRSS, -123, 456)
	add(Tag{0x0018, 0x1310}, e, err)
	e, err = NewIntElement(VRUL, 0xdeadbeef)
	add(Tag{0x0018, 0x1320}, e, err)
	e, err = NewIntElement(VRSL, -100000)
	add(Tag{0x0018, 0x1330}, e, err)
	e, err = NewIntElement(VRAT, int64(0x00100010))
	add(Tag{0x0018, 0x1340}, e, err)

	for _, uid := range []string{dicomuid.ExplicitVRLittleEndian, dicomuid.ExplicitVRBigEndian} {
		data := encodeDataSet(t, ds, uid)
		out := decodeDataSet(t, data, uid)
		ds.TransferSyntax = uid
		if !ds.Equal(out) {
			t.Errorf("round trip under %s changed data set:\n got %v\nwant %v", uid, out, ds)
		}
	}
}

func TestOddLengthPadding(t *testing.T) {
	ds := NewDataSet()
	ds.Add(TagPatientID, mustString(t, VRLO, "ODD"))
	data := encodeDataSet(t, ds, dicomuid.ExplicitVRLittleEndian)
	// tag(4) + VR(2) + length(2) + padded value(4).
	if len(data) != 12 {
		t.Fatalf("encoded element is %d bytes, want 12", len(data))
	}
	if length := binary.LittleEndian.Uint16(data[6:8]); length != 4 {
		t.Errorf("odd value encoded with length %d, want 4", length)
	}
	if data[11] != ' ' {
		t.Errorf("LO padded with %#x, want space", data[11])
	}

	ds = NewDataSet()
	ds.Add(TagSOPInstanceUID, mustString(t, VRUI, "1.2.3"))
	data = encodeDataSet(t, ds, dicomuid.ExplicitVRLittleEndian)
	if data[len(data)-1] != 0 {
		t.Errorf("UI padded with %#x, want NUL", data[len(data)-1])
	}
	out := decodeDataSet(t, data, dicomuid.ExplicitVRLittleEndian)
	if v, err := out.GetString(TagSOPInstanceUID); err != nil || v != "1.2.3" {
		t.Errorf("padding not trimmed on decode: %q, %v", v, err)
	}
}

func TestSequenceRoundTrip(t *testing.T) {
	item1 := NewDataSet()
	item1.Add(TagPatientID, mustString(t, VRLO, "NESTED1"))
	item2 := NewDataSet()
	item2.Add(TagPatientID, mustString(t, VRLO, "NESTED2"))
	inner := NewDataSet()
	inner.Add(TagPatientName, mustString(t, VRPN, "Deep^Down"))
	innerSeq, err := NewDataSetElement(VRSQ, inner)
	if err != nil {
		t.Fatal(err)
	}
	item2.Add(Tag{0x0008, 0x1115}, innerSeq)

	ds := NewDataSet()
	seq, err := NewDataSetElement(VRSQ, item1, item2)
	if err != nil {
		t.Fatal(err)
	}
	ds.Add(Tag{0x0008, 0x1110}, seq)

	for _, uid := range allTransferSyntaxes {
		data := encodeDataSet(t, ds, uid)
		out := decodeDataSet(t, data, uid)
		ds.TransferSyntax = uid
		if !ds.Equal(out) {
			t.Errorf("sequence round trip under %s changed data set:\n got %v\nwant %v", uid, out, ds)
		}
	}
}

// Sequences and items are written with undefined lengths, but the
// defined-length forms must decode to the same data set.
func TestSequenceExplicitLengthRead(t *testing.T) {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	e.WriteUInt16(0x0008)
	e.WriteUInt16(0x1110)
	e.WriteUInt32(18) // one item header plus its 10-byte content
	e.WriteUInt16(TagItem.Group)
	e.WriteUInt16(TagItem.Element)
	e.WriteUInt32(10)
	e.WriteUInt16(TagPatientID.Group)
	e.WriteUInt16(TagPatientID.Element)
	e.WriteUInt32(2)
	e.WriteString("AB")
	if err := e.Finish(); err != nil {
		t.Fatal(err)
	}
	out := decodeDataSet(t, e.Bytes(), dicomuid.ImplicitVRLittleEndian)
	items, err := out.GetDataSets(Tag{0x0008, 0x1110})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if v, err := items[0].GetString(TagPatientID); err != nil || v != "AB" {
		t.Errorf("item element = %q, %v; want \"AB\"", v, err)
	}
}

func TestEncapsulatedPixelData(t *testing.T) {
	// First fragment is an empty basic offset table.
	fragments := [][]byte{{}, {1, 2, 3, 4}, {5, 6}}
	elem, err := NewBinaryElement(VROB, fragments...)
	if err != nil {
		t.Fatal(err)
	}
	ds := NewDataSet()
	ds.Add(TagPixelData, elem)
	data := encodeDataSet(t, ds, dicomuid.ExplicitVRLittleEndian)
	out := decodeDataSet(t, data, dicomuid.ExplicitVRLittleEndian)
	got, err := out.GetBinary(TagPixelData)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(fragments) {
		t.Fatalf("got %d fragments, want %d", len(got), len(fragments))
	}
	for i := range fragments {
		if !bytes.Equal(got[i], fragments[i]) {
			t.Errorf("fragment %d = %v, want %v", i, got[i], fragments[i])
		}
	}
}

func TestEncapsulatedOddFragmentFails(t *testing.T) {
	elem, err := NewBinaryElement(VROB, []byte{}, []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	ds := NewDataSet()
	ds.Add(TagPixelData, elem)
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
	WriteDataSetInTransferSyntax(e, ds, dicomuid.ExplicitVRLittleEndian)
	if err := e.Finish(); err == nil {
		t.Error("odd-length fragment should fail to encode")
	}
}

func TestNumericStringParsing(t *testing.T) {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
	e.WriteUInt16(0x0020)
	e.WriteUInt16(0x0011)
	e.WriteString("IS")
	e.WriteUInt16(6)
	e.WriteString(" 12\\34")
	e.WriteUInt16(0x0018)
	e.WriteUInt16(0x0050)
	e.WriteString("DS")
	e.WriteUInt16(8)
	e.WriteString("1.5\\2.25")
	if err := e.Finish(); err != nil {
		t.Fatal(err)
	}
	out := decodeDataSet(t, e.Bytes(), dicomuid.ExplicitVRLittleEndian)
	ints, err := out.GetInts(Tag{0x0020, 0x0011})
	if err != nil {
		t.Fatal(err)
	}
	if len(ints) != 2 || ints[0] != 12 || ints[1] != 34 {
		t.Errorf("IS values = %v, want [12 34]", ints)
	}
	reals, err := out.GetReals(Tag{0x0018, 0x0050})
	if err != nil {
		t.Fatal(err)
	}
	if len(reals) != 2 || reals[0] != 1.5 || reals[1] != 2.25 {
		t.Errorf("DS values = %v, want [1.5 2.25]", reals)
	}
}

func TestSpecificCharacterSetLatin1(t *testing.T) {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
	e.WriteUInt16(TagSpecificCharacterSet.Group)
	e.WriteUInt16(TagSpecificCharacterSet.Element)
	e.WriteString("CS")
	e.WriteUInt16(10)
	e.WriteString("ISO_IR 100")
	e.WriteUInt16(TagPatientName.Group)
	e.WriteUInt16(TagPatientName.Element)
	e.WriteString("PN")
	e.WriteUInt16(4)
	e.WriteBytes([]byte{'J', 'o', 's', 0xe9})
	if err := e.Finish(); err != nil {
		t.Fatal(err)
	}
	out := decodeDataSet(t, e.Bytes(), dicomuid.ExplicitVRLittleEndian)
	name, err := out.GetString(TagPatientName)
	if err != nil {
		t.Fatal(err)
	}
	if name != "José" {
		t.Errorf("latin-1 name decoded as %q, want %q", name, "José")
	}
}

func TestImplicitUnknownTagDecodesAsUN(t *testing.T) {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	e.WriteUInt16(0x0009)
	e.WriteUInt16(0x0010)
	e.WriteUInt32(2)
	e.WriteString("AB")
	if err := e.Finish(); err != nil {
		t.Fatal(err)
	}
	out := decodeDataSet(t, e.Bytes(), dicomuid.ImplicitVRLittleEndian)
	elem, err := out.Get(Tag{0x0009, 0x0010})
	if err != nil {
		t.Fatal(err)
	}
	if elem.VR != VRUN {
		t.Errorf("private tag decoded as %s, want UN", elem.VR)
	}
	raw, err := elem.Value.Binary()
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 1 || !bytes.Equal(raw[0], []byte("AB")) {
		t.Errorf("private tag value = %v, want [AB]", raw)
	}
}

func TestEmptyDataSet(t *testing.T) {
	data := encodeDataSet(t, NewDataSet(), dicomuid.ExplicitVRLittleEndian)
	if len(data) != 0 {
		t.Errorf("empty data set encoded to %d bytes, want 0", len(data))
	}
	out := decodeDataSet(t, nil, dicomuid.ExplicitVRLittleEndian)
	if out.Len() != 0 {
		t.Errorf("decoding zero bytes gave %d elements, want 0", out.Len())
	}
}

func TestWriteCycleFails(t *testing.T) {
	item := NewDataSet()
	seq, err := NewDataSetElement(VRSQ, item)
	if err != nil {
		t.Fatal(err)
	}
	item.Add(Tag{0x0008, 0x1110}, seq)
	ds := NewDataSet()
	ds.Add(Tag{0x0008, 0x1110}, seq)
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
	WriteDataSetInTransferSyntax(e, ds, dicomuid.ExplicitVRLittleEndian)
	if err := e.Finish(); err == nil {
		t.Error("cyclic sequence should fail to encode")
	}
}

func TestTruncatedValueFails(t *testing.T) {
	ds := NewDataSet()
	ds.Add(TagPatientID, mustString(t, VRLO, "PATID1"))
	data := encodeDataSet(t, ds, dicomuid.ExplicitVRLittleEndian)
	d := dicomio.NewBytesDecoder(data[:len(data)-2], binary.LittleEndian, dicomio.ExplicitVR)
	if _, err := ReadDataSet(d, dicomuid.ExplicitVRLittleEndian); err == nil {
		t.Error("truncated value should fail to decode")
	}
}

func FuzzReadDataSet(f *testing.F) {
	ds := NewDataSet()
	elem, err := NewStringElement(VRPN, "Doe^John")
	if err != nil {
		f.Fatal(err)
	}
	ds.Add(TagPatientName, elem)
	item := NewDataSet()
	item.Add(TagPatientID, elem)
	seq, err := NewDataSetElement(VRSQ, item)
	if err != nil {
		f.Fatal(err)
	}
	ds.Add(Tag{0x0008, 0x1110}, seq)
	for _, uid := range allTransferSyntaxes {
		e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
		WriteDataSetInTransferSyntax(e, ds, uid)
		if err := e.Finish(); err != nil {
			f.Fatal(err)
		}
		f.Add(e.Bytes())
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		for _, uid := range allTransferSyntaxes {
			d := dicomio.NewBytesDecoder(data, binary.LittleEndian, dicomio.ExplicitVR)
			ds, err := ReadDataSet(d, uid)
			if err == nil {
				_ = ds.String()
			}
		}
	})
}
