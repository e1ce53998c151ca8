// Package pdu implements the DICOM upper layer protocol data units
// exchanged over a TCP association, below the DIMSE layer.
package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lamyj/dimsenet/dicom/dicomio"
)

// PDU is a DICOM upper layer protocol data unit: A-ASSOCIATE-RQ/AC/RJ,
// P-DATA-TF, A-RELEASE-RQ/RP, or A-ABORT.
type PDU interface {
	fmt.Stringer
	// WritePayload serializes everything after the 6-byte header
	// common to all PDU types; EncodePDU emits that header.
	WritePayload(*dicomio.Encoder)
}

// PDUType is the first byte of the PDU header.
type PDUType byte

const (
	PDUTypeA_ASSOCIATE_RQ PDUType = 1
	PDUTypeA_ASSOCIATE_AC PDUType = 2
	PDUTypeA_ASSOCIATE_RJ PDUType = 3
	PDUTypeP_DATA_TF      PDUType = 4
	PDUTypeA_RELEASE_RQ   PDUType = 5
	PDUTypeA_RELEASE_RP   PDUType = 6
	PDUTypeA_ABORT        PDUType = 7
)

// CurrentProtocolVersion is the only defined upper layer protocol
// version.
const CurrentProtocolVersion uint16 = 1

// EncodePDU serializes a PDU, header included.
func EncodePDU(pdu PDU) ([]byte, error) {
	var pduType PDUType
	switch n := pdu.(type) {
	case *A_ASSOCIATE:
		pduType = n.Type
	case *A_ASSOCIATE_RJ:
		pduType = PDUTypeA_ASSOCIATE_RJ
	case *P_DATA_TF:
		pduType = PDUTypeP_DATA_TF
	case *A_RELEASE_RQ:
		pduType = PDUTypeA_RELEASE_RQ
	case *A_RELEASE_RP:
		pduType = PDUTypeA_RELEASE_RP
	case *A_ABORT:
		pduType = PDUTypeA_ABORT
	default:
		return nil, fmt.Errorf("pdu: cannot encode %T", pdu)
	}
	e := dicomio.NewBytesEncoder(binary.BigEndian, dicomio.UnknownVR)
	pdu.WritePayload(e)
	if err := e.Error(); err != nil {
		return nil, err
	}
	payload := e.Bytes()
	var header [6]byte
	header[0] = byte(pduType)
	header[1] = 0
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))
	return append(header[:], payload...), nil
}

// ReadPDU reads and parses one PDU from in. The length field is
// bounded by maxPDUSize (with slack) so that a corrupt stream cannot
// cause an oversized allocation.
func ReadPDU(in io.Reader, maxPDUSize uint32) (PDU, error) {
	var header [6]byte
	if _, err := io.ReadFull(in, header[:]); err != nil {
		return nil, err
	}
	pduType := PDUType(header[0])
	length := binary.BigEndian.Uint32(header[2:6])
	if length >= maxPDUSize*2 {
		return nil, fmt.Errorf("pdu: length %d exceeds twice the maximum PDU size %d", length, maxPDUSize)
	}
	d := dicomio.NewDecoder(in, int64(length), binary.BigEndian, dicomio.UnknownVR)
	var pdu PDU
	switch pduType {
	case PDUTypeA_ASSOCIATE_RQ, PDUTypeA_ASSOCIATE_AC:
		pdu = decodeA_ASSOCIATE(d, pduType)
	case PDUTypeA_ASSOCIATE_RJ:
		pdu = decodeA_ASSOCIATE_RJ(d)
	case PDUTypeP_DATA_TF:
		pdu = decodeP_DATA_TF(d)
	case PDUTypeA_RELEASE_RQ:
		pdu = decodeA_RELEASE_RQ(d)
	case PDUTypeA_RELEASE_RP:
		pdu = decodeA_RELEASE_RP(d)
	case PDUTypeA_ABORT:
		pdu = decodeA_ABORT(d)
	default:
		return nil, fmt.Errorf("pdu: unknown PDU type 0x%02x", byte(pduType))
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return pdu, nil
}

// A_ASSOCIATE is an A-ASSOCIATE-RQ or -AC, distinguished by Type. The
// two share a payload layout.
type A_ASSOCIATE struct {
	Type            PDUType
	ProtocolVersion uint16
	CalledAETitle   string // In an AC, echoed from the RQ.
	CallingAETitle  string
	Items           []SubItem
}

func decodeA_ASSOCIATE(d *dicomio.Decoder, pduType PDUType) *A_ASSOCIATE {
	pdu := &A_ASSOCIATE{Type: pduType}
	pdu.ProtocolVersion = d.ReadUInt16()
	d.Skip(2)
	pdu.CalledAETitle = trimAETitle(d.ReadString(16))
	pdu.CallingAETitle = trimAETitle(d.ReadString(16))
	d.Skip(32)
	for d.Len() > 0 {
		item := decodeSubItem(d)
		if d.Error() != nil {
			break
		}
		pdu.Items = append(pdu.Items, item)
	}
	if pdu.CalledAETitle == "" || pdu.CallingAETitle == "" {
		d.SetError(fmt.Errorf("pdu: empty AE title in %v", pdu))
	}
	return pdu
}

func (pdu *A_ASSOCIATE) WritePayload(e *dicomio.Encoder) {
	if pdu.Type == 0 || pdu.CalledAETitle == "" || pdu.CallingAETitle == "" {
		e.SetError(fmt.Errorf("pdu: incomplete A_ASSOCIATE %v", pdu))
		return
	}
	e.WriteUInt16(pdu.ProtocolVersion)
	e.WriteZeros(2)
	e.WriteString(fillAETitle(pdu.CalledAETitle))
	e.WriteString(fillAETitle(pdu.CallingAETitle))
	e.WriteZeros(32)
	for _, item := range pdu.Items {
		item.Write(e)
	}
}

func (pdu *A_ASSOCIATE) String() string {
	name := "AC"
	if pdu.Type == PDUTypeA_ASSOCIATE_RQ {
		name = "RQ"
	}
	return fmt.Sprintf("A_ASSOCIATE_%s{version: %d called: %q calling: %q items: %s}",
		name, pdu.ProtocolVersion, pdu.CalledAETitle, pdu.CallingAETitle,
		subItemListString(pdu.Items))
}

// A_ASSOCIATE_RJ rejects an association request.
type A_ASSOCIATE_RJ struct {
	Result byte
	Source byte
	Reason byte
}

// A_ASSOCIATE_RJ.Result values.
const (
	ResultRejectedPermanent = 1
	ResultRejectedTransient = 2
)

// A_ASSOCIATE_RJ.Source values.
const (
	SourceULServiceUser                 = 1
	SourceULServiceProviderACSE         = 2
	SourceULServiceProviderPresentation = 3
)

// A_ASSOCIATE_RJ.Reason values for SourceULServiceUser.
const (
	ReasonNone                               = 1
	ReasonApplicationContextNameNotSupported = 2
)

func decodeA_ASSOCIATE_RJ(d *dicomio.Decoder) *A_ASSOCIATE_RJ {
	pdu := &A_ASSOCIATE_RJ{}
	d.Skip(1)
	pdu.Result = d.ReadByte()
	pdu.Source = d.ReadByte()
	pdu.Reason = d.ReadByte()
	return pdu
}

func (pdu *A_ASSOCIATE_RJ) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(1)
	e.WriteByte(pdu.Result)
	e.WriteByte(pdu.Source)
	e.WriteByte(pdu.Reason)
}

func (pdu *A_ASSOCIATE_RJ) String() string {
	return fmt.Sprintf("A_ASSOCIATE_RJ{result: %d source: %d reason: %d}",
		pdu.Result, pdu.Source, pdu.Reason)
}

// A_RELEASE_RQ requests an orderly shutdown.
type A_RELEASE_RQ struct{}

func decodeA_RELEASE_RQ(d *dicomio.Decoder) *A_RELEASE_RQ {
	d.Skip(4)
	return &A_RELEASE_RQ{}
}

func (pdu *A_RELEASE_RQ) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(4)
}

func (pdu *A_RELEASE_RQ) String() string { return "A_RELEASE_RQ" }

// A_RELEASE_RP confirms an orderly shutdown.
type A_RELEASE_RP struct{}

func decodeA_RELEASE_RP(d *dicomio.Decoder) *A_RELEASE_RP {
	d.Skip(4)
	return &A_RELEASE_RP{}
}

func (pdu *A_RELEASE_RP) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(4)
}

func (pdu *A_RELEASE_RP) String() string { return "A_RELEASE_RP" }

// A_ABORT tears down the association immediately.
type A_ABORT struct {
	Source byte
	Reason byte
}

// A_ABORT.Source values.
const (
	AbortSourceServiceUser     = 0
	AbortSourceServiceProvider = 2
)

// A_ABORT.Reason values for AbortSourceServiceProvider.
const (
	AbortReasonNotSpecified        = 0
	AbortReasonUnrecognizedPDU     = 1
	AbortReasonUnexpectedPDU       = 2
	AbortReasonInvalidPDUParameter = 6
)

func decodeA_ABORT(d *dicomio.Decoder) *A_ABORT {
	pdu := &A_ABORT{}
	d.Skip(2)
	pdu.Source = d.ReadByte()
	pdu.Reason = d.ReadByte()
	return pdu
}

func (pdu *A_ABORT) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(2)
	e.WriteByte(pdu.Source)
	e.WriteByte(pdu.Reason)
}

func (pdu *A_ABORT) String() string {
	return fmt.Sprintf("A_ABORT{source: %d reason: %d}", pdu.Source, pdu.Reason)
}

// P_DATA_TF carries DIMSE fragments as presentation data values.
type P_DATA_TF struct {
	Items []PresentationDataValueItem
}

func decodeP_DATA_TF(d *dicomio.Decoder) *P_DATA_TF {
	pdu := &P_DATA_TF{}
	for d.Len() > 0 {
		item := ReadPresentationDataValueItem(d)
		if d.Error() != nil {
			break
		}
		pdu.Items = append(pdu.Items, item)
	}
	return pdu
}

func (pdu *P_DATA_TF) WritePayload(e *dicomio.Encoder) {
	for _, item := range pdu.Items {
		item.Write(e)
	}
}

func (pdu *P_DATA_TF) String() string {
	buf := bytes.Buffer{}
	buf.WriteString("P_DATA_TF{items: [")
	for i, item := range pdu.Items {
		if i > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(item.String())
	}
	buf.WriteString("]}")
	return buf.String()
}

// PresentationDataValueItem is one fragment of a DIMSE command or data
// set, tagged with its presentation context.
type PresentationDataValueItem struct {
	ContextID byte

	// The two flags pack into the message control header byte: bit 0
	// distinguishes command from data fragments, bit 1 marks the last
	// fragment of the stream.
	Command bool
	Last    bool

	Value []byte
}

// ReadPresentationDataValueItem parses one PDV item, header included.
func ReadPresentationDataValueItem(d *dicomio.Decoder) PresentationDataValueItem {
	item := PresentationDataValueItem{}
	length := d.ReadUInt32()
	if length < 2 {
		d.SetError(fmt.Errorf("pdu: PDV item length %d too small", length))
		return item
	}
	item.ContextID = d.ReadByte()
	header := d.ReadByte()
	item.Command = header&1 != 0
	item.Last = header&2 != 0
	if header&0xfc != 0 {
		d.SetError(fmt.Errorf("pdu: PDV message control header has reserved bits set: 0x%02x", header))
		return item
	}
	item.Value = d.ReadBytes(int(length - 2))
	return item
}

func (v *PresentationDataValueItem) Write(e *dicomio.Encoder) {
	var header byte
	if v.Command {
		header |= 1
	}
	if v.Last {
		header |= 2
	}
	e.WriteUInt32(uint32(2 + len(v.Value)))
	e.WriteByte(v.ContextID)
	e.WriteByte(header)
	e.WriteBytes(v.Value)
}

func (v *PresentationDataValueItem) String() string {
	return fmt.Sprintf("pdv{context: %d cmd: %v last: %v value: %d bytes}",
		v.ContextID, v.Command, v.Last, len(v.Value))
}

// fillAETitle pads or truncates an application entity title to the
// fixed 16-byte field width.
func fillAETitle(v string) string {
	if len(v) > 16 {
		return v[:16]
	}
	return v + string(bytes.Repeat([]byte{' '}, 16-len(v)))
}

func trimAETitle(v string) string {
	return string(bytes.TrimRight([]byte(v), " \x00"))
}
