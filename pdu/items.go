package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lamyj/dimsenet/dicom/dicomio"
)

// SubItem is a variable item inside an A-ASSOCIATE PDU or a user
// information item: application context, presentation context,
// abstract/transfer syntax, and the user-information sub-items.
type SubItem interface {
	fmt.Stringer
	Write(*dicomio.Encoder)
}

// Type field values for SubItem.
const (
	ItemTypeApplicationContext           = 0x10
	ItemTypePresentationContextRequest   = 0x20
	ItemTypePresentationContextResponse  = 0x21
	ItemTypeAbstractSyntax               = 0x30
	ItemTypeTransferSyntax               = 0x40
	ItemTypeUserInformation              = 0x50
	ItemTypeUserInformationMaximumLength = 0x51
	ItemTypeImplementationClassUID       = 0x52
	ItemTypeAsynchronousOperationsWindow = 0x53
	ItemTypeRoleSelection                = 0x54
	ItemTypeImplementationVersionName    = 0x55
	ItemTypeUserIdentityRequest          = 0x58
	ItemTypeUserIdentityResponse         = 0x59
)

func decodeSubItem(d *dicomio.Decoder) SubItem {
	itemType := d.ReadByte()
	d.Skip(1)
	length := d.ReadUInt16()
	switch itemType {
	case ItemTypeApplicationContext:
		return &ApplicationContextItem{Name: decodeSubItemWithName(d, length)}
	case ItemTypeAbstractSyntax:
		return &AbstractSyntaxSubItem{Name: decodeSubItemWithName(d, length)}
	case ItemTypeTransferSyntax:
		return &TransferSyntaxSubItem{Name: decodeSubItemWithName(d, length)}
	case ItemTypePresentationContextRequest, ItemTypePresentationContextResponse:
		return decodePresentationContextItem(d, itemType, length)
	case ItemTypeUserInformation:
		return decodeUserInformationItem(d, length)
	case ItemTypeUserInformationMaximumLength:
		return decodeUserInformationMaximumLengthItem(d, length)
	case ItemTypeImplementationClassUID:
		return &ImplementationClassUIDSubItem{Name: decodeSubItemWithName(d, length)}
	case ItemTypeAsynchronousOperationsWindow:
		return decodeAsynchronousOperationsWindowSubItem(d, length)
	case ItemTypeRoleSelection:
		return decodeRoleSelectionSubItem(d, length)
	case ItemTypeImplementationVersionName:
		return &ImplementationVersionNameSubItem{Name: decodeSubItemWithName(d, length)}
	case ItemTypeUserIdentityRequest, ItemTypeUserIdentityResponse:
		return &UserIdentitySubItem{Type: itemType, Data: d.ReadBytes(int(length))}
	default:
		d.SetError(fmt.Errorf("pdu: unknown sub-item type 0x%02x", itemType))
		return nil
	}
}

func encodeSubItemHeader(e *dicomio.Encoder, itemType byte, length uint16) {
	e.WriteByte(itemType)
	e.WriteZeros(1)
	e.WriteUInt16(length)
}

type subItemWithName struct {
	Name string
}

func encodeSubItemWithName(e *dicomio.Encoder, itemType byte, name string) {
	encodeSubItemHeader(e, itemType, uint16(len(name)))
	e.WriteString(name)
}

func decodeSubItemWithName(d *dicomio.Decoder, length uint16) string {
	return d.ReadString(int(length))
}

// ApplicationContextItem names the application context; for DICOM this
// is always the same UID.
type ApplicationContextItem subItemWithName

func (v *ApplicationContextItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeApplicationContext, v.Name)
}

func (v *ApplicationContextItem) String() string {
	return fmt.Sprintf("applicationcontext{name: %q}", v.Name)
}

// AbstractSyntaxSubItem names the SOP class of a proposed presentation
// context.
type AbstractSyntaxSubItem subItemWithName

func (v *AbstractSyntaxSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeAbstractSyntax, v.Name)
}

func (v *AbstractSyntaxSubItem) String() string {
	return fmt.Sprintf("abstractsyntax{name: %q}", v.Name)
}

// TransferSyntaxSubItem names one encoding offered or chosen for a
// presentation context.
type TransferSyntaxSubItem subItemWithName

func (v *TransferSyntaxSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeTransferSyntax, v.Name)
}

func (v *TransferSyntaxSubItem) String() string {
	return fmt.Sprintf("transfersyntax{name: %q}", v.Name)
}

// PresentationContextResult is the per-context outcome reported in an
// A-ASSOCIATE-AC.
type PresentationContextResult byte

const (
	PresentationContextAccepted                                    PresentationContextResult = 0
	PresentationContextUserRejection                               PresentationContextResult = 1
	PresentationContextProviderRejectionNoReason                   PresentationContextResult = 2
	PresentationContextProviderRejectionAbstractSyntaxNotSupported PresentationContextResult = 3
	PresentationContextProviderRejectionTransferSyntaxNotSupported PresentationContextResult = 4
)

func (r PresentationContextResult) String() string {
	switch r {
	case PresentationContextAccepted:
		return "Accepted"
	case PresentationContextUserRejection:
		return "User rejection"
	case PresentationContextProviderRejectionNoReason:
		return "Provider rejection (no reason)"
	case PresentationContextProviderRejectionAbstractSyntaxNotSupported:
		return "Provider rejection (abstract syntax not supported)"
	case PresentationContextProviderRejectionTransferSyntaxNotSupported:
		return "Provider rejection (transfer syntax not supported)"
	}
	return fmt.Sprintf("PresentationContextResult(%d)", byte(r))
}

// PresentationContextItem is one proposed (type 0x20) or answered
// (type 0x21) presentation context.
type PresentationContextItem struct {
	Type      byte // ItemTypePresentationContext{Request,Response}
	ContextID byte // Odd, 1..255.

	// Meaningful only in responses; zero in requests.
	Result PresentationContextResult

	// Abstract and transfer syntax sub-items. Responses carry exactly
	// one transfer syntax and no abstract syntax.
	Items []SubItem
}

func decodePresentationContextItem(d *dicomio.Decoder, itemType byte, length uint16) *PresentationContextItem {
	v := &PresentationContextItem{Type: itemType}
	d.PushLimit(int64(length))
	defer d.PopLimit()
	v.ContextID = d.ReadByte()
	d.Skip(1)
	v.Result = PresentationContextResult(d.ReadByte())
	d.Skip(1)
	for d.Len() > 0 {
		item := decodeSubItem(d)
		if d.Error() != nil {
			break
		}
		v.Items = append(v.Items, item)
	}
	if v.ContextID%2 != 1 {
		d.SetError(fmt.Errorf("pdu: presentation context ID must be odd, got %d", v.ContextID))
	}
	return v
}

func (v *PresentationContextItem) Write(e *dicomio.Encoder) {
	if v.Type != ItemTypePresentationContextRequest &&
		v.Type != ItemTypePresentationContextResponse {
		e.SetError(fmt.Errorf("pdu: bad presentation context item type 0x%02x", v.Type))
		return
	}
	itemEncoder := dicomio.NewBytesEncoder(binary.BigEndian, dicomio.UnknownVR)
	for _, s := range v.Items {
		s.Write(itemEncoder)
	}
	if err := itemEncoder.Error(); err != nil {
		e.SetError(err)
		return
	}
	itemBytes := itemEncoder.Bytes()
	encodeSubItemHeader(e, v.Type, uint16(4+len(itemBytes)))
	e.WriteByte(v.ContextID)
	e.WriteZeros(1)
	e.WriteByte(byte(v.Result))
	e.WriteZeros(1)
	e.WriteBytes(itemBytes)
}

func (v *PresentationContextItem) String() string {
	kind := "rq"
	if v.Type == ItemTypePresentationContextResponse {
		kind = "ac"
	}
	return fmt.Sprintf("presentationcontext%s{id: %d result: %v items: %s}",
		kind, v.ContextID, v.Result, subItemListString(v.Items))
}

// UserInformationItem wraps the user-information sub-items of an
// A-ASSOCIATE PDU.
type UserInformationItem struct {
	Items []SubItem
}

func decodeUserInformationItem(d *dicomio.Decoder, length uint16) *UserInformationItem {
	v := &UserInformationItem{}
	d.PushLimit(int64(length))
	defer d.PopLimit()
	for d.Len() > 0 {
		item := decodeSubItem(d)
		if d.Error() != nil {
			break
		}
		v.Items = append(v.Items, item)
	}
	return v
}

func (v *UserInformationItem) Write(e *dicomio.Encoder) {
	itemEncoder := dicomio.NewBytesEncoder(binary.BigEndian, dicomio.UnknownVR)
	for _, s := range v.Items {
		s.Write(itemEncoder)
	}
	if err := itemEncoder.Error(); err != nil {
		e.SetError(err)
		return
	}
	itemBytes := itemEncoder.Bytes()
	encodeSubItemHeader(e, ItemTypeUserInformation, uint16(len(itemBytes)))
	e.WriteBytes(itemBytes)
}

func (v *UserInformationItem) String() string {
	return fmt.Sprintf("userinformation{items: %s}", subItemListString(v.Items))
}

// UserInformationMaximumLengthItem advertises the largest PDU the
// sender is willing to receive.
type UserInformationMaximumLengthItem struct {
	MaximumLengthReceived uint32
}

func decodeUserInformationMaximumLengthItem(d *dicomio.Decoder, length uint16) *UserInformationMaximumLengthItem {
	if length != 4 {
		d.SetError(fmt.Errorf("pdu: maximum length sub-item must be 4 bytes, got %d", length))
	}
	return &UserInformationMaximumLengthItem{MaximumLengthReceived: d.ReadUInt32()}
}

func (v *UserInformationMaximumLengthItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeUserInformationMaximumLength, 4)
	e.WriteUInt32(v.MaximumLengthReceived)
}

func (v *UserInformationMaximumLengthItem) String() string {
	return fmt.Sprintf("maximumlength{%d}", v.MaximumLengthReceived)
}

// ImplementationClassUIDSubItem identifies the sender's implementation.
type ImplementationClassUIDSubItem subItemWithName

func (v *ImplementationClassUIDSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeImplementationClassUID, v.Name)
}

func (v *ImplementationClassUIDSubItem) String() string {
	return fmt.Sprintf("implementationclassuid{name: %q}", v.Name)
}

// ImplementationVersionNameSubItem carries a free-form version string.
type ImplementationVersionNameSubItem subItemWithName

func (v *ImplementationVersionNameSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeImplementationVersionName, v.Name)
}

func (v *ImplementationVersionNameSubItem) String() string {
	return fmt.Sprintf("implementationversionname{name: %q}", v.Name)
}

// AsynchronousOperationsWindowSubItem negotiates the number of
// outstanding operations per direction.
type AsynchronousOperationsWindowSubItem struct {
	MaxOpsInvoked   uint16
	MaxOpsPerformed uint16
}

func decodeAsynchronousOperationsWindowSubItem(d *dicomio.Decoder, length uint16) *AsynchronousOperationsWindowSubItem {
	return &AsynchronousOperationsWindowSubItem{
		MaxOpsInvoked:   d.ReadUInt16(),
		MaxOpsPerformed: d.ReadUInt16(),
	}
}

func (v *AsynchronousOperationsWindowSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeAsynchronousOperationsWindow, 4)
	e.WriteUInt16(v.MaxOpsInvoked)
	e.WriteUInt16(v.MaxOpsPerformed)
}

func (v *AsynchronousOperationsWindowSubItem) String() string {
	return fmt.Sprintf("asyncopswindow{invoked: %d performed: %d}",
		v.MaxOpsInvoked, v.MaxOpsPerformed)
}

// RoleSelectionSubItem negotiates, per SOP class, whether each peer may
// act as SCU and/or SCP on the association.
type RoleSelectionSubItem struct {
	SOPClassUID string
	SCURole     byte // 1 if the sender supports the SCU role.
	SCPRole     byte // 1 if the sender supports the SCP role.
}

func decodeRoleSelectionSubItem(d *dicomio.Decoder, length uint16) *RoleSelectionSubItem {
	uidLength := d.ReadUInt16()
	return &RoleSelectionSubItem{
		SOPClassUID: d.ReadString(int(uidLength)),
		SCURole:     d.ReadByte(),
		SCPRole:     d.ReadByte(),
	}
}

func (v *RoleSelectionSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeRoleSelection, uint16(2+len(v.SOPClassUID)+1+1))
	e.WriteUInt16(uint16(len(v.SOPClassUID)))
	e.WriteString(v.SOPClassUID)
	e.WriteByte(v.SCURole)
	e.WriteByte(v.SCPRole)
}

func (v *RoleSelectionSubItem) String() string {
	return fmt.Sprintf("roleselection{sopclass: %q scu: %d scp: %d}",
		v.SOPClassUID, v.SCURole, v.SCPRole)
}

// UserIdentitySubItem carries a user identity negotiation request
// (type 0x58) or response (0x59). The payload is opaque to this
// library and is passed through unparsed.
type UserIdentitySubItem struct {
	Type byte
	Data []byte
}

func (v *UserIdentitySubItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, v.Type, uint16(len(v.Data)))
	e.WriteBytes(v.Data)
}

func (v *UserIdentitySubItem) String() string {
	return fmt.Sprintf("useridentity{type: 0x%02x data: %d bytes}", v.Type, len(v.Data))
}

// SubItemUnsupported holds a sub-item this package does not interpret.
type SubItemUnsupported struct {
	Type byte
	Data []byte
}

func (v *SubItemUnsupported) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, v.Type, uint16(len(v.Data)))
	e.WriteBytes(v.Data)
}

func (v *SubItemUnsupported) String() string {
	return fmt.Sprintf("subitemunsupported{type: 0x%02x data: %d bytes}",
		v.Type, len(v.Data))
}

func subItemListString(items []SubItem) string {
	buf := bytes.Buffer{}
	buf.WriteString("[")
	for i, item := range items {
		if i > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(item.String())
	}
	buf.WriteString("]")
	return buf.String()
}
