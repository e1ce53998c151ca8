package dimse

import (
	"fmt"

	"github.com/lamyj/dimsenet/dicom"
	"github.com/lamyj/dimsenet/dicom/dicomuid"
)

// CommandField values for the composite services.
const (
	CommandFieldC_STORE_RQ  uint16 = 0x0001
	CommandFieldC_STORE_RSP uint16 = 0x8001
	CommandFieldC_GET_RQ    uint16 = 0x0010
	CommandFieldC_GET_RSP   uint16 = 0x8010
	CommandFieldC_FIND_RQ   uint16 = 0x0020
	CommandFieldC_FIND_RSP  uint16 = 0x8020
	CommandFieldC_ECHO_RQ   uint16 = 0x0030
	CommandFieldC_ECHO_RSP  uint16 = 0x8030
	CommandFieldC_CANCEL_RQ uint16 = 0x0FFF
)

// Priority values for composite requests.
const (
	PriorityMedium uint16 = 0x0000
	PriorityHigh   uint16 = 0x0001
	PriorityLow    uint16 = 0x0002
)

// Command is a typed view of one DIMSE command set. Message renders the
// command back into its wire form.
type Command interface {
	fmt.Stringer
	// Message builds the full message, command set plus data set.
	Message() (*Message, error)
}

type commandBuilder struct {
	cs  *dicom.DataSet
	err error
}

func newCommandBuilder(field uint16) *commandBuilder {
	b := &commandBuilder{cs: dicom.NewDataSet()}
	b.uint16(dicom.TagCommandField, field)
	return b
}

func (b *commandBuilder) uint16(tag dicom.Tag, v uint16) {
	if b.err != nil {
		return
	}
	elem, err := dicom.NewIntElement(dicom.VRUS, int64(v))
	if err != nil {
		b.err = err
		return
	}
	b.cs.Add(tag, elem)
}

func (b *commandBuilder) uid(tag dicom.Tag, v string) {
	if b.err != nil {
		return
	}
	if v == "" {
		b.err = fmt.Errorf("dimse: empty UID for %v", tag)
		return
	}
	elem, err := dicom.NewStringElement(dicom.VRUI, v)
	if err != nil {
		b.err = err
		return
	}
	b.cs.Add(tag, elem)
}

func (b *commandBuilder) status(s Status) {
	b.uint16(dicom.TagStatus, uint16(s.Status))
	if b.err != nil || s.ErrorComment == "" {
		return
	}
	elem, err := dicom.NewStringElement(dicom.VRLO, s.ErrorComment)
	if err != nil {
		b.err = err
		return
	}
	b.cs.Add(dicom.TagErrorComment, elem)
}

func (b *commandBuilder) message(data *dicom.DataSet) (*Message, error) {
	if b.err != nil {
		return nil, b.err
	}
	dataSetType := CommandDataSetTypeNull
	if data != nil {
		dataSetType = CommandDataSetTypePresent
	}
	b.uint16(dicom.TagCommandDataSetType, dataSetType)
	if b.err != nil {
		return nil, b.err
	}
	return &Message{Command: b.cs, Data: data}, nil
}

// C_ECHO_RQ is a verification request.
type C_ECHO_RQ struct {
	MessageID uint16
}

func (v *C_ECHO_RQ) Message() (*Message, error) {
	b := newCommandBuilder(CommandFieldC_ECHO_RQ)
	b.uid(dicom.TagAffectedSOPClassUID, dicomuid.Verification)
	b.uint16(dicom.TagMessageID, v.MessageID)
	return b.message(nil)
}

func (v *C_ECHO_RQ) String() string {
	return fmt.Sprintf("C_ECHO_RQ{MessageID:%d}", v.MessageID)
}

// C_ECHO_RSP answers a verification request.
type C_ECHO_RSP struct {
	MessageIDBeingRespondedTo uint16
	Status                    Status
}

func (v *C_ECHO_RSP) Message() (*Message, error) {
	b := newCommandBuilder(CommandFieldC_ECHO_RSP)
	b.uid(dicom.TagAffectedSOPClassUID, dicomuid.Verification)
	b.uint16(dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	b.status(v.Status)
	return b.message(nil)
}

func (v *C_ECHO_RSP) String() string {
	return fmt.Sprintf("C_ECHO_RSP{MessageIDBeingRespondedTo:%d Status:%v}",
		v.MessageIDBeingRespondedTo, v.Status)
}

// C_STORE_RQ asks the peer to store one composite instance. Data is the
// instance itself and is required.
type C_STORE_RQ struct {
	AffectedSOPClassUID    string
	MessageID              uint16
	Priority               uint16
	AffectedSOPInstanceUID string
	Data                   *dicom.DataSet
}

func (v *C_STORE_RQ) Message() (*Message, error) {
	if v.Data == nil {
		return nil, fmt.Errorf("dimse: C-STORE-RQ without a data set")
	}
	b := newCommandBuilder(CommandFieldC_STORE_RQ)
	b.uid(dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	b.uint16(dicom.TagMessageID, v.MessageID)
	b.uint16(dicom.TagPriority, v.Priority)
	b.uid(dicom.TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	return b.message(v.Data)
}

func (v *C_STORE_RQ) String() string {
	return fmt.Sprintf("C_STORE_RQ{AffectedSOPClassUID:%s MessageID:%d Priority:%d AffectedSOPInstanceUID:%s}",
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.AffectedSOPInstanceUID)
}

// C_STORE_RSP reports the outcome of a storage request.
type C_STORE_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo uint16
	AffectedSOPInstanceUID    string
	Status                    Status
}

func (v *C_STORE_RSP) Message() (*Message, error) {
	b := newCommandBuilder(CommandFieldC_STORE_RSP)
	b.uid(dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	b.uint16(dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	b.uid(dicom.TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	b.status(v.Status)
	return b.message(nil)
}

func (v *C_STORE_RSP) String() string {
	return fmt.Sprintf("C_STORE_RSP{AffectedSOPClassUID:%s MessageIDBeingRespondedTo:%d AffectedSOPInstanceUID:%s Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.AffectedSOPInstanceUID, v.Status)
}

// C_FIND_RQ carries a query identifier for matching. Identifier is
// required.
type C_FIND_RQ struct {
	AffectedSOPClassUID string
	MessageID           uint16
	Priority            uint16
	Identifier          *dicom.DataSet
}

func (v *C_FIND_RQ) Message() (*Message, error) {
	if v.Identifier == nil {
		return nil, fmt.Errorf("dimse: C-FIND-RQ without an identifier")
	}
	b := newCommandBuilder(CommandFieldC_FIND_RQ)
	b.uid(dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	b.uint16(dicom.TagMessageID, v.MessageID)
	b.uint16(dicom.TagPriority, v.Priority)
	return b.message(v.Identifier)
}

func (v *C_FIND_RQ) String() string {
	return fmt.Sprintf("C_FIND_RQ{AffectedSOPClassUID:%s MessageID:%d Priority:%d}",
		v.AffectedSOPClassUID, v.MessageID, v.Priority)
}

// C_FIND_RSP reports one match (pending status with an identifier) or
// the final outcome (no identifier).
type C_FIND_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo uint16
	Status                    Status
	Identifier                *dicom.DataSet
}

func (v *C_FIND_RSP) Message() (*Message, error) {
	if v.Status.Status.IsPending() && v.Identifier == nil {
		return nil, fmt.Errorf("dimse: pending C-FIND-RSP without an identifier")
	}
	if !v.Status.Status.IsPending() && v.Identifier != nil {
		return nil, fmt.Errorf("dimse: final C-FIND-RSP with an identifier")
	}
	b := newCommandBuilder(CommandFieldC_FIND_RSP)
	b.uid(dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	b.uint16(dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	b.status(v.Status)
	return b.message(v.Identifier)
}

func (v *C_FIND_RSP) String() string {
	return fmt.Sprintf("C_FIND_RSP{AffectedSOPClassUID:%s MessageIDBeingRespondedTo:%d Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.Status)
}

// C_GET_RQ asks the peer to send matching instances back over the same
// association.
type C_GET_RQ struct {
	AffectedSOPClassUID string
	MessageID           uint16
	Priority            uint16
	Identifier          *dicom.DataSet
}

func (v *C_GET_RQ) Message() (*Message, error) {
	if v.Identifier == nil {
		return nil, fmt.Errorf("dimse: C-GET-RQ without an identifier")
	}
	b := newCommandBuilder(CommandFieldC_GET_RQ)
	b.uid(dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	b.uint16(dicom.TagMessageID, v.MessageID)
	b.uint16(dicom.TagPriority, v.Priority)
	return b.message(v.Identifier)
}

func (v *C_GET_RQ) String() string {
	return fmt.Sprintf("C_GET_RQ{AffectedSOPClassUID:%s MessageID:%d Priority:%d}",
		v.AffectedSOPClassUID, v.MessageID, v.Priority)
}

// C_GET_RSP reports retrieval progress through sub-operation counters.
type C_GET_RSP struct {
	AffectedSOPClassUID            string
	MessageIDBeingRespondedTo      uint16
	Status                         Status
	NumberOfRemainingSuboperations uint16
	NumberOfCompletedSuboperations uint16
	NumberOfFailedSuboperations    uint16
	NumberOfWarningSuboperations   uint16
}

func (v *C_GET_RSP) Message() (*Message, error) {
	b := newCommandBuilder(CommandFieldC_GET_RSP)
	b.uid(dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	b.uint16(dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	if v.Status.Status.IsPending() {
		b.uint16(dicom.TagNumberOfRemainingSuboperations, v.NumberOfRemainingSuboperations)
	}
	b.uint16(dicom.TagNumberOfCompletedSuboperations, v.NumberOfCompletedSuboperations)
	b.uint16(dicom.TagNumberOfFailedSuboperations, v.NumberOfFailedSuboperations)
	b.uint16(dicom.TagNumberOfWarningSuboperations, v.NumberOfWarningSuboperations)
	b.status(v.Status)
	return b.message(nil)
}

func (v *C_GET_RSP) String() string {
	return fmt.Sprintf("C_GET_RSP{AffectedSOPClassUID:%s MessageIDBeingRespondedTo:%d Status:%v Remaining:%d Completed:%d Failed:%d Warning:%d}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.Status,
		v.NumberOfRemainingSuboperations, v.NumberOfCompletedSuboperations,
		v.NumberOfFailedSuboperations, v.NumberOfWarningSuboperations)
}

// C_CANCEL_RQ asks the peer to stop a pending C-FIND or C-GET.
type C_CANCEL_RQ struct {
	MessageIDBeingRespondedTo uint16
}

func (v *C_CANCEL_RQ) Message() (*Message, error) {
	b := newCommandBuilder(CommandFieldC_CANCEL_RQ)
	b.uint16(dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	return b.message(nil)
}

func (v *C_CANCEL_RQ) String() string {
	return fmt.Sprintf("C_CANCEL_RQ{MessageIDBeingRespondedTo:%d}", v.MessageIDBeingRespondedTo)
}

type commandParser struct {
	cs  *dicom.DataSet
	err error
}

func (p *commandParser) uint16(tag dicom.Tag) uint16 {
	if p.err != nil {
		return 0
	}
	v, err := p.cs.GetUInt16(tag)
	if err != nil {
		p.err = err
		return 0
	}
	return v
}

func (p *commandParser) optUInt16(tag dicom.Tag) uint16 {
	if p.err != nil || !p.cs.Has(tag) {
		return 0
	}
	return p.uint16(tag)
}

func (p *commandParser) str(tag dicom.Tag) string {
	if p.err != nil {
		return ""
	}
	v, err := p.cs.GetString(tag)
	if err != nil {
		p.err = err
		return ""
	}
	return v
}

func (p *commandParser) optString(tag dicom.Tag) string {
	if p.err != nil || !p.cs.Has(tag) {
		return ""
	}
	return p.str(tag)
}

func (p *commandParser) status() Status {
	return Status{
		Status:       StatusCode(p.uint16(dicom.TagStatus)),
		ErrorComment: p.optString(dicom.TagErrorComment),
	}
}

// NewRefusedResponse builds the response a provider sends when it
// cannot serve a request: the request's command field with the response
// bit set, the same message ID, and the given (non-success) status. It
// works for any request shape, including command fields the library has
// no typed form for.
func NewRefusedResponse(request *dicom.DataSet, status Status) (*Message, error) {
	field, err := request.GetUInt16(dicom.TagCommandField)
	if err != nil {
		return nil, fmt.Errorf("dimse: request lacks CommandField: %v", err)
	}
	messageID, err := request.GetUInt16(dicom.TagMessageID)
	if err != nil {
		return nil, fmt.Errorf("dimse: request lacks MessageID: %v", err)
	}
	b := newCommandBuilder(field | 0x8000)
	if uid, err := request.GetString(dicom.TagAffectedSOPClassUID); err == nil {
		b.uid(dicom.TagAffectedSOPClassUID, uid)
	}
	b.uint16(dicom.TagMessageIDBeingRespondedTo, messageID)
	b.status(status)
	return b.message(nil)
}

// UnknownCommandError reports a command field outside the supported
// set, so a provider can answer with an unrecognized-operation status.
type UnknownCommandError struct {
	CommandField uint16
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("dimse: unknown command field 0x%04x", e.CommandField)
}

// Decode converts a reassembled message into its typed command. The
// data set, if any, is attached to the command types that carry one.
func Decode(msg *Message) (Command, error) {
	field, err := msg.CommandField()
	if err != nil {
		return nil, fmt.Errorf("dimse: command set lacks CommandField: %v", err)
	}
	p := &commandParser{cs: msg.Command}
	var cmd Command
	switch field {
	case CommandFieldC_ECHO_RQ:
		cmd = &C_ECHO_RQ{
			MessageID: p.uint16(dicom.TagMessageID),
		}
	case CommandFieldC_ECHO_RSP:
		cmd = &C_ECHO_RSP{
			MessageIDBeingRespondedTo: p.uint16(dicom.TagMessageIDBeingRespondedTo),
			Status:                    p.status(),
		}
	case CommandFieldC_STORE_RQ:
		cmd = &C_STORE_RQ{
			AffectedSOPClassUID:    p.str(dicom.TagAffectedSOPClassUID),
			MessageID:              p.uint16(dicom.TagMessageID),
			Priority:               p.uint16(dicom.TagPriority),
			AffectedSOPInstanceUID: p.str(dicom.TagAffectedSOPInstanceUID),
			Data:                   msg.Data,
		}
	case CommandFieldC_STORE_RSP:
		cmd = &C_STORE_RSP{
			AffectedSOPClassUID:       p.str(dicom.TagAffectedSOPClassUID),
			MessageIDBeingRespondedTo: p.uint16(dicom.TagMessageIDBeingRespondedTo),
			AffectedSOPInstanceUID:    p.optString(dicom.TagAffectedSOPInstanceUID),
			Status:                    p.status(),
		}
	case CommandFieldC_FIND_RQ:
		cmd = &C_FIND_RQ{
			AffectedSOPClassUID: p.str(dicom.TagAffectedSOPClassUID),
			MessageID:           p.uint16(dicom.TagMessageID),
			Priority:            p.uint16(dicom.TagPriority),
			Identifier:          msg.Data,
		}
	case CommandFieldC_FIND_RSP:
		cmd = &C_FIND_RSP{
			AffectedSOPClassUID:       p.str(dicom.TagAffectedSOPClassUID),
			MessageIDBeingRespondedTo: p.uint16(dicom.TagMessageIDBeingRespondedTo),
			Status:                    p.status(),
			Identifier:                msg.Data,
		}
	case CommandFieldC_GET_RQ:
		cmd = &C_GET_RQ{
			AffectedSOPClassUID: p.str(dicom.TagAffectedSOPClassUID),
			MessageID:           p.uint16(dicom.TagMessageID),
			Priority:            p.uint16(dicom.TagPriority),
			Identifier:          msg.Data,
		}
	case CommandFieldC_GET_RSP:
		cmd = &C_GET_RSP{
			AffectedSOPClassUID:            p.str(dicom.TagAffectedSOPClassUID),
			MessageIDBeingRespondedTo:      p.uint16(dicom.TagMessageIDBeingRespondedTo),
			Status:                         p.status(),
			NumberOfRemainingSuboperations: p.optUInt16(dicom.TagNumberOfRemainingSuboperations),
			NumberOfCompletedSuboperations: p.optUInt16(dicom.TagNumberOfCompletedSuboperations),
			NumberOfFailedSuboperations:    p.optUInt16(dicom.TagNumberOfFailedSuboperations),
			NumberOfWarningSuboperations:   p.optUInt16(dicom.TagNumberOfWarningSuboperations),
		}
	case CommandFieldC_CANCEL_RQ:
		cmd = &C_CANCEL_RQ{
			MessageIDBeingRespondedTo: p.uint16(dicom.TagMessageIDBeingRespondedTo),
		}
	default:
		return nil, &UnknownCommandError{CommandField: field}
	}
	if p.err != nil {
		return nil, fmt.Errorf("dimse: malformed %T: %v", cmd, p.err)
	}
	return cmd, nil
}
