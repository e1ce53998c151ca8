// Package dimse implements the DICOM message service element: the
// command sets exchanged over an association, their typed request and
// response forms, and the reassembly of messages from P-DATA-TF
// fragments.
package dimse

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/lamyj/dimsenet/dicom"
	"github.com/lamyj/dimsenet/dicom/dicomio"
	"github.com/lamyj/dimsenet/dicom/dicomuid"
	"github.com/lamyj/dimsenet/pdu"
	"v.io/x/lib/vlog"
)

// CommandDataSetType values. Null means the message carries no data
// set; any other value means one follows.
const (
	CommandDataSetTypeNull    uint16 = 0x0101
	CommandDataSetTypePresent uint16 = 0x0001
)

// Message bundles a command set with its optional data set. Data is nil
// iff the command's CommandDataSetType is null.
type Message struct {
	Command *dicom.DataSet
	Data    *dicom.DataSet
}

// CommandField returns the (0000,0100) value identifying the
// operation.
func (m *Message) CommandField() (uint16, error) {
	return m.Command.GetUInt16(dicom.TagCommandField)
}

// MessageID returns (0000,0110) for requests and (0000,0120) for
// responses and cancels, whichever the command carries.
func (m *Message) MessageID() (uint16, error) {
	if m.Command.Has(dicom.TagMessageID) {
		return m.Command.GetUInt16(dicom.TagMessageID)
	}
	return m.Command.GetUInt16(dicom.TagMessageIDBeingRespondedTo)
}

// HasData reports whether the command announces a data set.
func (m *Message) HasData() bool {
	v, err := m.Command.GetUInt16(dicom.TagCommandDataSetType)
	if err != nil {
		return false
	}
	return v != CommandDataSetTypeNull
}

func (m *Message) String() string {
	if m.Data == nil {
		return fmt.Sprintf("Message{command: %v}", m.Command)
	}
	return fmt.Sprintf("Message{command: %v data: %v}", m.Command, m.Data)
}

// EncodeCommandSet serializes a command set in implicit VR little
// endian with the CommandGroupLength element prefixed, as mandated for
// all DIMSE commands.
func EncodeCommandSet(cs *dicom.DataSet) ([]byte, error) {
	body := dicom.NewDataSet()
	body.TransferSyntax = dicomuid.ImplicitVRLittleEndian
	for _, tag := range cs.Tags() {
		if tag == dicom.TagCommandGroupLength {
			continue
		}
		elem, _ := cs.Get(tag)
		body.Add(tag, elem)
	}
	sub := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dicom.WriteDataSet(sub, body)
	if err := sub.Finish(); err != nil {
		return nil, err
	}
	bodyBytes := sub.Bytes()

	prefix := dicom.NewDataSet()
	prefix.TransferSyntax = dicomuid.ImplicitVRLittleEndian
	groupLength, err := dicom.NewIntElement(dicom.VRUL, int64(len(bodyBytes)))
	if err != nil {
		return nil, err
	}
	prefix.Add(dicom.TagCommandGroupLength, groupLength)
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dicom.WriteDataSet(e, prefix)
	e.WriteBytes(bodyBytes)
	if err := e.Finish(); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// ReadCommandSet parses a command set from its implicit VR little
// endian encoding.
func ReadCommandSet(data []byte) (*dicom.DataSet, error) {
	d := dicomio.NewBytesDecoder(data, binary.LittleEndian, dicomio.ImplicitVR)
	cs, err := dicom.ReadDataSet(d, dicomuid.ImplicitVRLittleEndian)
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return cs, nil
}

var nextMessageID uint32

// NewMessageID returns a fresh message ID, distinct within this
// process.
func NewMessageID() uint16 {
	return uint16(atomic.AddUint32(&nextMessageID, 1))
}

// CommandAssembler reassembles one DIMSE message from a stream of
// P-DATA-TF PDUs: a run of command fragments, then, when the command
// announces one, a run of data fragments.
type CommandAssembler struct {
	contextID      byte
	commandBytes   []byte
	command        *dicom.DataSet
	dataBytes      []byte
	readAllCommand bool
	readAllData    bool
}

// AddDataPDU folds one P-DATA-TF into the assembler. When the message
// is complete it returns the context ID, the parsed command set and
// the raw data-set bytes (nil when the command carries none) and
// resets the assembler. While fragments are still outstanding it
// returns a zero context ID and nil command.
func (a *CommandAssembler) AddDataPDU(p *pdu.P_DATA_TF) (byte, *dicom.DataSet, []byte, error) {
	for _, item := range p.Items {
		if a.contextID == 0 {
			a.contextID = item.ContextID
		} else if a.contextID != item.ContextID {
			return 0, nil, nil, fmt.Errorf("dimse: context ID changed mid-message: %d then %d", a.contextID, item.ContextID)
		}
		if item.Command {
			if a.readAllCommand {
				return 0, nil, nil, fmt.Errorf("dimse: command fragment after the last command fragment")
			}
			a.commandBytes = append(a.commandBytes, item.Value...)
			if item.Last {
				a.readAllCommand = true
			}
		} else {
			if !a.readAllCommand {
				return 0, nil, nil, fmt.Errorf("dimse: data fragment interleaved before the command completed")
			}
			if a.readAllData {
				return 0, nil, nil, fmt.Errorf("dimse: data fragment after the last data fragment")
			}
			a.dataBytes = append(a.dataBytes, item.Value...)
			if item.Last {
				a.readAllData = true
			}
		}
	}
	if !a.readAllCommand {
		return 0, nil, nil, nil
	}
	if a.command == nil {
		command, err := ReadCommandSet(a.commandBytes)
		if err != nil {
			return 0, nil, nil, err
		}
		a.command = command
		vlog.VI(2).Infof("Assembled command set: %v", command)
	}
	dataSetType, err := a.command.GetUInt16(dicom.TagCommandDataSetType)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("dimse: command set lacks CommandDataSetType: %v", err)
	}
	if dataSetType != CommandDataSetTypeNull && !a.readAllData {
		return 0, nil, nil, nil
	}
	contextID := a.contextID
	command := a.command
	var dataBytes []byte
	if dataSetType != CommandDataSetTypeNull {
		dataBytes = a.dataBytes
	}
	*a = CommandAssembler{}
	return contextID, command, dataBytes, nil
}
