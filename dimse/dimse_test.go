package dimse_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/lamyj/dimsenet/dicom"
	"github.com/lamyj/dimsenet/dicom/dicomuid"
	"github.com/lamyj/dimsenet/dimse"
	"github.com/lamyj/dimsenet/pdu"
)

// roundTrip encodes cmd into a command set, parses it back and decodes
// the typed form, which must stringify identically.
func roundTrip(t *testing.T, cmd dimse.Command) {
	t.Helper()
	msg, err := cmd.Message()
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := dimse.EncodeCommandSet(msg.Command)
	if err != nil {
		t.Fatal(err)
	}
	cs, err := dimse.ReadCommandSet(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !cs.Has(dicom.TagCommandGroupLength) {
		t.Error("missing CommandGroupLength")
	}
	cmd2, err := dimse.Decode(&dimse.Message{Command: cs, Data: msg.Data})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.String() != cmd2.String() {
		t.Errorf("%v <-> %v", cmd, cmd2)
	}
}

func TestCEchoRq(t *testing.T) {
	roundTrip(t, &dimse.C_ECHO_RQ{MessageID: 0x1234})
}

func TestCEchoRsp(t *testing.T) {
	roundTrip(t, &dimse.C_ECHO_RSP{
		MessageIDBeingRespondedTo: 0x1234,
		Status:                    dimse.Success,
	})
}

func TestCStoreRq(t *testing.T) {
	data := dicom.NewDataSet()
	data.Add(dicom.TagSOPInstanceUID, dicom.MustNewElement(dicom.VRUI, dicom.NewStringsValue("3.4.5")))
	roundTrip(t, &dimse.C_STORE_RQ{
		AffectedSOPClassUID:    dicomuid.CTImageStorage,
		MessageID:              0x1234,
		Priority:               dimse.PriorityMedium,
		AffectedSOPInstanceUID: "3.4.5",
		Data:                   data,
	})
}

func TestCStoreRsp(t *testing.T) {
	roundTrip(t, &dimse.C_STORE_RSP{
		AffectedSOPClassUID:       dicomuid.CTImageStorage,
		MessageIDBeingRespondedTo: 0x1234,
		AffectedSOPInstanceUID:    "3.4.5",
		Status: dimse.Status{
			Status:       dimse.StatusCStoreCannotUnderstand,
			ErrorComment: "bad pixel data",
		},
	})
}

func TestCFindRq(t *testing.T) {
	query := dicom.NewDataSet()
	query.Add(dicom.TagPatientName, dicom.MustNewElement(dicom.VRPN, dicom.NewStringsValue("DOE^JOHN")))
	roundTrip(t, &dimse.C_FIND_RQ{
		AffectedSOPClassUID: dicomuid.StudyRootQRFind,
		MessageID:           7,
		Priority:            dimse.PriorityMedium,
		Identifier:          query,
	})
}

func TestCFindRsp(t *testing.T) {
	match := dicom.NewDataSet()
	match.Add(dicom.TagPatientID, dicom.MustNewElement(dicom.VRLO, dicom.NewStringsValue("P123")))
	roundTrip(t, &dimse.C_FIND_RSP{
		AffectedSOPClassUID:       dicomuid.StudyRootQRFind,
		MessageIDBeingRespondedTo: 7,
		Status:                    dimse.Status{Status: dimse.StatusPending},
		Identifier:                match,
	})
}

func TestCFindRspConsistency(t *testing.T) {
	pendingWithout := &dimse.C_FIND_RSP{
		AffectedSOPClassUID:       dicomuid.StudyRootQRFind,
		MessageIDBeingRespondedTo: 7,
		Status:                    dimse.Status{Status: dimse.StatusPending},
	}
	if _, err := pendingWithout.Message(); err == nil {
		t.Error("pending response without identifier must not encode")
	}
	match := dicom.NewDataSet()
	match.Add(dicom.TagPatientID, dicom.MustNewElement(dicom.VRLO, dicom.NewStringsValue("P123")))
	finalWith := &dimse.C_FIND_RSP{
		AffectedSOPClassUID:       dicomuid.StudyRootQRFind,
		MessageIDBeingRespondedTo: 7,
		Status:                    dimse.Success,
		Identifier:                match,
	}
	if _, err := finalWith.Message(); err == nil {
		t.Error("final response with identifier must not encode")
	}
}

func TestCGetRsp(t *testing.T) {
	roundTrip(t, &dimse.C_GET_RSP{
		AffectedSOPClassUID:            dicomuid.StudyRootQRFind,
		MessageIDBeingRespondedTo:      9,
		Status:                         dimse.Status{Status: dimse.StatusPending},
		NumberOfRemainingSuboperations: 3,
		NumberOfCompletedSuboperations: 2,
	})
}

func TestCCancelRq(t *testing.T) {
	roundTrip(t, &dimse.C_CANCEL_RQ{MessageIDBeingRespondedTo: 7})
}

func TestDecodeUnknownCommand(t *testing.T) {
	cs := dicom.NewDataSet()
	cs.Add(dicom.TagCommandField, dicom.MustNewElement(dicom.VRUS, dicom.NewIntsValue(0x7777)))
	cs.Add(dicom.TagCommandDataSetType, dicom.MustNewElement(dicom.VRUS, dicom.NewIntsValue(int64(dimse.CommandDataSetTypeNull))))
	_, err := dimse.Decode(&dimse.Message{Command: cs})
	var unknown *dimse.UnknownCommandError
	if !errors.As(err, &unknown) {
		t.Fatalf("want UnknownCommandError, got %v", err)
	}
	if unknown.CommandField != 0x7777 {
		t.Errorf("CommandField = 0x%04x", unknown.CommandField)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		code    dimse.StatusCode
		pending bool
		warning bool
		failure bool
	}{
		{dimse.StatusSuccess, false, false, false},
		{dimse.StatusPending, true, false, false},
		{dimse.StatusPendingWithMissingOptionalKeys, true, false, false},
		{0xB007, false, true, false},
		{0x0001, false, true, false},
		{0x0107, false, true, false},
		{0x0116, false, true, false},
		{dimse.StatusCStoreOutOfResources, false, false, true},
		{dimse.StatusUnrecognizedOperation, false, false, true},
		{0xC123, false, false, true},
	}
	for _, test := range tests {
		if got := test.code.IsPending(); got != test.pending {
			t.Errorf("0x%04x IsPending = %v", uint16(test.code), got)
		}
		if got := test.code.IsWarning(); got != test.warning {
			t.Errorf("0x%04x IsWarning = %v", uint16(test.code), got)
		}
		if got := test.code.IsFailure(); got != test.failure {
			t.Errorf("0x%04x IsFailure = %v", uint16(test.code), got)
		}
	}
	if !dimse.StatusCode(0xFE00).IsCancel() {
		t.Error("0xFE00 must classify as cancel")
	}
}

// fragmentPDUs splits command and data bytes across P-DATA-TF PDUs the
// way a sender fragmenting at maxChunk would.
func fragmentPDUs(contextID byte, command, data []byte, maxChunk int) []*pdu.P_DATA_TF {
	var pdus []*pdu.P_DATA_TF
	emit := func(payload []byte, isCommand bool) {
		for off := 0; off < len(payload); off += maxChunk {
			end := off + maxChunk
			if end > len(payload) {
				end = len(payload)
			}
			pdus = append(pdus, &pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{{
				ContextID: contextID,
				Command:   isCommand,
				Last:      end == len(payload),
				Value:     payload[off:end],
			}}})
		}
	}
	emit(command, true)
	if data != nil {
		emit(data, false)
	}
	return pdus
}

func TestCommandAssembler(t *testing.T) {
	data := dicom.NewDataSet()
	data.Add(dicom.TagSOPInstanceUID, dicom.MustNewElement(dicom.VRUI, dicom.NewStringsValue("3.4.5")))
	msg, err := (&dimse.C_STORE_RQ{
		AffectedSOPClassUID:    dicomuid.CTImageStorage,
		MessageID:              11,
		Priority:               dimse.PriorityMedium,
		AffectedSOPInstanceUID: "3.4.5",
		Data:                   data,
	}).Message()
	if err != nil {
		t.Fatal(err)
	}
	commandBytes, err := dimse.EncodeCommandSet(msg.Command)
	if err != nil {
		t.Fatal(err)
	}
	dataBytes := []byte{1, 2, 3, 4, 5, 6, 7}

	var assembler dimse.CommandAssembler
	pdus := fragmentPDUs(3, commandBytes, dataBytes, 4)
	for i, p := range pdus {
		contextID, command, gotData, err := assembler.AddDataPDU(p)
		if err != nil {
			t.Fatal(err)
		}
		if i < len(pdus)-1 {
			if command != nil {
				t.Fatalf("message completed early at PDU %d", i)
			}
			continue
		}
		if contextID != 3 {
			t.Errorf("contextID = %d", contextID)
		}
		if command == nil {
			t.Fatal("message did not complete")
		}
		field, err := (&dimse.Message{Command: command}).CommandField()
		if err != nil || field != dimse.CommandFieldC_STORE_RQ {
			t.Errorf("CommandField = 0x%04x, %v", field, err)
		}
		if !bytes.Equal(gotData, dataBytes) {
			t.Errorf("data = %v", gotData)
		}
	}
}

func TestCommandAssemblerCommandOnly(t *testing.T) {
	msg, err := (&dimse.C_ECHO_RQ{MessageID: 5}).Message()
	if err != nil {
		t.Fatal(err)
	}
	commandBytes, err := dimse.EncodeCommandSet(msg.Command)
	if err != nil {
		t.Fatal(err)
	}
	var assembler dimse.CommandAssembler
	completed := false
	for _, p := range fragmentPDUs(1, commandBytes, nil, 16) {
		contextID, command, data, err := assembler.AddDataPDU(p)
		if err != nil {
			t.Fatal(err)
		}
		if command != nil {
			completed = true
			if contextID != 1 {
				t.Errorf("contextID = %d", contextID)
			}
			if data != nil {
				t.Errorf("unexpected data bytes: %v", data)
			}
		}
	}
	if !completed {
		t.Error("message did not complete")
	}
}

func TestCommandAssemblerInterleave(t *testing.T) {
	var assembler dimse.CommandAssembler
	_, _, _, err := assembler.AddDataPDU(&pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{{
		ContextID: 1,
		Command:   false,
		Last:      true,
		Value:     []byte{1, 2},
	}}})
	if err == nil {
		t.Error("data fragment before any command fragment must fail")
	}
}

func TestCommandAssemblerContextSwitch(t *testing.T) {
	var assembler dimse.CommandAssembler
	if _, _, _, err := assembler.AddDataPDU(&pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{{
		ContextID: 1,
		Command:   true,
		Value:     []byte{1, 2},
	}}}); err != nil {
		t.Fatal(err)
	}
	_, _, _, err := assembler.AddDataPDU(&pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{{
		ContextID: 3,
		Command:   true,
		Last:      true,
		Value:     []byte{3, 4},
	}}})
	if err == nil {
		t.Error("context ID switch mid-message must fail")
	}
}

func FuzzDecodeMessage(f *testing.F) {
	for _, cmd := range []dimse.Command{
		&dimse.C_ECHO_RQ{MessageID: 1},
		&dimse.C_FIND_RSP{AffectedSOPClassUID: dicomuid.StudyRootQRFind, MessageIDBeingRespondedTo: 2, Status: dimse.Success},
		&dimse.C_CANCEL_RQ{MessageIDBeingRespondedTo: 3},
	} {
		msg, err := cmd.Message()
		if err != nil {
			f.Fatal(err)
		}
		data, err := dimse.EncodeCommandSet(msg.Command)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(data)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on arbitrary command-set bytes.
		cs, err := dimse.ReadCommandSet(data)
		if err != nil {
			return
		}
		if cmd, err := dimse.Decode(&dimse.Message{Command: cs}); err == nil {
			_ = cmd.String()
		}
	})
}
