package dimsenet

import (
	"fmt"

	"v.io/x/lib/vlog"

	"github.com/lamyj/dimsenet/dicom"
	"github.com/lamyj/dimsenet/dicom/dicomuid"
	"github.com/lamyj/dimsenet/dimse"
	"github.com/lamyj/dimsenet/pdu"
)

// This file implements the service-class-user side of the DIMSE
// services: C-ECHO, C-STORE and C-FIND issued over an established
// association. Each call blocks the owning goroutine until its exchange
// completes.

// EchoSCU performs one C-ECHO and returns the status the peer reported.
// The association must have an accepted context for the verification
// SOP class.
func EchoSCU(a *Association) (dimse.Status, error) {
	req := &dimse.C_ECHO_RQ{MessageID: dimse.NewMessageID()}
	msg, err := req.Message()
	if err != nil {
		return dimse.Status{}, err
	}
	if err := a.SendMessage(msg, dicomuid.Verification); err != nil {
		return dimse.Status{}, err
	}
	cmd, err := receiveResponse(a, req.MessageID, dicomuid.Verification)
	if err != nil {
		return dimse.Status{}, err
	}
	resp, ok := cmd.(*dimse.C_ECHO_RSP)
	if !ok {
		return dimse.Status{}, &ProtocolError{Detail: fmt.Sprintf("expected C-ECHO-RSP, got %v", cmd)}
	}
	return resp.Status, nil
}

// StoreSCU sends ds to the peer with a C-STORE. The affected SOP class
// and instance UIDs are taken from SOPClassUID (0008,0016) and
// SOPInstanceUID (0008,0018) of ds itself, and the request travels on
// the context accepted for that SOP class.
func StoreSCU(a *Association, ds *dicom.DataSet, priority uint16) (dimse.Status, error) {
	sopClassUID, err := ds.GetString(dicom.TagSOPClassUID)
	if err != nil {
		return dimse.Status{}, fmt.Errorf("dimsenet: data set lacks SOPClassUID: %v", err)
	}
	sopInstanceUID, err := ds.GetString(dicom.TagSOPInstanceUID)
	if err != nil {
		return dimse.Status{}, fmt.Errorf("dimsenet: data set lacks SOPInstanceUID: %v", err)
	}
	req := &dimse.C_STORE_RQ{
		AffectedSOPClassUID:    sopClassUID,
		MessageID:              dimse.NewMessageID(),
		Priority:               priority,
		AffectedSOPInstanceUID: sopInstanceUID,
		Data:                   ds,
	}
	msg, err := req.Message()
	if err != nil {
		return dimse.Status{}, err
	}
	if err := a.SendMessage(msg, sopClassUID); err != nil {
		return dimse.Status{}, err
	}
	cmd, err := receiveResponse(a, req.MessageID, sopClassUID)
	if err != nil {
		return dimse.Status{}, err
	}
	resp, ok := cmd.(*dimse.C_STORE_RSP)
	if !ok {
		return dimse.Status{}, &ProtocolError{Detail: fmt.Sprintf("expected C-STORE-RSP, got %v", cmd)}
	}
	return resp.Status, nil
}

// FindSCU issues a C-FIND for sopClassUID with the given query
// identifier and streams every pending match to callback, in arrival
// order. It returns the final (non-pending) status. Warning and failure
// statuses are reported through the return value, not as errors.
//
// The callback runs on the caller's goroutine and must not reenter the
// association.
func FindSCU(a *Association, sopClassUID string, query *dicom.DataSet, callback func(*dicom.DataSet)) (dimse.Status, error) {
	req := &dimse.C_FIND_RQ{
		AffectedSOPClassUID: sopClassUID,
		MessageID:           dimse.NewMessageID(),
		Priority:            dimse.PriorityMedium,
		Identifier:          query,
	}
	msg, err := req.Message()
	if err != nil {
		return dimse.Status{}, err
	}
	if err := a.SendMessage(msg, sopClassUID); err != nil {
		return dimse.Status{}, err
	}
	for {
		cmd, err := receiveResponse(a, req.MessageID, sopClassUID)
		if err != nil {
			return dimse.Status{}, err
		}
		resp, ok := cmd.(*dimse.C_FIND_RSP)
		if !ok {
			return dimse.Status{}, &ProtocolError{Detail: fmt.Sprintf("expected C-FIND-RSP, got %v", cmd)}
		}
		if resp.Status.Status.IsPending() {
			if resp.Identifier == nil {
				return dimse.Status{}, &ProtocolError{Detail: "pending C-FIND-RSP without an identifier"}
			}
			callback(resp.Identifier)
			continue
		}
		if resp.Status.Status.IsWarning() {
			vlog.Infof("C-FIND finished with warning status %v", resp.Status)
		} else if resp.Status.Status.IsFailure() {
			vlog.Errorf("C-FIND failed with status %v", resp.Status)
		}
		return resp.Status, nil
	}
}

// receiveResponse reads one message and checks that it answers the
// request identified by messageID on sopClassUID. A response that does
// not belong to the request is a protocol violation and aborts the
// association.
func receiveResponse(a *Association, messageID uint16, sopClassUID string) (dimse.Command, error) {
	msg, err := a.ReceiveMessage()
	if err != nil {
		return nil, err
	}
	cmd, err := dimse.Decode(msg)
	if err != nil {
		return nil, a.abortWith(&ProtocolError{Detail: "cannot decode response", Cause: err}, pdu.AbortReasonInvalidPDUParameter)
	}
	respondedTo, err := msg.MessageID()
	if err != nil {
		return nil, a.abortWith(&ProtocolError{Detail: "response lacks a message ID", Cause: err}, pdu.AbortReasonInvalidPDUParameter)
	}
	if respondedTo != messageID {
		return nil, a.abortWith(&ProtocolError{
			Detail: fmt.Sprintf("response for message %d while awaiting %d", respondedTo, messageID),
		}, pdu.AbortReasonInvalidPDUParameter)
	}
	if uid, err := msg.Command.GetString(dicom.TagAffectedSOPClassUID); err == nil && uid != sopClassUID {
		return nil, a.abortWith(&ProtocolError{
			Detail: fmt.Sprintf("response for SOP class %s while awaiting %s", uid, sopClassUID),
		}, pdu.AbortReasonInvalidPDUParameter)
	}
	return cmd, nil
}
