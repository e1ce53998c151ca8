package dimsenet

import (
	"errors"
	"fmt"
	"time"

	"v.io/x/lib/vlog"

	"github.com/lamyj/dimsenet/dicom"
	"github.com/lamyj/dimsenet/dicom/dicomuid"
	"github.com/lamyj/dimsenet/dimse"
	"github.com/lamyj/dimsenet/pdu"
)

// ProviderHandler serves one inbound request message. The handler sends
// its responses through the association and returns only errors that
// should end the association.
type ProviderHandler func(a *Association, msg *dimse.Message, cmd dimse.Command) error

// ServiceDispatcher routes inbound requests to the handler registered
// for their command field. Requests with no handler, and command fields
// the library cannot decode, are refused with an
// unrecognized-operation status.
type ServiceDispatcher struct {
	handlers map[uint16]ProviderHandler
}

func NewServiceDispatcher() *ServiceDispatcher {
	return &ServiceDispatcher{handlers: make(map[uint16]ProviderHandler)}
}

// Register installs h for the given command field, replacing any
// previous handler.
func (disp *ServiceDispatcher) Register(commandField uint16, h ProviderHandler) {
	disp.handlers[commandField] = h
}

// DispatchOne receives one message and serves it. It returns
// ErrAssociationReleased when the peer releases instead of sending.
func (disp *ServiceDispatcher) DispatchOne(a *Association) error {
	msg, err := a.ReceiveMessage()
	if err != nil {
		return err
	}
	cmd, err := dimse.Decode(msg)
	if err != nil {
		var unknown *dimse.UnknownCommandError
		if errors.As(err, &unknown) {
			vlog.Infof("Refusing unknown command field 0x%04x", unknown.CommandField)
			return disp.refuse(a, msg)
		}
		return a.abortWith(&ProtocolError{Detail: "cannot decode request", Cause: err}, pdu.AbortReasonInvalidPDUParameter)
	}
	field, err := msg.CommandField()
	if err != nil {
		return a.abortWith(&ProtocolError{Detail: "request lacks a command field", Cause: err}, pdu.AbortReasonInvalidPDUParameter)
	}
	h, ok := disp.handlers[field]
	if !ok {
		vlog.Infof("Refusing command %v: no handler registered", cmd)
		return disp.refuse(a, msg)
	}
	return h(a, msg, cmd)
}

// Serve dispatches until the peer releases (returning nil) or the
// association fails.
func (disp *ServiceDispatcher) Serve(a *Association) error {
	for {
		err := disp.DispatchOne(a)
		if errors.Is(err, ErrAssociationReleased) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (disp *ServiceDispatcher) refuse(a *Association, msg *dimse.Message) error {
	resp, err := dimse.NewRefusedResponse(msg.Command, dimse.Status{
		Status: dimse.StatusUnrecognizedOperation,
	})
	if err != nil {
		return a.abortWith(&ProtocolError{Detail: "cannot refuse request", Cause: err}, pdu.AbortReasonInvalidPDUParameter)
	}
	sopClassUID, err := msg.Command.GetString(dicom.TagAffectedSOPClassUID)
	if err != nil {
		// No SOP class, so no context to answer on.
		vlog.Infof("Dropping refusal for request without AffectedSOPClassUID")
		return nil
	}
	return a.SendMessage(resp, sopClassUID)
}

// EchoSCP serves C-ECHO-RQ. A nil callback always verifies
// successfully.
func EchoSCP(callback func() dimse.Status) ProviderHandler {
	return func(a *Association, msg *dimse.Message, cmd dimse.Command) error {
		req, ok := cmd.(*dimse.C_ECHO_RQ)
		if !ok {
			return fmt.Errorf("dimsenet: echo handler got %v", cmd)
		}
		status := dimse.Success
		if callback != nil {
			status = callback()
		}
		resp := &dimse.C_ECHO_RSP{
			MessageIDBeingRespondedTo: req.MessageID,
			Status:                    status,
		}
		m, err := resp.Message()
		if err != nil {
			return err
		}
		return a.SendMessage(m, dicomuid.Verification)
	}
}

// StoreSCP serves C-STORE-RQ, passing the received instance to
// callback and answering with the status it returns. A nil callback
// refuses every instance.
func StoreSCP(callback func(ds *dicom.DataSet) dimse.Status) ProviderHandler {
	return func(a *Association, msg *dimse.Message, cmd dimse.Command) error {
		req, ok := cmd.(*dimse.C_STORE_RQ)
		if !ok {
			return fmt.Errorf("dimsenet: store handler got %v", cmd)
		}
		status := dimse.Status{Status: dimse.StatusCStoreCannotUnderstand}
		if req.Data == nil {
			status.ErrorComment = "no data set"
		} else if callback != nil {
			status = callback(req.Data)
		}
		resp := &dimse.C_STORE_RSP{
			AffectedSOPClassUID:       req.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: req.MessageID,
			AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
			Status:                    status,
		}
		m, err := resp.Message()
		if err != nil {
			return err
		}
		return a.SendMessage(m, req.AffectedSOPClassUID)
	}
}

// ResponseGenerator produces the stream of C-FIND responses for one
// request. It is an explicit four-state machine so the provider can
// look for a C-CANCEL between sends:
//
//	NotInitialized --Initialize--> Pending (or Final when nothing
//	matches); Next advances Pending to Pending or Final, and Final to
//	Done. Get returns a pending status plus an identifier while
//	Pending, and the success status with no identifier in Final.
//
// Initialize and Get fail outside the states above; Cancel forces Done
// from any state.
type ResponseGenerator interface {
	Initialize(req *dimse.C_FIND_RQ) error
	Done() bool
	Get() (dimse.Status, *dicom.DataSet, error)
	Next() error
	Cancel()
}

// How long FindSCP waits for a C-CANCEL between streamed responses.
var findCancelWait = time.Millisecond

// FindSCP serves C-FIND-RQ, streaming the responses of a fresh
// generator per request. Between sends it polls for a C-CANCEL carrying
// the request's message ID; on cancel the generator is stopped and the
// peer gets a cancel status.
func FindSCP(newGenerator func() ResponseGenerator) ProviderHandler {
	return func(a *Association, msg *dimse.Message, cmd dimse.Command) error {
		req, ok := cmd.(*dimse.C_FIND_RQ)
		if !ok {
			return fmt.Errorf("dimsenet: find handler got %v", cmd)
		}
		gen := newGenerator()
		if err := gen.Initialize(req); err != nil {
			vlog.Errorf("C-FIND generator failed to initialize: %v", err)
			return sendFindResponse(a, req, dimse.Status{
				Status:       dimse.StatusProcessingFailure,
				ErrorComment: err.Error(),
			}, nil)
		}
		first := true
		for !gen.Done() {
			if !first {
				cancelled, err := pollFindCancel(a, req.MessageID)
				if err != nil {
					return err
				}
				if cancelled {
					gen.Cancel()
					return sendFindResponse(a, req, dimse.Status{Status: dimse.StatusCancel}, nil)
				}
			}
			first = false
			status, identifier, err := gen.Get()
			if err != nil {
				vlog.Errorf("C-FIND generator failed: %v", err)
				return sendFindResponse(a, req, dimse.Status{
					Status:       dimse.StatusProcessingFailure,
					ErrorComment: err.Error(),
				}, nil)
			}
			if err := sendFindResponse(a, req, status, identifier); err != nil {
				return err
			}
			if err := gen.Next(); err != nil {
				vlog.Errorf("C-FIND generator failed to advance: %v", err)
				return sendFindResponse(a, req, dimse.Status{
					Status:       dimse.StatusProcessingFailure,
					ErrorComment: err.Error(),
				}, nil)
			}
		}
		return nil
	}
}

func sendFindResponse(a *Association, req *dimse.C_FIND_RQ, status dimse.Status, identifier *dicom.DataSet) error {
	resp := &dimse.C_FIND_RSP{
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: req.MessageID,
		Status:                    status,
		Identifier:                identifier,
	}
	m, err := resp.Message()
	if err != nil {
		return err
	}
	return a.SendMessage(m, req.AffectedSOPClassUID)
}

// pollFindCancel reports whether a C-CANCEL for messageID is waiting.
// Any other inbound message at this point is a protocol violation: the
// association serves one command at a time.
func pollFindCancel(a *Association, messageID uint16) (bool, error) {
	msg, err := a.PollMessage(findCancelWait)
	if err != nil || msg == nil {
		return false, err
	}
	cmd, err := dimse.Decode(msg)
	if err != nil {
		return false, a.abortWith(&ProtocolError{Detail: "cannot decode message during find", Cause: err}, pdu.AbortReasonInvalidPDUParameter)
	}
	cancel, ok := cmd.(*dimse.C_CANCEL_RQ)
	if !ok || cancel.MessageIDBeingRespondedTo != messageID {
		return false, a.abortWith(&ProtocolError{
			Detail: fmt.Sprintf("unexpected message %v while streaming find responses", cmd),
		}, pdu.AbortReasonUnexpectedPDU)
	}
	return true, nil
}

// FindResponseSlice is a ResponseGenerator over a fixed identifier
// list, for providers whose matches are known up front.
type FindResponseSlice struct {
	Identifiers []*dicom.DataSet

	state findState
	index int
}

type findState int

const (
	findNotInitialized findState = iota
	findPending
	findFinal
	findDone
)

func (g *FindResponseSlice) Initialize(req *dimse.C_FIND_RQ) error {
	if g.state != findNotInitialized {
		return fmt.Errorf("dimsenet: find generator initialized twice")
	}
	if len(g.Identifiers) == 0 {
		g.state = findFinal
		return nil
	}
	g.state = findPending
	return nil
}

func (g *FindResponseSlice) Done() bool { return g.state == findDone }

func (g *FindResponseSlice) Get() (dimse.Status, *dicom.DataSet, error) {
	switch g.state {
	case findPending:
		return dimse.Status{Status: dimse.StatusPending}, g.Identifiers[g.index], nil
	case findFinal:
		return dimse.Success, nil, nil
	}
	return dimse.Status{}, nil, fmt.Errorf("dimsenet: find generator has no response in state %d", g.state)
}

func (g *FindResponseSlice) Next() error {
	switch g.state {
	case findPending:
		g.index++
		if g.index >= len(g.Identifiers) {
			g.state = findFinal
		}
	case findFinal:
		g.state = findDone
	default:
		return fmt.Errorf("dimsenet: find generator cannot advance in state %d", g.state)
	}
	return nil
}

func (g *FindResponseSlice) Cancel() { g.state = findDone }
