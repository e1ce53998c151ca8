package dimsenet

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"v.io/x/lib/vlog"

	"github.com/lamyj/dimsenet/dicom"
	"github.com/lamyj/dimsenet/dicom/dicomio"
	"github.com/lamyj/dimsenet/dimse"
	"github.com/lamyj/dimsenet/pdu"
	"github.com/lamyj/dimsenet/sopclass"
)

// State of an Association.
type State int

const (
	StateIdle State = iota
	// Requestor side, A-ASSOCIATE-RQ sent.
	StateAwaitingAssociateResponse
	// Acceptor side, waiting for the A-ASSOCIATE-RQ.
	StateAwaitingAssociateRequest
	StateEstablished
	// A-RELEASE-RQ sent, waiting for the A-RELEASE-RP.
	StateAwaitingReleaseResponse
	StateReleased
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingAssociateResponse:
		return "AwaitingAssociateResponse"
	case StateAwaitingAssociateRequest:
		return "AwaitingAssociateRequest"
	case StateEstablished:
		return "Established"
	case StateAwaitingReleaseResponse:
		return "AwaitingReleaseResponse"
	case StateReleased:
		return "Released"
	case StateAborted:
		return "Aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AssociateParams configures the requestor side of an association.
type AssociateParams struct {
	CalledAETitle  string // Must be nonempty.
	CallingAETitle string // Must be nonempty.

	// Abstract syntaxes to propose, usually one of the sopclass lists.
	SOPClasses []sopclass.SOPUID

	// Transfer syntaxes offered per context. Empty means all three
	// uncompressed syntaxes.
	TransferSyntaxes []string

	// Optional SCP/SCU role selection proposals.
	Roles []RoleSelection

	// Maximum PDU size this side is willing to receive. Zero means
	// DefaultMaxPDUSize.
	MaxPDUSize uint32

	// Deadline for each blocking receive. Zero means no deadline.
	ReceiveTimeout time.Duration
}

// AcceptorParams configures the provider side of an association.
type AcceptorParams struct {
	// Abstract syntaxes the acceptor serves. Contexts proposing
	// anything else are rejected individually.
	SOPClasses []sopclass.SOPUID

	// Transfer syntaxes the acceptor supports, in preference order.
	// For each proposed context the first entry the requestor offered
	// wins. Empty means all three uncompressed syntaxes.
	TransferSyntaxes []string

	MaxPDUSize     uint32
	ReceiveTimeout time.Duration
}

// Association is one DICOM upper layer association over a reliable
// byte stream. It is single-owner: all methods must be called from one
// goroutine, and each blocks until its exchange completes. A server
// handling several peers runs one Association per goroutine.
type Association struct {
	conn net.Conn
	in   *bufio.Reader

	state          State
	requestor      bool
	cm             *contextManager
	assembler      dimse.CommandAssembler
	maxPDUSize     uint32
	receiveTimeout time.Duration
	connClosed     bool

	// AE titles exchanged in the handshake.
	CalledAETitle  string
	CallingAETitle string
}

// Associate dials addr and performs the association handshake as the
// requestor. On success the returned association is Established.
func Associate(addr string, params AssociateParams) (*Association, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	a, err := AssociateConn(conn, params)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// AssociateConn performs the requestor-side handshake on an existing
// connection. On error the caller still owns conn.
func AssociateConn(conn net.Conn, params AssociateParams) (*Association, error) {
	if params.CalledAETitle == "" || params.CallingAETitle == "" {
		return nil, errors.New("dimsenet: both AE titles must be set")
	}
	if len(params.SOPClasses) == 0 {
		return nil, errors.New("dimsenet: no SOP classes to propose")
	}
	transferSyntaxes, err := canonicalTransferSyntaxes(params.TransferSyntaxes)
	if err != nil {
		return nil, err
	}
	maxPDUSize := params.MaxPDUSize
	if maxPDUSize == 0 {
		maxPDUSize = DefaultMaxPDUSize
	}
	a := &Association{
		conn:           conn,
		in:             bufio.NewReader(conn),
		state:          StateIdle,
		requestor:      true,
		cm:             newContextManager(),
		maxPDUSize:     maxPDUSize,
		receiveTimeout: params.ReceiveTimeout,
		CalledAETitle:  params.CalledAETitle,
		CallingAETitle: params.CallingAETitle,
	}
	items := a.cm.generateAssociateRequest(
		params.SOPClasses, transferSyntaxes, params.Roles, maxPDUSize)
	if err := a.writePDU(&pdu.A_ASSOCIATE{
		Type:            pdu.PDUTypeA_ASSOCIATE_RQ,
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   params.CalledAETitle,
		CallingAETitle:  params.CallingAETitle,
		Items:           items,
	}); err != nil {
		return nil, err
	}
	a.state = StateAwaitingAssociateResponse
	p, err := a.readPDU()
	if err != nil {
		a.state = StateAborted
		return nil, err
	}
	switch v := p.(type) {
	case *pdu.A_ASSOCIATE:
		if v.Type != pdu.PDUTypeA_ASSOCIATE_AC {
			return nil, a.protocolAbort(fmt.Sprintf("unexpected PDU %v during handshake", v), pdu.AbortReasonUnexpectedPDU)
		}
		if err := a.cm.onAssociateResponse(v.Items); err != nil {
			return nil, a.abortWith(err, pdu.AbortReasonInvalidPDUParameter)
		}
		a.state = StateEstablished
		vlog.VI(1).Infof("Association established with %s", params.CalledAETitle)
		return a, nil
	case *pdu.A_ASSOCIATE_RJ:
		a.state = StateAborted
		a.closeConn()
		return nil, &RejectedError{Result: v.Result, Source: v.Source, Reason: v.Reason}
	case *pdu.A_ABORT:
		a.state = StateAborted
		a.closeConn()
		return nil, &AbortedError{Source: v.Source, Reason: v.Reason}
	}
	return nil, a.protocolAbort(fmt.Sprintf("unexpected PDU %v during handshake", p), pdu.AbortReasonUnexpectedPDU)
}

// ReceiveAssociation performs the acceptor-side handshake on an
// accepted connection. Unacceptable requests are answered with an
// A-ASSOCIATE-RJ and reported as an error; individual presentation
// contexts may still be rejected within an accepted association.
func ReceiveAssociation(conn net.Conn, params AcceptorParams) (*Association, error) {
	transferSyntaxes, err := canonicalTransferSyntaxes(params.TransferSyntaxes)
	if err != nil {
		return nil, err
	}
	maxPDUSize := params.MaxPDUSize
	if maxPDUSize == 0 {
		maxPDUSize = DefaultMaxPDUSize
	}
	a := &Association{
		conn:           conn,
		in:             bufio.NewReader(conn),
		state:          StateAwaitingAssociateRequest,
		cm:             newContextManager(),
		maxPDUSize:     maxPDUSize,
		receiveTimeout: params.ReceiveTimeout,
	}
	p, err := a.readPDU()
	if err != nil {
		a.state = StateAborted
		a.closeConn()
		return nil, err
	}
	rq, ok := p.(*pdu.A_ASSOCIATE)
	if !ok || rq.Type != pdu.PDUTypeA_ASSOCIATE_RQ {
		return nil, a.protocolAbort(fmt.Sprintf("expected A-ASSOCIATE-RQ, got %v", p), pdu.AbortReasonUnexpectedPDU)
	}
	a.CalledAETitle = rq.CalledAETitle
	a.CallingAETitle = rq.CallingAETitle
	policy := acceptorPolicy{
		sopClasses:         make(map[string]bool),
		transferSyntaxUIDs: transferSyntaxes,
		maxPDUSize:         maxPDUSize,
	}
	for _, sop := range params.SOPClasses {
		policy.sopClasses[sop.UID] = true
	}
	responseItems, err := a.cm.onAssociateRequest(rq.Items, policy)
	if err != nil {
		a.writePDU(&pdu.A_ASSOCIATE_RJ{
			Result: pdu.ResultRejectedPermanent,
			Source: pdu.SourceULServiceProviderACSE,
			Reason: pdu.ReasonApplicationContextNameNotSupported,
		})
		a.state = StateAborted
		a.closeConn()
		return nil, err
	}
	if err := a.writePDU(&pdu.A_ASSOCIATE{
		Type:            pdu.PDUTypeA_ASSOCIATE_AC,
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   rq.CalledAETitle,
		CallingAETitle:  rq.CallingAETitle,
		Items:           responseItems,
	}); err != nil {
		return nil, err
	}
	a.state = StateEstablished
	vlog.VI(1).Infof("Association established for %s from %s",
		rq.CalledAETitle, rq.CallingAETitle)
	return a, nil
}

func canonicalTransferSyntaxes(uids []string) ([]string, error) {
	if len(uids) == 0 {
		return dicomio.StandardTransferSyntaxes, nil
	}
	canonical := make([]string, len(uids))
	for i, uid := range uids {
		c, err := dicomio.CanonicalTransferSyntaxUID(uid)
		if err != nil {
			return nil, err
		}
		canonical[i] = c
	}
	return canonical, nil
}

// State returns the current association state.
func (a *Association) State() State { return a.state }

// Context returns the negotiated transfer syntax for an accepted
// abstract syntax.
func (a *Association) Context(abstractSyntaxUID string) (transferSyntaxUID string, err error) {
	e, err := a.cm.lookupByAbstractSyntaxUID(abstractSyntaxUID)
	if err != nil {
		return "", err
	}
	return e.transferSyntaxUID, nil
}

// SendMessage encodes msg and writes it on the presentation context
// negotiated for abstractSyntaxUID. The command set travels as implicit
// VR little endian; the data set, when present, uses the context's
// transfer syntax. Fragments respect the peer's maximum PDU size.
// Nothing is written when no matching context was accepted.
func (a *Association) SendMessage(msg *dimse.Message, abstractSyntaxUID string) error {
	if a.state != StateEstablished {
		return fmt.Errorf("dimsenet: cannot send in state %v", a.state)
	}
	context, err := a.cm.lookupByAbstractSyntaxUID(abstractSyntaxUID)
	if err != nil {
		return err
	}
	field, err := msg.CommandField()
	if err != nil {
		return err
	}
	isRequest := field&0x8000 == 0
	if a.requestor && isRequest && !context.requestorIsSCU {
		return &RoleUnsupportedError{AbstractSyntaxUID: abstractSyntaxUID, SCU: true}
	}
	if !a.requestor && isRequest && !context.requestorIsSCP {
		// The acceptor originates requests only when the requestor
		// negotiated itself into the SCP role for this SOP class.
		return &RoleUnsupportedError{AbstractSyntaxUID: abstractSyntaxUID, SCU: false}
	}
	commandBytes, err := dimse.EncodeCommandSet(msg.Command)
	if err != nil {
		return err
	}
	var dataBytes []byte
	if msg.Data != nil {
		e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
		dicom.WriteDataSetInTransferSyntax(e, msg.Data, context.transferSyntaxUID)
		if err := e.Finish(); err != nil {
			return err
		}
		dataBytes = e.Bytes()
	}
	vlog.VI(2).Infof("Sending message on context %d: %v (%d command bytes, %d data bytes)",
		context.contextID, msg, len(commandBytes), len(dataBytes))
	if err := a.sendFragments(context.contextID, commandBytes, true); err != nil {
		return err
	}
	if dataBytes != nil {
		return a.sendFragments(context.contextID, dataBytes, false)
	}
	return nil
}

// sendFragments splits payload into PDVs no larger than the peer's
// maximum PDU size allows, accounting for the six bytes of PDV header
// per fragment.
func (a *Association) sendFragments(contextID byte, payload []byte, command bool) error {
	maxChunk := int(a.cm.peerMaxPDUSize) - 6
	if maxChunk <= 0 {
		return &ProtocolError{Detail: fmt.Sprintf("peer maximum PDU size %d too small", a.cm.peerMaxPDUSize)}
	}
	for off := 0; ; off += maxChunk {
		end := off + maxChunk
		if end > len(payload) {
			end = len(payload)
		}
		item := pdu.PresentationDataValueItem{
			ContextID: contextID,
			Command:   command,
			Last:      end == len(payload),
			Value:     payload[off:end],
		}
		if err := a.writePDU(&pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{item}}); err != nil {
			return err
		}
		if item.Last {
			return nil
		}
	}
}

// ReceiveMessage blocks until one complete DIMSE message arrives. It
// returns ErrAssociationReleased when the peer releases the
// association, an AbortedError when it aborts, and ErrTimeout when the
// configured receive deadline passes (aborting the association).
func (a *Association) ReceiveMessage() (*dimse.Message, error) {
	if a.state != StateEstablished {
		return nil, fmt.Errorf("dimsenet: cannot receive in state %v", a.state)
	}
	for {
		p, err := a.readPDU()
		if err != nil {
			return nil, err
		}
		switch v := p.(type) {
		case *pdu.P_DATA_TF:
			contextID, command, dataBytes, err := a.assembler.AddDataPDU(v)
			if err != nil {
				return nil, a.abortWith(&ProtocolError{Detail: "bad data fragment", Cause: err}, pdu.AbortReasonInvalidPDUParameter)
			}
			if command == nil {
				continue
			}
			msg := &dimse.Message{Command: command}
			if dataBytes != nil {
				context, err := a.cm.lookupByContextID(contextID)
				if err != nil {
					return nil, a.abortWith(err, pdu.AbortReasonInvalidPDUParameter)
				}
				d := dicomio.NewBytesDecoder(dataBytes, binary.LittleEndian, dicomio.ImplicitVR)
				data, err := dicom.ReadDataSet(d, context.transferSyntaxUID)
				if err != nil {
					return nil, a.abortWith(&ProtocolError{Detail: "bad data set", Cause: err}, pdu.AbortReasonInvalidPDUParameter)
				}
				msg.Data = data
			}
			vlog.VI(2).Infof("Received message on context %d: %v", contextID, msg)
			return msg, nil
		case *pdu.A_RELEASE_RQ:
			a.writePDUIgnoringState(&pdu.A_RELEASE_RP{})
			a.state = StateReleased
			a.closeConn()
			return nil, ErrAssociationReleased
		case *pdu.A_ABORT:
			a.state = StateAborted
			a.closeConn()
			return nil, &AbortedError{Source: v.Source, Reason: v.Reason}
		default:
			return nil, a.protocolAbort(fmt.Sprintf("unexpected PDU %v while receiving", p), pdu.AbortReasonUnexpectedPDU)
		}
	}
}

// PollMessage waits up to wait for the start of an inbound message and
// returns (nil, nil) when none arrives in time. When bytes are already
// pending it behaves exactly like ReceiveMessage. Providers use it to
// look for a C-CANCEL between streamed responses.
func (a *Association) PollMessage(wait time.Duration) (*dimse.Message, error) {
	if a.state != StateEstablished {
		return nil, fmt.Errorf("dimsenet: cannot receive in state %v", a.state)
	}
	if a.in.Buffered() == 0 {
		a.conn.SetReadDeadline(time.Now().Add(wait))
		_, err := a.in.Peek(1)
		a.conn.SetReadDeadline(time.Time{})
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, nil
			}
			a.state = StateAborted
			a.closeConn()
			return nil, &TransportError{Err: err}
		}
	}
	return a.ReceiveMessage()
}

// Release performs the graceful shutdown handshake. On return the
// association is Released (or Aborted on failure) and the socket is
// closed.
func (a *Association) Release() error {
	if a.state != StateEstablished {
		return fmt.Errorf("dimsenet: cannot release in state %v", a.state)
	}
	if err := a.writePDU(&pdu.A_RELEASE_RQ{}); err != nil {
		return err
	}
	a.state = StateAwaitingReleaseResponse
	for {
		p, err := a.readPDU()
		if err != nil {
			return err
		}
		switch v := p.(type) {
		case *pdu.A_RELEASE_RP:
			a.state = StateReleased
			a.closeConn()
			vlog.VI(1).Infof("Association released")
			return nil
		case *pdu.P_DATA_TF:
			// Data already in flight when we asked to release; it has
			// no consumer anymore.
			vlog.VI(1).Infof("Dropping P-DATA-TF received during release")
			continue
		case *pdu.A_ABORT:
			a.state = StateAborted
			a.closeConn()
			return &AbortedError{Source: v.Source, Reason: v.Reason}
		default:
			return a.protocolAbort(fmt.Sprintf("unexpected PDU %v during release", p), pdu.AbortReasonUnexpectedPDU)
		}
	}
}

// Abort sends an A-ABORT and tears the association down. Calling it on
// an already-terminated association is a no-op.
func (a *Association) Abort(source, reason byte) error {
	if a.state == StateReleased || a.state == StateAborted {
		return nil
	}
	err := a.writePDUIgnoringState(&pdu.A_ABORT{Source: source, Reason: reason})
	a.state = StateAborted
	a.closeConn()
	if err != nil {
		return err
	}
	return &AbortedError{Source: source, Reason: reason}
}

// protocolAbort sends an A-ABORT for a protocol violation and returns
// the resulting ProtocolError.
func (a *Association) protocolAbort(detail string, reason byte) error {
	return a.abortWith(&ProtocolError{Detail: detail}, reason)
}

// abortWith aborts the association, keeping err as the reported cause.
func (a *Association) abortWith(err error, reason byte) error {
	vlog.Errorf("Aborting association: %v", err)
	source := byte(pdu.AbortSourceServiceUser)
	if !a.requestor {
		source = pdu.AbortSourceServiceProvider
	}
	a.writePDUIgnoringState(&pdu.A_ABORT{Source: source, Reason: reason})
	a.state = StateAborted
	a.closeConn()
	return err
}

func (a *Association) writePDU(p pdu.PDU) error {
	data, err := pdu.EncodePDU(p)
	if err != nil {
		return err
	}
	if _, err := a.conn.Write(data); err != nil {
		a.state = StateAborted
		a.closeConn()
		return &TransportError{Err: err}
	}
	vlog.VI(3).Infof("Sent PDU: %v", p)
	return nil
}

// writePDUIgnoringState writes best-effort during teardown, when the
// transport may already be broken.
func (a *Association) writePDUIgnoringState(p pdu.PDU) error {
	if a.connClosed {
		return nil
	}
	data, err := pdu.EncodePDU(p)
	if err != nil {
		return err
	}
	if _, err := a.conn.Write(data); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

func (a *Association) readPDU() (pdu.PDU, error) {
	if a.receiveTimeout > 0 {
		a.conn.SetReadDeadline(time.Now().Add(a.receiveTimeout))
	}
	p, err := pdu.ReadPDU(a.in, a.maxPDUSize)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			a.writePDUIgnoringState(&pdu.A_ABORT{
				Source: pdu.AbortSourceServiceUser,
				Reason: pdu.AbortReasonNotSpecified,
			})
			a.state = StateAborted
			a.closeConn()
			return nil, ErrTimeout
		}
		if errors.Is(err, io.EOF) || errors.As(err, new(*net.OpError)) {
			a.state = StateAborted
			a.closeConn()
			return nil, &TransportError{Err: err}
		}
		return nil, a.abortWith(&ProtocolError{Detail: "cannot read PDU", Cause: err}, pdu.AbortReasonUnrecognizedPDU)
	}
	vlog.VI(3).Infof("Received PDU: %v", p)
	return p, nil
}

// closeConn closes the socket, exactly once over the association's
// lifetime.
func (a *Association) closeConn() {
	if a.connClosed {
		return
	}
	a.connClosed = true
	if err := a.conn.Close(); err != nil {
		vlog.VI(1).Infof("Closing connection: %v", err)
	}
}
