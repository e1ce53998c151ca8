package dimsenet

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/lamyj/dimsenet/dicom"
	"github.com/lamyj/dimsenet/dicom/dicomuid"
	"github.com/lamyj/dimsenet/dimse"
	"github.com/lamyj/dimsenet/pdu"
	"github.com/lamyj/dimsenet/sopclass"
)

// startProvider runs a ServiceProvider on a fresh loopback port and
// returns its address.
func startProvider(t *testing.T, params ServiceProviderParams) string {
	t.Helper()
	sp, err := NewServiceProvider(params)
	if err != nil {
		t.Fatal(err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go sp.Serve(listener)
	t.Cleanup(func() { sp.Close() })
	return listener.Addr().String()
}

func mustAssociate(t *testing.T, addr string, params AssociateParams) *Association {
	t.Helper()
	if params.CalledAETitle == "" {
		params.CalledAETitle = "TESTSCP"
	}
	if params.CallingAETitle == "" {
		params.CallingAETitle = "TESTSCU"
	}
	a, err := Associate(addr, params)
	if err != nil {
		t.Fatalf("Associate(%s): %v", addr, err)
	}
	return a
}

func addString(t testing.TB, ds *dicom.DataSet, tag dicom.Tag, vr dicom.VR, v string) {
	t.Helper()
	elem, err := dicom.NewStringElement(vr, v)
	if err != nil {
		t.Fatal(err)
	}
	ds.Add(tag, elem)
}

func TestEchoRoundTrip(t *testing.T) {
	echoed := false
	addr := startProvider(t, ServiceProviderParams{
		OnCEcho: func() dimse.Status {
			echoed = true
			return dimse.Success
		},
	})
	a := mustAssociate(t, addr, AssociateParams{SOPClasses: sopclass.VerificationClasses})
	status, err := EchoSCU(a)
	if err != nil {
		t.Fatalf("EchoSCU: %v", err)
	}
	if !status.Status.IsSuccess() {
		t.Errorf("echo status = %v, want success", status)
	}
	if !echoed {
		t.Error("provider echo callback never ran")
	}
	if err := a.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
	if a.State() != StateReleased {
		t.Errorf("state after release = %v, want Released", a.State())
	}
}

func TestFindStreaming(t *testing.T) {
	var identifiers []*dicom.DataSet
	for _, name := range []string{"Doe^John", "Doe^Jane"} {
		ds := dicom.NewDataSet()
		addString(t, ds, dicom.TagPatientName, dicom.VRPN, name)
		identifiers = append(identifiers, ds)
	}
	addr := startProvider(t, ServiceProviderParams{
		OnCFind: func() ResponseGenerator {
			return &FindResponseSlice{Identifiers: identifiers}
		},
	})
	a := mustAssociate(t, addr, AssociateParams{SOPClasses: sopclass.QRFindClasses})
	defer a.Release()

	query := dicom.NewDataSet()
	addString(t, query, dicom.TagQueryRetrieveLevel, dicom.VRCS, "STUDY")
	addString(t, query, dicom.TagPatientName, dicom.VRPN, "Doe^*")
	var got []string
	status, err := FindSCU(a, dicomuid.StudyRootQRFind, query, func(match *dicom.DataSet) {
		name, err := match.GetString(dicom.TagPatientName)
		if err != nil {
			t.Errorf("match without patient name: %v", err)
			return
		}
		got = append(got, name)
	})
	if err != nil {
		t.Fatalf("FindSCU: %v", err)
	}
	if !status.Status.IsSuccess() {
		t.Errorf("find status = %v, want success", status)
	}
	want := []string{"Doe^John", "Doe^Jane"}
	if len(got) != len(want) {
		t.Fatalf("got %d matches %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("match %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// A stored data set larger than the provider's maximum PDU size must
// arrive intact through fragmentation.
func TestStoreFragmented(t *testing.T) {
	received := make(chan *dicom.DataSet, 1)
	addr := startProvider(t, ServiceProviderParams{
		MaxPDUSize: 1024,
		OnCStore: func(ds *dicom.DataSet) dimse.Status {
			received <- ds
			return dimse.Success
		},
	})
	ds := dicom.NewDataSet()
	addString(t, ds, dicom.TagSOPClassUID, dicom.VRUI, dicomuid.SecondaryCaptureImageStorage)
	addString(t, ds, dicom.TagSOPInstanceUID, dicom.VRUI, "1.2.826.0.1.3680043.9.7133.3.1")
	addString(t, ds, dicom.TagPatientID, dicom.VRLO, "FRAG1")
	pixels := make([]byte, 8192)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	elem, err := dicom.NewBinaryElement(dicom.VROW, pixels)
	if err != nil {
		t.Fatal(err)
	}
	ds.Add(dicom.TagPixelData, elem)

	// A small maximum PDU size also bounds what the provider reads, so
	// keep the association request to a single presentation context.
	a := mustAssociate(t, addr, AssociateParams{
		SOPClasses: []sopclass.SOPUID{
			{Name: "SecondaryCaptureImageStorage", UID: dicomuid.SecondaryCaptureImageStorage},
		},
	})
	defer a.Release()
	status, err := StoreSCU(a, ds, dimse.PriorityMedium)
	if err != nil {
		t.Fatalf("StoreSCU: %v", err)
	}
	if !status.Status.IsSuccess() {
		t.Fatalf("store status = %v, want success", status)
	}
	var out *dicom.DataSet
	select {
	case out = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("provider never received the instance")
	}
	if id, err := out.GetString(dicom.TagPatientID); err != nil || id != "FRAG1" {
		t.Errorf("received patient ID = %q, %v", id, err)
	}
	buffers, err := out.GetBinary(dicom.TagPixelData)
	if err != nil {
		t.Fatal(err)
	}
	if len(buffers) != 1 || !bytes.Equal(buffers[0], pixels) {
		t.Error("received pixel data differs from what was sent")
	}
}

// An accepted context whose service has no handler must be refused with
// an unrecognized-operation status, not an abort.
func TestUnhandledRequestRefused(t *testing.T) {
	addr := startProvider(t, ServiceProviderParams{
		SOPClasses: append(append([]sopclass.SOPUID{},
			sopclass.VerificationClasses...), sopclass.QRFindClasses...),
	})
	a := mustAssociate(t, addr, AssociateParams{SOPClasses: sopclass.QRFindClasses})
	defer a.Release()
	query := dicom.NewDataSet()
	addString(t, query, dicom.TagPatientName, dicom.VRPN, "*")
	status, err := FindSCU(a, dicomuid.StudyRootQRFind, query, func(*dicom.DataSet) {
		t.Error("refused find produced a match")
	})
	if err != nil {
		t.Fatalf("FindSCU: %v", err)
	}
	if status.Status != dimse.StatusUnrecognizedOperation {
		t.Errorf("status = %v, want unrecognized operation", status)
	}
}

func TestPeerAbort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		srv, err := ReceiveAssociation(conn, AcceptorParams{SOPClasses: sopclass.VerificationClasses})
		if err != nil {
			return
		}
		// Read the request, then slam the door.
		srv.ReceiveMessage()
		srv.Abort(pdu.AbortSourceServiceProvider, pdu.AbortReasonNotSpecified)
	}()
	a := mustAssociate(t, listener.Addr().String(), AssociateParams{SOPClasses: sopclass.VerificationClasses})
	_, err = EchoSCU(a)
	var aborted *AbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("EchoSCU after peer abort: %v, want AbortedError", err)
	}
	if aborted.Source != pdu.AbortSourceServiceProvider {
		t.Errorf("abort source = %d, want %d", aborted.Source, pdu.AbortSourceServiceProvider)
	}
	if a.State() != StateAborted {
		t.Errorf("state after abort = %v, want Aborted", a.State())
	}
}

// A send for a SOP class no accepted context covers must fail cleanly
// without disturbing the association.
func TestSendWithoutAcceptedContext(t *testing.T) {
	addr := startProvider(t, ServiceProviderParams{}) // verification only
	a := mustAssociate(t, addr, AssociateParams{
		SOPClasses: append(append([]sopclass.SOPUID{},
			sopclass.VerificationClasses...), sopclass.QRFindClasses...),
	})
	defer a.Release()
	query := dicom.NewDataSet()
	addString(t, query, dicom.TagPatientName, dicom.VRPN, "*")
	_, err := FindSCU(a, dicomuid.StudyRootQRFind, query, nil)
	var notFound *ContextNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("FindSCU on rejected context: %v, want ContextNotFoundError", err)
	}
	if notFound.AbstractSyntaxUID != dicomuid.StudyRootQRFind {
		t.Errorf("error names %s, want %s", notFound.AbstractSyntaxUID, dicomuid.StudyRootQRFind)
	}
	// The association survives: verification still works.
	if status, err := EchoSCU(a); err != nil || !status.Status.IsSuccess() {
		t.Errorf("echo after failed send: %v, %v", status, err)
	}
}

func TestAssociateRejected(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := pdu.ReadPDU(conn, DefaultMaxPDUSize); err != nil {
			return
		}
		data, err := pdu.EncodePDU(&pdu.A_ASSOCIATE_RJ{
			Result: pdu.ResultRejectedPermanent,
			Source: pdu.SourceULServiceProviderACSE,
			Reason: pdu.ReasonApplicationContextNameNotSupported,
		})
		if err != nil {
			return
		}
		conn.Write(data)
	}()
	_, err = Associate(listener.Addr().String(), AssociateParams{
		CalledAETitle:  "TESTSCP",
		CallingAETitle: "TESTSCU",
		SOPClasses:     sopclass.VerificationClasses,
	})
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Associate: %v, want RejectedError", err)
	}
	if rejected.Result != pdu.ResultRejectedPermanent {
		t.Errorf("reject result = %d, want %d", rejected.Result, pdu.ResultRejectedPermanent)
	}
}

func TestReceiveTimeout(t *testing.T) {
	addr := startProvider(t, ServiceProviderParams{})
	a := mustAssociate(t, addr, AssociateParams{
		SOPClasses:     sopclass.VerificationClasses,
		ReceiveTimeout: 50 * time.Millisecond,
	})
	_, err := a.ReceiveMessage()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReceiveMessage with nothing inbound: %v, want ErrTimeout", err)
	}
	if a.State() != StateAborted {
		t.Errorf("state after timeout = %v, want Aborted", a.State())
	}
}

func TestRoleSelectionBlocksSCU(t *testing.T) {
	addr := startProvider(t, ServiceProviderParams{})
	a := mustAssociate(t, addr, AssociateParams{
		SOPClasses: sopclass.VerificationClasses,
		Roles: []RoleSelection{
			{SOPClassUID: dicomuid.Verification, SCU: false, SCP: true},
		},
	})
	defer a.Abort(pdu.AbortSourceServiceUser, pdu.AbortReasonNotSpecified)
	_, err := EchoSCU(a)
	var role *RoleUnsupportedError
	if !errors.As(err, &role) {
		t.Fatalf("EchoSCU with SCU role negotiated away: %v, want RoleUnsupportedError", err)
	}
	if !role.SCU {
		t.Error("error should name the SCU role")
	}
}

// Cancelling a running find must stop the stream with a cancel status.
func TestFindCancel(t *testing.T) {
	oldWait := findCancelWait
	findCancelWait = 100 * time.Millisecond
	defer func() { findCancelWait = oldWait }()

	var identifiers []*dicom.DataSet
	for i := 0; i < 100; i++ {
		ds := dicom.NewDataSet()
		addString(t, ds, dicom.TagPatientName, dicom.VRPN, "Doe^John")
		identifiers = append(identifiers, ds)
	}
	addr := startProvider(t, ServiceProviderParams{
		OnCFind: func() ResponseGenerator {
			return &FindResponseSlice{Identifiers: identifiers}
		},
	})
	a := mustAssociate(t, addr, AssociateParams{SOPClasses: sopclass.QRFindClasses})
	defer a.Release()

	query := dicom.NewDataSet()
	addString(t, query, dicom.TagPatientName, dicom.VRPN, "*")
	req := &dimse.C_FIND_RQ{
		AffectedSOPClassUID: dicomuid.StudyRootQRFind,
		MessageID:           7,
		Priority:            dimse.PriorityMedium,
		Identifier:          query,
	}
	msg, err := req.Message()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SendMessage(msg, dicomuid.StudyRootQRFind); err != nil {
		t.Fatal(err)
	}

	readResponse := func() *dimse.C_FIND_RSP {
		t.Helper()
		inMsg, err := a.ReceiveMessage()
		if err != nil {
			t.Fatalf("ReceiveMessage: %v", err)
		}
		cmd, err := dimse.Decode(inMsg)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		resp, ok := cmd.(*dimse.C_FIND_RSP)
		if !ok {
			t.Fatalf("got %v, want C-FIND-RSP", cmd)
		}
		return resp
	}

	// Take the first pending response, then ask for the rest to stop.
	first := readResponse()
	if !first.Status.Status.IsPending() {
		t.Fatalf("first response status = %v, want pending", first.Status)
	}
	cancel := &dimse.C_CANCEL_RQ{MessageIDBeingRespondedTo: req.MessageID}
	cancelMsg, err := cancel.Message()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SendMessage(cancelMsg, dicomuid.StudyRootQRFind); err != nil {
		t.Fatal(err)
	}
	var final *dimse.C_FIND_RSP
	for i := 0; i < len(identifiers)+1; i++ {
		resp := readResponse()
		if !resp.Status.Status.IsPending() {
			final = resp
			break
		}
	}
	if final == nil {
		t.Fatal("find streamed every response despite the cancel")
	}
	if final.Status.Status != dimse.StatusCancel {
		t.Errorf("final status = %v, want cancel", final.Status)
	}
}
