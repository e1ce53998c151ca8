package pdu

import (
	"bytes"
	"strings"
	"testing"
)

const testMaxPDUSize = 4 << 20

func roundTrip(t *testing.T, p PDU) PDU {
	t.Helper()
	data, err := EncodePDU(p)
	if err != nil {
		t.Fatalf("EncodePDU(%v): %v", p, err)
	}
	out, err := ReadPDU(bytes.NewReader(data), testMaxPDUSize)
	if err != nil {
		t.Fatalf("ReadPDU(%v): %v", p, err)
	}
	if p.String() != out.String() {
		t.Errorf("round trip changed PDU:\n got %v\nwant %v", out, p)
	}
	return out
}

func TestAssociateRoundTrip(t *testing.T) {
	p := &A_ASSOCIATE{
		Type:            PDUTypeA_ASSOCIATE_RQ,
		ProtocolVersion: CurrentProtocolVersion,
		CalledAETitle:   "STORESCP",
		CallingAETitle:  "STORESCU",
		Items: []SubItem{
			&ApplicationContextItem{Name: "1.2.840.10008.3.1.1.1"},
			&PresentationContextItem{
				Type:      ItemTypePresentationContextRequest,
				ContextID: 1,
				Items: []SubItem{
					&AbstractSyntaxSubItem{Name: "1.2.840.10008.1.1"},
					&TransferSyntaxSubItem{Name: "1.2.840.10008.1.2"},
					&TransferSyntaxSubItem{Name: "1.2.840.10008.1.2.1"},
				},
			},
			&UserInformationItem{
				Items: []SubItem{
					&UserInformationMaximumLengthItem{MaximumLengthReceived: 16384},
					&ImplementationClassUIDSubItem{Name: "1.2.3.4"},
					&ImplementationVersionNameSubItem{Name: "TEST_1_0"},
					&RoleSelectionSubItem{SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", SCURole: 1, SCPRole: 1},
				},
			},
		},
	}
	roundTrip(t, p)
}

func TestAssociateACRoundTrip(t *testing.T) {
	p := &A_ASSOCIATE{
		Type:            PDUTypeA_ASSOCIATE_AC,
		ProtocolVersion: CurrentProtocolVersion,
		CalledAETitle:   "STORESCP",
		CallingAETitle:  "STORESCU",
		Items: []SubItem{
			&ApplicationContextItem{Name: "1.2.840.10008.3.1.1.1"},
			&PresentationContextItem{
				Type:      ItemTypePresentationContextResponse,
				ContextID: 1,
				Result:    PresentationContextAccepted,
				Items: []SubItem{
					&TransferSyntaxSubItem{Name: "1.2.840.10008.1.2"},
				},
			},
			&UserInformationItem{
				Items: []SubItem{
					&UserInformationMaximumLengthItem{MaximumLengthReceived: 4 << 20},
				},
			},
		},
	}
	roundTrip(t, p)
}

func TestAssociateAETitlePadding(t *testing.T) {
	p := &A_ASSOCIATE{
		Type:            PDUTypeA_ASSOCIATE_RQ,
		ProtocolVersion: CurrentProtocolVersion,
		CalledAETitle:   "A",
		CallingAETitle:  "B",
		Items:           []SubItem{&ApplicationContextItem{Name: "1.2.840.10008.3.1.1.1"}},
	}
	data, err := EncodePDU(p)
	if err != nil {
		t.Fatal(err)
	}
	// 6-byte header, 2-byte version, 2 reserved, then two 16-byte
	// space-padded AE titles.
	called := string(data[10:26])
	if called != "A"+strings.Repeat(" ", 15) {
		t.Errorf("called AE title not space padded: %q", called)
	}
	out := roundTrip(t, p).(*A_ASSOCIATE)
	if out.CalledAETitle != "A" || out.CallingAETitle != "B" {
		t.Errorf("AE titles not trimmed: %q %q", out.CalledAETitle, out.CallingAETitle)
	}
}

func TestAssociateEmptyAETitle(t *testing.T) {
	p := &A_ASSOCIATE{
		Type:            PDUTypeA_ASSOCIATE_RQ,
		ProtocolVersion: CurrentProtocolVersion,
		CallingAETitle:  "B",
	}
	if _, err := EncodePDU(p); err == nil {
		t.Error("encoding an A_ASSOCIATE without a called AE title should fail")
	}
}

func TestAssociateRJRoundTrip(t *testing.T) {
	roundTrip(t, &A_ASSOCIATE_RJ{
		Result: ResultRejectedPermanent,
		Source: SourceULServiceProviderACSE,
		Reason: ReasonApplicationContextNameNotSupported,
	})
}

func TestReleaseRoundTrip(t *testing.T) {
	roundTrip(t, &A_RELEASE_RQ{})
	roundTrip(t, &A_RELEASE_RP{})
}

func TestAbortRoundTrip(t *testing.T) {
	roundTrip(t, &A_ABORT{Source: AbortSourceServiceUser, Reason: AbortReasonUnexpectedPDU})
}

func TestPDataTFRoundTrip(t *testing.T) {
	p := &P_DATA_TF{
		Items: []PresentationDataValueItem{
			{ContextID: 1, Command: true, Last: true, Value: []byte{1, 2, 3}},
			{ContextID: 1, Command: false, Last: false, Value: []byte{4, 5}},
		},
	}
	out := roundTrip(t, p).(*P_DATA_TF)
	if len(out.Items) != 2 {
		t.Fatalf("got %d PDV items, want 2", len(out.Items))
	}
	if !out.Items[0].Command || !out.Items[0].Last {
		t.Errorf("first PDV lost its command/last bits: %v", out.Items[0])
	}
	if out.Items[1].Command || out.Items[1].Last {
		t.Errorf("second PDV gained command/last bits: %v", out.Items[1])
	}
	if !bytes.Equal(out.Items[0].Value, []byte{1, 2, 3}) {
		t.Errorf("first PDV value changed: %v", out.Items[0].Value)
	}
}

func TestReadPDUOversized(t *testing.T) {
	data, err := EncodePDU(&A_ABORT{})
	if err != nil {
		t.Fatal(err)
	}
	// Rewrite the length field to something absurd.
	data[2], data[3], data[4], data[5] = 0xff, 0xff, 0xff, 0xff
	if _, err := ReadPDU(bytes.NewReader(data), 4096); err == nil {
		t.Error("oversized PDU length should be rejected")
	}
}

func TestReadPDUUnknownType(t *testing.T) {
	data := []byte{0x99, 0, 0, 0, 0, 0}
	if _, err := ReadPDU(bytes.NewReader(data), testMaxPDUSize); err == nil {
		t.Error("unknown PDU type should be rejected")
	}
}

func TestReadPDUTruncated(t *testing.T) {
	data, err := EncodePDU(&A_ASSOCIATE_RJ{Result: 1, Source: 1, Reason: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPDU(bytes.NewReader(data[:len(data)-2]), testMaxPDUSize); err == nil {
		t.Error("truncated PDU should be rejected")
	}
}

func TestUnsupportedSubItemPassthrough(t *testing.T) {
	p := &A_ASSOCIATE{
		Type:            PDUTypeA_ASSOCIATE_RQ,
		ProtocolVersion: CurrentProtocolVersion,
		CalledAETitle:   "A",
		CallingAETitle:  "B",
		Items: []SubItem{
			&UserInformationItem{
				Items: []SubItem{
					&UserIdentitySubItem{Type: ItemTypeUserIdentityRequest, Data: []byte("user")},
				},
			},
		},
	}
	roundTrip(t, p)
}

func FuzzReadPDU(f *testing.F) {
	for _, p := range []PDU{
		&A_ABORT{Source: AbortSourceServiceProvider, Reason: AbortReasonInvalidPDUParameter},
		&A_RELEASE_RQ{},
		&P_DATA_TF{Items: []PresentationDataValueItem{{ContextID: 1, Command: true, Last: true, Value: []byte{0}}}},
	} {
		data, err := EncodePDU(p)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(data)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic or allocate unboundedly.
		pdu, err := ReadPDU(bytes.NewReader(data), 1<<16)
		if err == nil {
			_ = pdu.String()
		}
	})
}
