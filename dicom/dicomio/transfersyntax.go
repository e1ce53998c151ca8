package dicomio

import (
	"encoding/binary"
	"fmt"

	"github.com/lamyj/dimsenet/dicom/dicomuid"
)

// StandardTransferSyntaxes lists the uncompressed transfer syntaxes
// every conforming implementation is expected to handle.
var StandardTransferSyntaxes = []string{
	dicomuid.ImplicitVRLittleEndian,
	dicomuid.ExplicitVRLittleEndian,
	dicomuid.ExplicitVRBigEndian,
}

// CanonicalTransferSyntaxUID returns uid with well-known aliases
// resolved, or an error when uid does not name a transfer syntax this
// package can encode or decode.
func CanonicalTransferSyntaxUID(uid string) (string, error) {
	switch uid {
	case dicomuid.ImplicitVRLittleEndian,
		dicomuid.ExplicitVRLittleEndian,
		dicomuid.ExplicitVRBigEndian:
		return uid, nil
	default:
		return "", fmt.Errorf("dicomio: unsupported transfer syntax %s", dicomuid.UIDString(uid))
	}
}

// ParseTransferSyntaxUID maps a transfer syntax UID to the byte order
// and VR mode it mandates.
func ParseTransferSyntaxUID(uid string) (binary.ByteOrder, IsImplicitVR, error) {
	canonical, err := CanonicalTransferSyntaxUID(uid)
	if err != nil {
		return binary.LittleEndian, UnknownVR, err
	}
	switch canonical {
	case dicomuid.ImplicitVRLittleEndian:
		return binary.LittleEndian, ImplicitVR, nil
	case dicomuid.ExplicitVRLittleEndian:
		return binary.LittleEndian, ExplicitVR, nil
	case dicomuid.ExplicitVRBigEndian:
		return binary.BigEndian, ExplicitVR, nil
	}
	panic(fmt.Sprintf("dicomio: unreachable transfer syntax %q", canonical))
}
