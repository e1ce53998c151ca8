package dicom

import "fmt"

// VR is a DICOM value representation, a two-letter code naming the type
// of an element's value.
type VR string

// The value representations defined by the standard.
const (
	VRAE VR = "AE"
	VRAS VR = "AS"
	VRAT VR = "AT"
	VRCS VR = "CS"
	VRDA VR = "DA"
	VRDS VR = "DS"
	VRDT VR = "DT"
	VRFL VR = "FL"
	VRFD VR = "FD"
	VRIS VR = "IS"
	VRLO VR = "LO"
	VRLT VR = "LT"
	VROB VR = "OB"
	VROD VR = "OD"
	VROF VR = "OF"
	VROL VR = "OL"
	VROW VR = "OW"
	VRPN VR = "PN"
	VRSH VR = "SH"
	VRSL VR = "SL"
	VRSQ VR = "SQ"
	VRSS VR = "SS"
	VRST VR = "ST"
	VRTM VR = "TM"
	VRUC VR = "UC"
	VRUI VR = "UI"
	VRUL VR = "UL"
	VRUN VR = "UN"
	VRUR VR = "UR"
	VRUS VR = "US"
	VRUT VR = "UT"
)

// ValueKind is the category of data a VR stores.
type ValueKind int

const (
	// Ints stores signed 64-bit integers (IS, SL, SS, UL, US, AT).
	Ints ValueKind = iota
	// Reals stores 64-bit floats (DS, FL, FD).
	Reals
	// Strings stores text strings.
	Strings
	// DataSets stores nested data sets (SQ).
	DataSets
	// Binary stores raw byte buffers (OB, OD, OF, OL, OW, UN).
	Binary
)

func (k ValueKind) String() string {
	switch k {
	case Ints:
		return "Ints"
	case Reals:
		return "Reals"
	case Strings:
		return "Strings"
	case DataSets:
		return "DataSets"
	case Binary:
		return "Binary"
	}
	return fmt.Sprintf("ValueKind(%d)", int(k))
}

type vrInfo struct {
	kind ValueKind
	// Explicit-VR encoding uses a 2-byte length field for short VRs and
	// a 2-byte reserved gap plus a 4-byte length field for long ones.
	longLength bool
	// Byte appended when the encoded value has odd length.
	padding byte
	// Width in bytes of one binary-coded value; zero for text and raw
	// byte VRs.
	width int
}

var vrTable = map[VR]vrInfo{
	VRAE: {kind: Strings, padding: ' '},
	VRAS: {kind: Strings, padding: ' '},
	VRAT: {kind: Ints, width: 4},
	VRCS: {kind: Strings, padding: ' '},
	VRDA: {kind: Strings, padding: ' '},
	VRDS: {kind: Reals, padding: ' '},
	VRDT: {kind: Strings, padding: ' '},
	VRFL: {kind: Reals, width: 4},
	VRFD: {kind: Reals, width: 8},
	VRIS: {kind: Ints, padding: ' '},
	VRLO: {kind: Strings, padding: ' '},
	VRLT: {kind: Strings, padding: ' '},
	VROB: {kind: Binary, longLength: true, padding: 0},
	VROD: {kind: Binary, longLength: true},
	VROF: {kind: Binary, longLength: true},
	VROL: {kind: Binary, longLength: true},
	VROW: {kind: Binary, longLength: true},
	VRPN: {kind: Strings, padding: ' '},
	VRSH: {kind: Strings, padding: ' '},
	VRSL: {kind: Ints, width: 4},
	VRSQ: {kind: DataSets, longLength: true},
	VRSS: {kind: Ints, width: 2},
	VRST: {kind: Strings, padding: ' '},
	VRTM: {kind: Strings, padding: ' '},
	VRUC: {kind: Strings, longLength: true, padding: ' '},
	VRUI: {kind: Strings, padding: 0},
	VRUL: {kind: Ints, width: 4},
	VRUN: {kind: Binary, longLength: true},
	VRUR: {kind: Strings, longLength: true, padding: ' '},
	VRUS: {kind: Ints, width: 2},
	VRUT: {kind: Strings, longLength: true, padding: ' '},
}

// ParseVR maps a two-letter code to a VR. Unknown codes decode as UN,
// as the standard requires for explicit-VR streams.
func ParseVR(code string) VR {
	vr := VR(code)
	if _, ok := vrTable[vr]; !ok {
		return VRUN
	}
	return vr
}

// Kind returns the value category of the VR.
func (vr VR) Kind() ValueKind {
	info, ok := vrTable[vr]
	if !ok {
		return Binary
	}
	return info.kind
}

// IsLongLength reports whether the VR uses the reserved + 4-byte length
// form under explicit-VR encoding.
func (vr VR) IsLongLength() bool {
	return vrTable[vr].longLength
}

// Padding returns the byte used to pad odd-length encoded values.
func (vr VR) Padding() byte {
	return vrTable[vr].padding
}

func (vr VR) width() int {
	return vrTable[vr].width
}
