package dicom

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"v.io/x/lib/vlog"
)

// Mapping from SpecificCharacterSet (0008,0005) defined terms to
// encoding names understood by htmlindex. "" means 7-bit ASCII, which
// needs no conversion.
var charsetNames = map[string]string{
	"":                "",
	"ISO 2022 IR 6":   "",
	"ISO_IR 6":        "",
	"ISO_IR 13":       "shift_jis",
	"ISO 2022 IR 13":  "shift_jis",
	"ISO_IR 100":      "iso-8859-1",
	"ISO 2022 IR 100": "iso-8859-1",
	"ISO_IR 101":      "iso-8859-2",
	"ISO 2022 IR 101": "iso-8859-2",
	"ISO_IR 109":      "iso-8859-3",
	"ISO 2022 IR 109": "iso-8859-3",
	"ISO_IR 110":      "iso-8859-4",
	"ISO 2022 IR 110": "iso-8859-4",
	"ISO_IR 126":      "iso-8859-7",
	"ISO 2022 IR 126": "iso-8859-7",
	"ISO_IR 127":      "iso-8859-6",
	"ISO 2022 IR 127": "iso-8859-6",
	"ISO_IR 138":      "iso-8859-8",
	"ISO 2022 IR 138": "iso-8859-8",
	"ISO_IR 144":      "iso-8859-5",
	"ISO 2022 IR 144": "iso-8859-5",
	"ISO_IR 148":      "iso-8859-9",
	"ISO 2022 IR 148": "iso-8859-9",
	"ISO 2022 IR 87":  "iso-2022-jp",
	"ISO 2022 IR 149": "euc-kr",
	"ISO_IR 166":      "tis-620",
	"ISO 2022 IR 166": "tis-620",
	"ISO_IR 192":      "utf-8",
}

// VRs whose values are affected by SpecificCharacterSet. All other text
// VRs use the default repertoire.
var charsetAffectedVRs = map[VR]bool{
	VRSH: true,
	VRLO: true,
	VRST: true,
	VRLT: true,
	VRPN: true,
	VRUC: true,
	VRUT: true,
}

// charsetDecoder returns the converter for a SpecificCharacterSet
// element value, or nil when the repertoire is ASCII or UTF-8 and no
// conversion is needed. Multi-valued character sets select the first
// term, matching single-byte extension usage.
func charsetDecoder(terms []string) *encoding.Decoder {
	if len(terms) == 0 {
		return nil
	}
	name, ok := charsetNames[terms[0]]
	if !ok {
		vlog.Errorf("Unknown character set %q, assuming UTF-8", terms[0])
		return nil
	}
	if name == "" || name == "utf-8" {
		return nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		vlog.Errorf("No converter for character set %q (%s): %v", terms[0], name, err)
		return nil
	}
	return enc.NewDecoder()
}

// decodeText converts raw bytes to a string through dec, falling back
// to the raw bytes when conversion fails.
func decodeText(dec *encoding.Decoder, raw []byte) string {
	if dec == nil {
		return string(raw)
	}
	converted, err := dec.Bytes(raw)
	if err != nil {
		vlog.Errorf("Character set conversion failed: %v", err)
		return string(raw)
	}
	return string(converted)
}
