// Package dicomuid is a static registry of standard DICOM unique
// identifiers: transfer syntaxes, SOP classes, and the application
// context used during association negotiation.
package dicomuid

import "fmt"

// Commonly used UIDs.
const (
	// Transfer syntaxes.
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2"

	// SOP classes.
	Verification                             = "1.2.840.10008.1.1"
	CTImageStorage                           = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage                   = "1.2.840.10008.5.1.4.1.1.2.1"
	MRImageStorage                           = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage                   = "1.2.840.10008.5.1.4.1.1.4.1"
	UltrasoundImageStorage                   = "1.2.840.10008.5.1.4.1.1.6.1"
	SecondaryCaptureImageStorage             = "1.2.840.10008.5.1.4.1.1.7"
	XRayAngiographicImageStorage             = "1.2.840.10008.5.1.4.1.1.12.1"
	XRayRadiofluoroscopicImageStorage        = "1.2.840.10008.5.1.4.1.1.12.2"
	DigitalXRayImageStorageForPresentation   = "1.2.840.10008.5.1.4.1.1.1.1"
	DigitalXRayImageStorageForProcessing     = "1.2.840.10008.5.1.4.1.1.1.1.1"
	NuclearMedicineImageStorage              = "1.2.840.10008.5.1.4.1.1.20"
	PositronEmissionTomographyImageStorage   = "1.2.840.10008.5.1.4.1.1.128"
	RTImageStorage                           = "1.2.840.10008.5.1.4.1.1.481.1"
	RTDoseStorage                            = "1.2.840.10008.5.1.4.1.1.481.2"
	RTStructureSetStorage                    = "1.2.840.10008.5.1.4.1.1.481.3"
	RTPlanStorage                            = "1.2.840.10008.5.1.4.1.1.481.5"
	PatientRootQRFind                        = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQRMove                        = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootQRGet                         = "1.2.840.10008.5.1.4.1.2.1.3"
	StudyRootQRFind                          = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQRMove                          = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQRGet                           = "1.2.840.10008.5.1.4.1.2.2.3"
	PatientStudyOnlyQRFind                   = "1.2.840.10008.5.1.4.1.2.3.1"
	ModalityWorklistInformationFind          = "1.2.840.10008.5.1.4.31"

	// The application context for DICOM upper layer associations.
	DICOMApplicationContextName = "1.2.840.10008.3.1.1.1"
)

// Info describes a registered UID.
type Info struct {
	UID  string
	Name string // Human readable name, e.g. "CT Image Storage".
	Type string // "SOP Class", "Transfer Syntax", "Application Context Name".
}

var registry map[string]Info

func put(uid, name, typ string) {
	registry[uid] = Info{UID: uid, Name: name, Type: typ}
}

func init() {
	registry = make(map[string]Info)
	put(ImplicitVRLittleEndian, "Implicit VR Little Endian", "Transfer Syntax")
	put(ExplicitVRLittleEndian, "Explicit VR Little Endian", "Transfer Syntax")
	put(DeflatedExplicitVRLittleEndian, "Deflated Explicit VR Little Endian", "Transfer Syntax")
	put(ExplicitVRBigEndian, "Explicit VR Big Endian (Retired)", "Transfer Syntax")
	put(Verification, "Verification SOP Class", "SOP Class")
	put(CTImageStorage, "CT Image Storage", "SOP Class")
	put(EnhancedCTImageStorage, "Enhanced CT Image Storage", "SOP Class")
	put(MRImageStorage, "MR Image Storage", "SOP Class")
	put(EnhancedMRImageStorage, "Enhanced MR Image Storage", "SOP Class")
	put(UltrasoundImageStorage, "Ultrasound Image Storage", "SOP Class")
	put(SecondaryCaptureImageStorage, "Secondary Capture Image Storage", "SOP Class")
	put(XRayAngiographicImageStorage, "X-Ray Angiographic Image Storage", "SOP Class")
	put(XRayRadiofluoroscopicImageStorage, "X-Ray Radiofluoroscopic Image Storage", "SOP Class")
	put(DigitalXRayImageStorageForPresentation, "Digital X-Ray Image Storage - For Presentation", "SOP Class")
	put(DigitalXRayImageStorageForProcessing, "Digital X-Ray Image Storage - For Processing", "SOP Class")
	put(NuclearMedicineImageStorage, "Nuclear Medicine Image Storage", "SOP Class")
	put(PositronEmissionTomographyImageStorage, "Positron Emission Tomography Image Storage", "SOP Class")
	put(RTImageStorage, "RT Image Storage", "SOP Class")
	put(RTDoseStorage, "RT Dose Storage", "SOP Class")
	put(RTStructureSetStorage, "RT Structure Set Storage", "SOP Class")
	put(RTPlanStorage, "RT Plan Storage", "SOP Class")
	put(PatientRootQRFind, "Patient Root Query/Retrieve Information Model - FIND", "SOP Class")
	put(PatientRootQRMove, "Patient Root Query/Retrieve Information Model - MOVE", "SOP Class")
	put(PatientRootQRGet, "Patient Root Query/Retrieve Information Model - GET", "SOP Class")
	put(StudyRootQRFind, "Study Root Query/Retrieve Information Model - FIND", "SOP Class")
	put(StudyRootQRMove, "Study Root Query/Retrieve Information Model - MOVE", "SOP Class")
	put(StudyRootQRGet, "Study Root Query/Retrieve Information Model - GET", "SOP Class")
	put(PatientStudyOnlyQRFind, "Patient/Study Only Query/Retrieve Information Model - FIND (Retired)", "SOP Class")
	put(ModalityWorklistInformationFind, "Modality Worklist Information Model - FIND", "SOP Class")
	put(DICOMApplicationContextName, "DICOM Application Context Name", "Application Context Name")
}

// Lookup returns the registry entry for the given UID.
func Lookup(uid string) (Info, error) {
	info, ok := registry[uid]
	if !ok {
		return Info{}, fmt.Errorf("dicomuid: UID %q not found", uid)
	}
	return info, nil
}

// UIDString returns a human-readable description of the UID, or the UID
// itself when it is not registered.
func UIDString(uid string) string {
	if info, ok := registry[uid]; ok {
		return fmt.Sprintf("%s[%s]", info.Name, uid)
	}
	return uid
}
