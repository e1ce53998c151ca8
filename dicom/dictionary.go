package dicom

// tagVRs maps the tags this library itself produces or inspects to
// their dictionary VRs, for decoding implicit-VR streams. Tags outside
// the table decode as UN.
var tagVRs = map[Tag]VR{
	TagCommandGroupLength:             VRUL,
	TagAffectedSOPClassUID:            VRUI,
	TagRequestedSOPClassUID:           VRUI,
	TagCommandField:                   VRUS,
	TagMessageID:                      VRUS,
	TagMessageIDBeingRespondedTo:      VRUS,
	TagMoveDestination:                VRAE,
	TagPriority:                       VRUS,
	TagCommandDataSetType:             VRUS,
	TagStatus:                         VRUS,
	TagErrorComment:                   VRLO,
	TagAffectedSOPInstanceUID:         VRUI,
	TagRequestedSOPInstanceUID:        VRUI,
	TagNumberOfRemainingSuboperations: VRUS,
	TagNumberOfCompletedSuboperations: VRUS,
	TagNumberOfFailedSuboperations:    VRUS,
	TagNumberOfWarningSuboperations:   VRUS,

	TagSpecificCharacterSet:  VRCS,
	{0x0008, 0x0008}:         VRCS, // ImageType
	TagSOPClassUID:           VRUI,
	TagSOPInstanceUID:        VRUI,
	TagStudyDate:             VRDA,
	{0x0008, 0x0021}:         VRDA, // SeriesDate
	{0x0008, 0x0030}:         VRTM, // StudyTime
	{0x0008, 0x0050}:         VRSH, // AccessionNumber
	TagQueryRetrieveLevel:    VRCS,
	TagModality:              VRCS,
	{0x0008, 0x0080}:         VRLO, // InstitutionName
	{0x0008, 0x0090}:         VRPN, // ReferringPhysicianName
	{0x0008, 0x103E}:         VRLO, // SeriesDescription
	{0x0008, 0x1110}:         VRSQ, // ReferencedStudySequence
	{0x0008, 0x1111}:         VRSQ, // ReferencedPerformedProcedureStepSequence
	{0x0008, 0x1115}:         VRSQ, // ReferencedSeriesSequence
	{0x0008, 0x1140}:         VRSQ, // ReferencedImageSequence
	TagPatientName:           VRPN,
	TagPatientID:             VRLO,
	{0x0010, 0x0030}:         VRDA, // PatientBirthDate
	{0x0010, 0x0040}:         VRCS, // PatientSex
	TagStudyInstanceUID:      VRUI,
	TagSeriesInstanceUID:     VRUI,
	{0x0020, 0x0010}:         VRSH, // StudyID
	{0x0020, 0x0011}:         VRIS, // SeriesNumber
	{0x0020, 0x0013}:         VRIS, // InstanceNumber
	{0x0028, 0x0002}:         VRUS, // SamplesPerPixel
	{0x0028, 0x0010}:         VRUS, // Rows
	{0x0028, 0x0011}:         VRUS, // Columns
	{0x0028, 0x0100}:         VRUS, // BitsAllocated
	{0x0028, 0x0101}:         VRUS, // BitsStored
	{0x0028, 0x0102}:         VRUS, // HighBit
	{0x0028, 0x0103}:         VRUS, // PixelRepresentation
	{0x0040, 0x0100}:         VRSQ, // ScheduledProcedureStepSequence
	TagPixelData:             VROW,
}

// LookupVR returns the dictionary VR for tag under implicit-VR
// decoding. Group-length elements are UL; unknown tags are UN.
func LookupVR(tag Tag) VR {
	if vr, ok := tagVRs[tag]; ok {
		return vr
	}
	if tag.Element == 0x0000 {
		return VRUL
	}
	return VRUN
}
