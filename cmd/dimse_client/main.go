// Command dimse_client exercises a remote DIMSE provider: verify it
// with C-ECHO, query it with C-FIND, or send it a generated secondary
// capture instance with C-STORE.
//
// Usage:
//
//	dimse_client -server host:port -echo
//	dimse_client -server host:port -find 'Doe^*'
//	dimse_client -server host:port -store
package main

import (
	"flag"
	"fmt"

	"github.com/golang/glog"

	"github.com/lamyj/dimsenet"
	"github.com/lamyj/dimsenet/dicom"
	"github.com/lamyj/dimsenet/dicom/dicomuid"
	"github.com/lamyj/dimsenet/dimse"
	"github.com/lamyj/dimsenet/sopclass"
)

var (
	serverFlag   = flag.String("server", "localhost:11112", "host:port of the remote application entity")
	calledFlag   = flag.String("called-ae", "ANY-SCP", "AE title of the remote application entity")
	callingFlag  = flag.String("calling-ae", "DIMSECLIENT", "AE title of this client")
	echoFlag     = flag.Bool("echo", false, "Issue a C-ECHO")
	findFlag     = flag.String("find", "", "Issue a study-root C-FIND matching this patient name")
	storeFlag    = flag.Bool("store", false, "Issue a C-STORE with a generated secondary capture instance")
	priorityFlag = flag.Uint("priority", uint(dimse.PriorityMedium), "DIMSE priority for C-STORE")
)

func associate(sopClasses []sopclass.SOPUID) *dimsenet.Association {
	a, err := dimsenet.Associate(*serverFlag, dimsenet.AssociateParams{
		CalledAETitle:  *calledFlag,
		CallingAETitle: *callingFlag,
		SOPClasses:     sopClasses,
	})
	if err != nil {
		glog.Exitf("Cannot associate with %s: %v", *serverFlag, err)
	}
	return a
}

func cEcho() {
	a := associate(sopclass.VerificationClasses)
	defer a.Release()
	status, err := dimsenet.EchoSCU(a)
	if err != nil {
		glog.Exitf("C-ECHO failed: %v", err)
	}
	fmt.Printf("C-ECHO status: %v\n", status)
}

func cFind(patientName string) {
	a := associate(sopclass.QRFindClasses)
	defer a.Release()
	query := dicom.NewDataSet()
	mustAddString(query, dicom.TagQueryRetrieveLevel, dicom.VRCS, "STUDY")
	mustAddString(query, dicom.TagPatientName, dicom.VRPN, patientName)
	mustAddString(query, dicom.TagPatientID, dicom.VRLO, "")
	mustAddString(query, dicom.TagStudyInstanceUID, dicom.VRUI, "")
	n := 0
	status, err := dimsenet.FindSCU(a, dicomuid.StudyRootQRFind, query, func(match *dicom.DataSet) {
		n++
		fmt.Printf("Match %d:\n%v\n", n, match)
	})
	if err != nil {
		glog.Exitf("C-FIND failed: %v", err)
	}
	fmt.Printf("C-FIND finished with %d matches, status %v\n", n, status)
}

func cStore() {
	a := associate(sopclass.StorageClasses)
	defer a.Release()
	status, err := dimsenet.StoreSCU(a, sampleInstance(), uint16(*priorityFlag))
	if err != nil {
		glog.Exitf("C-STORE failed: %v", err)
	}
	fmt.Printf("C-STORE status: %v\n", status)
}

// sampleInstance builds a minimal secondary capture instance with an
// 8x8 single-frame image.
func sampleInstance() *dicom.DataSet {
	ds := dicom.NewDataSet()
	ds.TransferSyntax = dicomuid.ImplicitVRLittleEndian
	mustAddString(ds, dicom.TagSOPClassUID, dicom.VRUI, dicomuid.SecondaryCaptureImageStorage)
	mustAddString(ds, dicom.TagSOPInstanceUID, dicom.VRUI, "1.2.826.0.1.3680043.9.7133.2.1")
	mustAddString(ds, dicom.TagModality, dicom.VRCS, "OT")
	mustAddString(ds, dicom.TagPatientName, dicom.VRPN, "Sample^Patient")
	mustAddString(ds, dicom.TagPatientID, dicom.VRLO, "SAMPLE1")
	mustAddString(ds, dicom.TagStudyInstanceUID, dicom.VRUI, "1.2.826.0.1.3680043.9.7133.2.2")
	mustAddString(ds, dicom.TagSeriesInstanceUID, dicom.VRUI, "1.2.826.0.1.3680043.9.7133.2.3")
	pixels := make([]byte, 64)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	elem, err := dicom.NewBinaryElement(dicom.VROB, pixels)
	if err != nil {
		glog.Exit(err)
	}
	ds.Add(dicom.TagPixelData, elem)
	return ds
}

func mustAddString(ds *dicom.DataSet, tag dicom.Tag, vr dicom.VR, v string) {
	elem, err := dicom.NewStringElement(vr, v)
	if err != nil {
		glog.Exit(err)
	}
	ds.Add(tag, elem)
}

func main() {
	flag.Parse()
	switch {
	case *echoFlag:
		cEcho()
	case *findFlag != "":
		cFind(*findFlag)
	case *storeFlag:
		cStore()
	default:
		glog.Exit("One of -echo, -find or -store is required")
	}
}
