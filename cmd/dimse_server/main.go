// Command dimse_server runs a small DIMSE provider: it verifies
// (C-ECHO), keeps received instances in memory (C-STORE) and answers
// study-root queries over them (C-FIND).
//
// Usage: dimse_server -listen :11112
package main

import (
	"flag"
	"strings"
	"sync"

	"github.com/golang/glog"

	"github.com/lamyj/dimsenet"
	"github.com/lamyj/dimsenet/dicom"
	"github.com/lamyj/dimsenet/dimse"
)

var listenFlag = flag.String("listen", ":11112", "TCP address to listen on")

// store is the in-memory instance archive, keyed by SOP instance UID.
type store struct {
	mu        sync.Mutex
	instances map[string]*dicom.DataSet
}

func (s *store) onCStore(ds *dicom.DataSet) dimse.Status {
	uid, err := ds.GetString(dicom.TagSOPInstanceUID)
	if err != nil {
		return dimse.Status{
			Status:       dimse.StatusCStoreCannotUnderstand,
			ErrorComment: "no SOPInstanceUID",
		}
	}
	s.mu.Lock()
	s.instances[uid] = ds
	s.mu.Unlock()
	glog.Infof("Stored instance %s (%d elements)", uid, ds.Len())
	return dimse.Success
}

// matches snapshots the identifiers answering query, one per stored
// instance whose patient name matches.
func (s *store) matches(query *dicom.DataSet) []*dicom.DataSet {
	wantName, _ := query.GetString(dicom.TagPatientName)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*dicom.DataSet
	for _, ds := range s.instances {
		name, err := ds.GetString(dicom.TagPatientName)
		if err != nil {
			continue
		}
		if !nameMatches(wantName, name) {
			continue
		}
		identifier := dicom.NewDataSet()
		for _, tag := range []dicom.Tag{
			dicom.TagPatientName, dicom.TagPatientID, dicom.TagStudyInstanceUID,
		} {
			if elem, err := ds.Get(tag); err == nil {
				identifier.Add(tag, elem)
			}
		}
		out = append(out, identifier)
	}
	return out
}

// nameMatches implements the single-wildcard matching the samples
// need: empty or "*" matches everything, a trailing "*" matches a
// prefix, anything else matches exactly.
func nameMatches(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

func main() {
	flag.Parse()
	s := &store{instances: make(map[string]*dicom.DataSet)}
	sp, err := dimsenet.NewServiceProvider(dimsenet.ServiceProviderParams{
		OnCStore: s.onCStore,
		OnCFind: func() dimsenet.ResponseGenerator {
			return &findGenerator{store: s}
		},
	})
	if err != nil {
		glog.Exit(err)
	}
	glog.Infof("Listening on %s", *listenFlag)
	glog.Exit(sp.Run(*listenFlag))
}

// findGenerator snapshots the matching instances at Initialize and
// streams them.
type findGenerator struct {
	store *store
	slice dimsenet.FindResponseSlice
}

func (g *findGenerator) Initialize(req *dimse.C_FIND_RQ) error {
	g.slice.Identifiers = g.store.matches(req.Identifier)
	return g.slice.Initialize(req)
}

func (g *findGenerator) Done() bool { return g.slice.Done() }

func (g *findGenerator) Get() (dimse.Status, *dicom.DataSet, error) { return g.slice.Get() }

func (g *findGenerator) Next() error { return g.slice.Next() }

func (g *findGenerator) Cancel() { g.slice.Cancel() }
