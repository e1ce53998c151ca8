package dimsenet

import (
	"fmt"

	"v.io/x/lib/vlog"

	"github.com/lamyj/dimsenet/dicom/dicomuid"
	"github.com/lamyj/dimsenet/pdu"
	"github.com/lamyj/dimsenet/sopclass"
)

// DefaultMaxPDUSize is offered in the maximum-length sub-item when the
// caller does not pick a size.
const DefaultMaxPDUSize uint32 = 4 << 20

// implementationClassUID identifies this library in association
// negotiation. Issued under a test UID root.
const implementationClassUID = "1.2.826.0.1.3680043.9.7133.1.1"

const implementationVersionName = "DIMSENET_0_1"

// contextManagerEntry is one accepted presentation context: the
// association-scoped context ID and the syntaxes negotiated for it.
type contextManagerEntry struct {
	contextID         byte
	abstractSyntaxUID string
	transferSyntaxUID string

	// Role selection outcome for the abstract syntax. With no role
	// negotiation the defaults apply: the requestor acts as SCU, the
	// acceptor as SCP.
	requestorIsSCU bool
	requestorIsSCP bool
}

// contextManager tracks the presentation contexts of one association:
// context IDs are allocated anew in each handshake, while the abstract
// syntax UIDs they bind to are global.
type contextManager struct {
	// The two maps are inverses of each other.
	contextIDMap         map[byte]*contextManagerEntry
	abstractSyntaxUIDMap map[string]*contextManagerEntry

	// Peer properties gleaned from the A-ASSOCIATE exchange.
	peerMaxPDUSize                uint32
	peerImplementationClassUID    string
	peerImplementationVersionName string

	// Requestor side only: the contexts proposed in the A-ASSOCIATE-RQ,
	// by context ID, matched against the A-ASSOCIATE-AC when it
	// arrives.
	proposed map[byte]*pdu.PresentationContextItem
}

func newContextManager() *contextManager {
	return &contextManager{
		contextIDMap:         make(map[byte]*contextManagerEntry),
		abstractSyntaxUIDMap: make(map[string]*contextManagerEntry),
		// Default used by common implementations when the peer omits
		// the maximum-length item.
		peerMaxPDUSize: 16384,
		proposed:       make(map[byte]*pdu.PresentationContextItem),
	}
}

// RoleSelection proposes SCP/SCU role negotiation for one SOP class.
type RoleSelection struct {
	SOPClassUID string
	SCU         bool
	SCP         bool
}

// generateAssociateRequest builds the sub-item list of an
// A-ASSOCIATE-RQ proposing one presentation context per SOP class,
// each offering all of transferSyntaxUIDs.
func (m *contextManager) generateAssociateRequest(
	sopClasses []sopclass.SOPUID, transferSyntaxUIDs []string,
	roles []RoleSelection, maxPDUSize uint32) []pdu.SubItem {
	items := []pdu.SubItem{
		&pdu.ApplicationContextItem{
			Name: dicomuid.DICOMApplicationContextName,
		}}
	var contextID byte = 1
	for _, sop := range sopClasses {
		syntaxItems := []pdu.SubItem{
			&pdu.AbstractSyntaxSubItem{Name: sop.UID},
		}
		for _, syntaxUID := range transferSyntaxUIDs {
			syntaxItems = append(syntaxItems, &pdu.TransferSyntaxSubItem{Name: syntaxUID})
		}
		item := &pdu.PresentationContextItem{
			Type:      pdu.ItemTypePresentationContextRequest,
			ContextID: contextID,
			Items:     syntaxItems,
		}
		items = append(items, item)
		m.proposed[contextID] = item
		contextID += 2 // must be odd
	}
	userItems := []pdu.SubItem{
		&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: maxPDUSize},
		&pdu.ImplementationClassUIDSubItem{Name: implementationClassUID},
		&pdu.ImplementationVersionNameSubItem{Name: implementationVersionName},
	}
	for _, role := range roles {
		userItems = append(userItems, &pdu.RoleSelectionSubItem{
			SOPClassUID: role.SOPClassUID,
			SCURole:     roleByte(role.SCU),
			SCPRole:     roleByte(role.SCP),
		})
	}
	items = append(items, &pdu.UserInformationItem{Items: userItems})
	return items
}

func roleByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// acceptorPolicy is what the provider side is configured to accept.
type acceptorPolicy struct {
	// Abstract syntaxes the acceptor serves.
	sopClasses map[string]bool
	// Transfer syntaxes the acceptor supports, in preference order.
	transferSyntaxUIDs []string
	maxPDUSize         uint32
}

// onAssociateRequest inspects a received A-ASSOCIATE-RQ sub-item list
// and builds the A-ASSOCIATE-AC answer. Every proposed context is
// echoed with an outcome: the first transfer syntax in the acceptor's
// preference order that the requestor offered, or a rejection code.
func (m *contextManager) onAssociateRequest(requestItems []pdu.SubItem, policy acceptorPolicy) ([]pdu.SubItem, error) {
	responses := []pdu.SubItem{
		&pdu.ApplicationContextItem{
			Name: dicomuid.DICOMApplicationContextName,
		},
	}
	var requestedRoles []*pdu.RoleSelectionSubItem
	for _, requestItem := range requestItems {
		switch ri := requestItem.(type) {
		case *pdu.ApplicationContextItem:
			if ri.Name != dicomuid.DICOMApplicationContextName {
				return nil, &ProtocolError{Detail: fmt.Sprintf("unexpected application context %q", ri.Name)}
			}
		case *pdu.PresentationContextItem:
			response, entry, err := negotiateContext(ri, policy)
			if err != nil {
				return nil, err
			}
			responses = append(responses, response)
			if entry != nil {
				m.addMapping(*entry)
			}
		case *pdu.UserInformationItem:
			for _, subItem := range ri.Items {
				switch c := subItem.(type) {
				case *pdu.UserInformationMaximumLengthItem:
					m.peerMaxPDUSize = c.MaximumLengthReceived
				case *pdu.ImplementationClassUIDSubItem:
					m.peerImplementationClassUID = c.Name
				case *pdu.ImplementationVersionNameSubItem:
					m.peerImplementationVersionName = c.Name
				case *pdu.RoleSelectionSubItem:
					requestedRoles = append(requestedRoles, c)
				}
			}
		}
	}
	userItems := []pdu.SubItem{
		&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: policy.maxPDUSize},
		&pdu.ImplementationClassUIDSubItem{Name: implementationClassUID},
		&pdu.ImplementationVersionNameSubItem{Name: implementationVersionName},
	}
	for _, role := range requestedRoles {
		// Accept whatever roles the requestor proposed for the SOP
		// classes we serve; zero out both for the rest.
		scu, scp := role.SCURole, role.SCPRole
		if !policy.sopClasses[role.SOPClassUID] {
			scu, scp = 0, 0
		}
		userItems = append(userItems, &pdu.RoleSelectionSubItem{
			SOPClassUID: role.SOPClassUID,
			SCURole:     scu,
			SCPRole:     scp,
		})
		m.applyRoleSelection(role.SOPClassUID, scu == 1, scp == 1)
	}
	responses = append(responses, &pdu.UserInformationItem{Items: userItems})
	vlog.VI(1).Infof("Answered associate request: %d contexts accepted, peer maxPDU %d, impl %s %s",
		len(m.contextIDMap), m.peerMaxPDUSize,
		m.peerImplementationClassUID, m.peerImplementationVersionName)
	return responses, nil
}

// negotiateContext decides the outcome of one proposed presentation
// context. A non-nil entry means the context was accepted.
func negotiateContext(ri *pdu.PresentationContextItem, policy acceptorPolicy) (*pdu.PresentationContextItem, *contextManagerEntry, error) {
	var sopUID string
	offered := make(map[string]bool)
	var firstOffered string
	for _, subItem := range ri.Items {
		switch c := subItem.(type) {
		case *pdu.AbstractSyntaxSubItem:
			if sopUID != "" {
				return nil, nil, &ProtocolError{Detail: fmt.Sprintf("multiple abstract syntaxes in context %d", ri.ContextID)}
			}
			sopUID = c.Name
		case *pdu.TransferSyntaxSubItem:
			offered[c.Name] = true
			if firstOffered == "" {
				firstOffered = c.Name
			}
		default:
			return nil, nil, &ProtocolError{Detail: fmt.Sprintf("unexpected sub-item %v in context %d", subItem, ri.ContextID)}
		}
	}
	if sopUID == "" || firstOffered == "" {
		return nil, nil, &ProtocolError{Detail: fmt.Sprintf("context %d lacks an abstract or transfer syntax", ri.ContextID)}
	}
	reject := func(result pdu.PresentationContextResult) *pdu.PresentationContextItem {
		// A rejection still names a transfer syntax; its value is to
		// be ignored by the requestor.
		return &pdu.PresentationContextItem{
			Type:      pdu.ItemTypePresentationContextResponse,
			ContextID: ri.ContextID,
			Result:    result,
			Items:     []pdu.SubItem{&pdu.TransferSyntaxSubItem{Name: firstOffered}},
		}
	}
	if !policy.sopClasses[sopUID] {
		vlog.VI(1).Infof("Rejecting context %d: unsupported SOP class %s",
			ri.ContextID, dicomuid.UIDString(sopUID))
		return reject(pdu.PresentationContextProviderRejectionAbstractSyntaxNotSupported), nil, nil
	}
	var picked string
	for _, uid := range policy.transferSyntaxUIDs {
		if offered[uid] {
			picked = uid
			break
		}
	}
	if picked == "" {
		vlog.VI(1).Infof("Rejecting context %d: no usable transfer syntax for %s",
			ri.ContextID, dicomuid.UIDString(sopUID))
		return reject(pdu.PresentationContextProviderRejectionTransferSyntaxNotSupported), nil, nil
	}
	response := &pdu.PresentationContextItem{
		Type:      pdu.ItemTypePresentationContextResponse,
		ContextID: ri.ContextID,
		Result:    pdu.PresentationContextAccepted,
		Items:     []pdu.SubItem{&pdu.TransferSyntaxSubItem{Name: picked}},
	}
	entry := &contextManagerEntry{
		contextID:         ri.ContextID,
		abstractSyntaxUID: sopUID,
		transferSyntaxUID: picked,
	}
	return response, entry, nil
}

// onAssociateResponse matches a received A-ASSOCIATE-AC against the
// contexts proposed earlier and records the accepted ones.
func (m *contextManager) onAssociateResponse(responseItems []pdu.SubItem) error {
	accepted := 0
	for _, responseItem := range responseItems {
		switch ri := responseItem.(type) {
		case *pdu.PresentationContextItem:
			request, ok := m.proposed[ri.ContextID]
			if !ok {
				return &ProtocolError{Detail: fmt.Sprintf("answer for unproposed context ID %d", ri.ContextID)}
			}
			if ri.Result != pdu.PresentationContextAccepted {
				vlog.VI(1).Infof("Context %d rejected: %v", ri.ContextID, ri.Result)
				continue
			}
			var picked string
			for _, subItem := range ri.Items {
				switch c := subItem.(type) {
				case *pdu.TransferSyntaxSubItem:
					if picked != "" {
						return &ProtocolError{Detail: fmt.Sprintf("multiple transfer syntaxes accepted for context %d", ri.ContextID)}
					}
					picked = c.Name
				default:
					return &ProtocolError{Detail: fmt.Sprintf("unexpected sub-item %v in accepted context %d", subItem, ri.ContextID)}
				}
			}
			var sopUID string
			offered := false
			for _, subItem := range request.Items {
				switch c := subItem.(type) {
				case *pdu.AbstractSyntaxSubItem:
					sopUID = c.Name
				case *pdu.TransferSyntaxSubItem:
					if c.Name == picked {
						offered = true
					}
				}
			}
			if sopUID == "" || !offered {
				return &ProtocolError{Detail: fmt.Sprintf("context %d accepted with unoffered transfer syntax %q", ri.ContextID, picked)}
			}
			m.addMapping(contextManagerEntry{
				contextID:         ri.ContextID,
				abstractSyntaxUID: sopUID,
				transferSyntaxUID: picked,
			})
			accepted++
		case *pdu.UserInformationItem:
			for _, subItem := range ri.Items {
				switch c := subItem.(type) {
				case *pdu.UserInformationMaximumLengthItem:
					m.peerMaxPDUSize = c.MaximumLengthReceived
				case *pdu.ImplementationClassUIDSubItem:
					m.peerImplementationClassUID = c.Name
				case *pdu.ImplementationVersionNameSubItem:
					m.peerImplementationVersionName = c.Name
				case *pdu.RoleSelectionSubItem:
					m.applyRoleSelection(c.SOPClassUID, c.SCURole == 1, c.SCPRole == 1)
				}
			}
		}
	}
	vlog.VI(1).Infof("Received associate response: %d contexts accepted, peer maxPDU %d, impl %s %s",
		accepted, m.peerMaxPDUSize,
		m.peerImplementationClassUID, m.peerImplementationVersionName)
	return nil
}

func (m *contextManager) addMapping(e contextManagerEntry) {
	vlog.VI(2).Infof("Map context %d -> %s, %s",
		e.contextID, dicomuid.UIDString(e.abstractSyntaxUID),
		dicomuid.UIDString(e.transferSyntaxUID))
	// Default roles until a role-selection item says otherwise: the
	// requestor is SCU only.
	e.requestorIsSCU = true
	entry := e
	m.contextIDMap[e.contextID] = &entry
	m.abstractSyntaxUIDMap[e.abstractSyntaxUID] = &entry
}

func (m *contextManager) applyRoleSelection(sopUID string, scu, scp bool) {
	if entry, ok := m.abstractSyntaxUIDMap[sopUID]; ok {
		entry.requestorIsSCU = scu
		entry.requestorIsSCP = scp
	}
}

func (m *contextManager) lookupByAbstractSyntaxUID(uid string) (contextManagerEntry, error) {
	e, ok := m.abstractSyntaxUIDMap[uid]
	if !ok {
		return contextManagerEntry{}, &ContextNotFoundError{AbstractSyntaxUID: uid}
	}
	return *e, nil
}

func (m *contextManager) lookupByContextID(contextID byte) (contextManagerEntry, error) {
	e, ok := m.contextIDMap[contextID]
	if !ok {
		return contextManagerEntry{}, &ProtocolError{Detail: fmt.Sprintf("unknown presentation context ID %d", contextID)}
	}
	return *e, nil
}
