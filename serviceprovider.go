package dimsenet

import (
	"errors"
	"net"
	"time"

	"v.io/x/lib/vlog"

	"github.com/lamyj/dimsenet/dicom"
	"github.com/lamyj/dimsenet/dimse"
	"github.com/lamyj/dimsenet/sopclass"
)

// ServiceProviderParams configures a ServiceProvider. C-ECHO is always
// served; C-STORE and C-FIND are served only when their callback is
// non-nil; everything else is refused with an unrecognized-operation
// status.
type ServiceProviderParams struct {
	// SOP classes to accept presentation contexts for. Empty means the
	// union implied by the installed callbacks: verification for echo,
	// the storage classes for store, the query-retrieve find classes
	// for find.
	SOPClasses []sopclass.SOPUID

	// Transfer syntaxes to accept, in preference order. Empty means the
	// three uncompressed syntaxes.
	TransferSyntaxes []string

	// Max PDU size this provider is willing to receive. Zero means
	// DefaultMaxPDUSize.
	MaxPDUSize uint32

	// Deadline for each blocking receive on an association. Zero means
	// no deadline.
	ReceiveTimeout time.Duration

	// Called per C-ECHO-RQ. Nil still serves echo, always successfully.
	OnCEcho func() dimse.Status

	// Called per received instance of a C-STORE-RQ.
	OnCStore func(ds *dicom.DataSet) dimse.Status

	// Called per C-FIND-RQ to produce that request's response stream.
	OnCFind func() ResponseGenerator
}

// ServiceProvider accepts associations on a TCP listener and serves
// DIMSE requests on them, one goroutine per association.
type ServiceProvider struct {
	params   ServiceProviderParams
	listener net.Listener
}

func NewServiceProvider(params ServiceProviderParams) (*ServiceProvider, error) {
	if len(params.SOPClasses) == 0 {
		params.SOPClasses = append(params.SOPClasses, sopclass.VerificationClasses...)
		if params.OnCStore != nil {
			params.SOPClasses = append(params.SOPClasses, sopclass.StorageClasses...)
		}
		if params.OnCFind != nil {
			params.SOPClasses = append(params.SOPClasses, sopclass.QRFindClasses...)
		}
	}
	return &ServiceProvider{params: params}, nil
}

// Run listens on addr and serves until the listener fails.
func (sp *ServiceProvider) Run(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return sp.Serve(listener)
}

// Serve accepts associations on listener until it is closed. The
// provider owns the listener from here on.
func (sp *ServiceProvider) Serve(listener net.Listener) error {
	sp.listener = listener
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go sp.handleConn(conn)
	}
}

// Addr returns the listener address, once Serve has been called. Handy
// when listening on port 0.
func (sp *ServiceProvider) Addr() net.Addr {
	if sp.listener == nil {
		return nil
	}
	return sp.listener.Addr()
}

// Close shuts the listener down. Associations already running are left
// to finish.
func (sp *ServiceProvider) Close() error {
	if sp.listener == nil {
		return nil
	}
	return sp.listener.Close()
}

func (sp *ServiceProvider) handleConn(conn net.Conn) {
	a, err := ReceiveAssociation(conn, AcceptorParams{
		SOPClasses:       sp.params.SOPClasses,
		TransferSyntaxes: sp.params.TransferSyntaxes,
		MaxPDUSize:       sp.params.MaxPDUSize,
		ReceiveTimeout:   sp.params.ReceiveTimeout,
	})
	if err != nil {
		vlog.Infof("Refused association from %v: %v", conn.RemoteAddr(), err)
		return
	}
	disp := NewServiceDispatcher()
	disp.Register(dimse.CommandFieldC_ECHO_RQ, EchoSCP(sp.params.OnCEcho))
	if sp.params.OnCStore != nil {
		disp.Register(dimse.CommandFieldC_STORE_RQ, StoreSCP(sp.params.OnCStore))
	}
	if sp.params.OnCFind != nil {
		disp.Register(dimse.CommandFieldC_FIND_RQ, FindSCP(sp.params.OnCFind))
	}
	if err := disp.Serve(a); err != nil {
		vlog.Infof("Association from %v ended: %v", conn.RemoteAddr(), err)
	}
}
