package plugin

import (
	"context"
	"sync"

	"cs426.yale.edu/optcast/bootstrap"
	"cs426.yale.edu/optcast/collnet"
	"cs426.yale.edu/optcast/config"
	"cs426.yale.edu/optcast/transport"
	"cs426.yale.edu/optcast/transport/socket"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const Name = "Optcast"

// CollNet offloads allreduce to reduction servers over a point to point
// transport. It is the capability set behind every versioned projection.
type CollNet struct {
	tr     transport.Transport
	config *config.Config

	initOnce sync.Once
	initErr  error
	ndev     int
}

func New(tr transport.Transport, cfg *config.Config) *CollNet {
	return &CollNet{tr: tr, config: cfg}
}

// NewFromEnv resolves the configuration from the environment and builds a
// CollNet over the socket transport.
func NewFromEnv() (*CollNet, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return New(socket.New(cfg.SocketAddrs), cfg), nil
}

func (n *CollNet) Name() string {
	return Name
}

func (n *CollNet) Config() *config.Config {
	return n.config
}

// Init forwards logging to logger, when not nil, and initializes the
// transport. Only the first call has an effect.
func (n *CollNet) Init(logger DebugLogger) error {
	n.initOnce.Do(func() {
		if logger != nil {
			logrus.AddHook(&hostHook{logger: logger})
		}
		if err := n.tr.Init(); err != nil {
			n.initErr = err
			return
		}
		n.ndev = n.tr.Devices()
		logrus.WithFields(logrus.Fields{
			"devices": n.ndev,
			"bypass":  n.config.Bypass,
			"split":   n.config.Split,
			"servers": len(n.config.Servers),
		}).Info("optcast initialized")
	})
	return n.initErr
}

func (n *CollNet) Devices() int {
	return n.ndev
}

func (n *CollNet) checkDevice(dev int) error {
	if dev < 0 || dev >= n.ndev {
		return status.Errorf(codes.InvalidArgument, "invalid device %v of %v", dev, n.ndev)
	}
	return nil
}

func (n *CollNet) GetProperties(dev int) (transport.Properties, error) {
	if err := n.checkDevice(dev); err != nil {
		return transport.Properties{}, err
	}
	return n.tr.GetProperties(dev)
}

type ListenComm struct {
	dev int
	p2p transport.ListenComm
}

func (lc *ListenComm) Device() int {
	return lc.dev
}

// Listen opens the peer listen endpoint of dev. The returned handle is handed
// to the rank before this one in the ring.
func (n *CollNet) Listen(dev int) (transport.Handle, *ListenComm, error) {
	if err := n.checkDevice(dev); err != nil {
		return nil, nil, err
	}
	handle, p2p, err := n.tr.Listen(dev)
	if err != nil {
		return nil, nil, err
	}
	return handle, &ListenComm{dev: dev, p2p: p2p}, nil
}

type CollComm struct {
	comm   *collnet.Communicator
	dev    int
	nranks int
	rank   int
}

func (cc *CollComm) Communicator() *collnet.Communicator {
	return cc.comm
}

func (cc *CollComm) Rank() int {
	return cc.rank
}

func (cc *CollComm) NRanks() int {
	return cc.nranks
}

func (n *CollNet) connectContext() (context.Context, context.CancelFunc) {
	if n.config.ConnectTimeout > 0 {
		return context.WithTimeout(context.Background(), n.config.ConnectTimeout)
	}
	return context.WithCancel(context.Background())
}

// Connect builds a collective communicator: one link per reduction server
// unless in bypass mode, then the peer ring connection. handles holds the
// listen handle of every rank.
func (n *CollNet) Connect(handles []transport.Handle, nranks int, rank int, lc *ListenComm) (*CollComm, error) {
	if lc == nil {
		return nil, status.Errorf(codes.InvalidArgument, "nil listen comm")
	}
	if rank < 0 || rank >= nranks {
		logrus.WithFields(logrus.Fields{"rank": rank, "nranks": nranks}).Warn("could not determine rank")
		return nil, status.Errorf(codes.InvalidArgument, "invalid rank %v of %v", rank, nranks)
	}
	ctx, cancel := n.connectContext()
	defer cancel()

	var links []*bootstrap.Link
	if !n.config.Bypass {
		var err error
		links, err = bootstrap.ConnectAll(ctx, n.tr, lc.dev, n.config.Servers)
		if err != nil {
			return nil, err
		}
	}
	closeLinks := func() {
		for _, link := range links {
			link.Close(n.tr)
		}
	}

	peer, err := collnet.ConnectRing(ctx, n.tr, lc.dev, handles, nranks, rank, lc.p2p)
	if err != nil {
		closeLinks()
		return nil, err
	}
	comm, err := collnet.NewCommunicator(n.tr, collnet.Options{
		Bypass: n.config.Bypass,
		Split:  n.config.Split,
	}, links, peer)
	if err != nil {
		peer.Close(n.tr)
		closeLinks()
		return nil, err
	}

	fields := logrus.Fields{"rank": rank, "nranks": nranks, "dev": lc.dev}
	if props, err := n.tr.GetProperties(lc.dev); err == nil {
		fields["name"] = props.Name
		fields["port"] = props.Port
	}
	logrus.WithFields(fields).Info("optcast rank initialized")
	return &CollComm{comm: comm, dev: lc.dev, nranks: nranks, rank: rank}, nil
}

// ReduceSupport reports whether dataType can be reduced with redOp.
func (n *CollNet) ReduceSupport(dataType collnet.DataType, redOp collnet.RedOp) bool {
	return collnet.Supported(dataType, redOp)
}

type MemHandle struct {
	reg *collnet.Registration
}

func (n *CollNet) RegMr(cc *CollComm, data []byte, ptrType transport.PtrType) (*MemHandle, error) {
	reg, err := cc.comm.RegisterMemory(data, ptrType)
	if err != nil {
		return nil, err
	}
	return &MemHandle{reg: reg}, nil
}

// RegMrDmaBuf is not supported.
func (n *CollNet) RegMrDmaBuf(cc *CollComm, data []byte, ptrType transport.PtrType, offset uint64, fd int) (*MemHandle, error) {
	return nil, status.Errorf(codes.Unimplemented, "dma-buf registration is not supported")
}

func (n *CollNet) DeregMr(cc *CollComm, mh *MemHandle) error {
	if mh == nil {
		return status.Errorf(codes.InvalidArgument, "nil memory handle")
	}
	return cc.comm.DeregisterMemory(mh.reg)
}

// Request is an outstanding collective or flush request.
type Request struct {
	comm   *collnet.Communicator
	handle collnet.Handle
}

func (r *Request) ID() collnet.SlotID {
	return r.handle.ID
}

func newRequest(comm *collnet.Communicator, id collnet.SlotID) (*Request, error) {
	h, err := comm.Pool().Handle(id)
	if err != nil {
		return nil, err
	}
	return &Request{comm: comm, handle: h}, nil
}

func registration(mh *MemHandle) *collnet.Registration {
	if mh == nil {
		return nil
	}
	return mh.reg
}

// Iallreduce sums count elements of send across all ranks into recv.
func (n *CollNet) Iallreduce(cc *CollComm, send []byte, recv []byte, count int, dataType collnet.DataType, redOp collnet.RedOp, smh *MemHandle, rmh *MemHandle) (*Request, error) {
	if dataType != collnet.Float32 && dataType != collnet.Float16 {
		logrus.WithFields(logrus.Fields{"type": dataType}).Warn("unsupported data type")
		return nil, status.Errorf(codes.Unimplemented, "unsupported data type %v", dataType)
	}
	if redOp != collnet.Sum {
		logrus.WithFields(logrus.Fields{"op": redOp}).Warn("unsupported reduce operation")
		return nil, status.Errorf(codes.Unimplemented, "unsupported reduce operation %v", redOp)
	}
	id, err := cc.comm.Iallreduce(dataType == collnet.Float16, send, recv, registration(smh), registration(rmh), count)
	if err != nil {
		return nil, err
	}
	return newRequest(cc.comm, id)
}

// Iflush flushes data received into a registered buffer. A nil request with
// a nil error means there is nothing to wait for.
func (n *CollNet) Iflush(cc *CollComm, data []byte, mh *MemHandle) (*Request, error) {
	id, err := cc.comm.Iflush(data, registration(mh))
	if err != nil || id == collnet.NoSlot {
		return nil, err
	}
	return newRequest(cc.comm, id)
}

// Test polls req, returning the number of bytes reduced once it is done.
func (n *CollNet) Test(req *Request) (bool, int, error) {
	if req == nil {
		return false, 0, status.Errorf(codes.InvalidArgument, "nil request")
	}
	return req.comm.TestHandle(req.handle)
}

func (n *CollNet) CloseColl(cc *CollComm) error {
	return cc.comm.Close()
}

func (n *CollNet) CloseListen(lc *ListenComm) error {
	return n.tr.CloseListen(lc.p2p)
}

// Unsupported reports whether err is a capability refusal rather than a
// failure.
func Unsupported(err error) bool {
	return status.Code(err) == codes.Unimplemented
}

// Retryable reports whether the operation may succeed once outstanding
// requests have completed.
func Retryable(err error) bool {
	return status.Code(err) == codes.ResourceExhausted
}
