package socket

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"cs426.yale.edu/optcast/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	handleMagic uint32 = 0x6f707463
	// max outstanding requests per comm; one more Isend/Irecv returns pending
	MaxRequests = 8
	maxComms    = 65536
	speedMbps   = 10000
)

var _ transport.Transport = (*Transport)(nil)

type Device struct {
	Name string
	Addr string
}

// Transport moves data over plain TCP connections. Every comm owns a worker
// goroutine which drains its request queue in order.
type Transport struct {
	devices []Device

	dialLock sync.Mutex
	dials    map[string]*pendingDial

	registrations atomic.Int64
}

func New(addrs []string) *Transport {
	devices := make([]Device, 0, len(addrs))
	for i, addr := range addrs {
		devices = append(devices, Device{Name: "sock" + strconv.Itoa(i), Addr: addr})
	}
	return &Transport{
		devices: devices,
		dials:   make(map[string]*pendingDial),
	}
}

func (t *Transport) Init() error {
	if len(t.devices) == 0 {
		return status.Errorf(codes.FailedPrecondition, "no socket devices configured")
	}
	for _, dev := range t.devices {
		if net.ParseIP(dev.Addr) == nil {
			return status.Errorf(codes.FailedPrecondition, "invalid address %v for device %v", dev.Addr, dev.Name)
		}
	}
	logrus.WithFields(logrus.Fields{"devices": len(t.devices)}).Info("socket transport initialized")
	return nil
}

func (t *Transport) Devices() int {
	return len(t.devices)
}

func (t *Transport) device(dev int) (Device, error) {
	if dev < 0 || dev >= len(t.devices) {
		return Device{}, status.Errorf(codes.InvalidArgument, "invalid device %v", dev)
	}
	return t.devices[dev], nil
}

func (t *Transport) GetProperties(dev int) (transport.Properties, error) {
	d, err := t.device(dev)
	if err != nil {
		return transport.Properties{}, err
	}
	return transport.Properties{
		Name:       d.Name,
		PciPath:    d.Addr,
		Guid:       uint64(dev),
		PtrSupport: transport.PtrHost,
		Speed:      speedMbps,
		Port:       0,
		MaxComms:   maxComms,
		MaxRecvs:   1,
	}, nil
}

// Registered is the number of live memory registrations.
func (t *Transport) Registered() int64 {
	return t.registrations.Load()
}

func encodeHandle(addr string) (transport.Handle, error) {
	if 6+len(addr) > transport.HandleMaxSize {
		return nil, status.Errorf(codes.InvalidArgument, "address %v does not fit in a handle", addr)
	}
	handle := make(transport.Handle, 6+len(addr))
	binary.LittleEndian.PutUint32(handle[0:], handleMagic)
	binary.LittleEndian.PutUint16(handle[4:], uint16(len(addr)))
	copy(handle[6:], addr)
	return handle, nil
}

func decodeHandle(handle transport.Handle) (string, error) {
	if len(handle) < 6 || binary.LittleEndian.Uint32(handle[0:]) != handleMagic {
		return "", status.Errorf(codes.InvalidArgument, "not a socket handle")
	}
	n := int(binary.LittleEndian.Uint16(handle[4:]))
	if 6+n > len(handle) {
		return "", status.Errorf(codes.InvalidArgument, "truncated socket handle")
	}
	return string(handle[6 : 6+n]), nil
}

type listenComm struct {
	dev   int
	ln    net.Listener
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func (lc *listenComm) acceptLoop() {
	defer close(lc.conns)
	for {
		conn, err := lc.ln.Accept()
		if err != nil {
			return
		}
		select {
		case lc.conns <- conn:
		case <-lc.done:
			conn.Close()
			return
		}
	}
}

func (t *Transport) Listen(dev int) (transport.Handle, transport.ListenComm, error) {
	d, err := t.device(dev)
	if err != nil {
		return nil, nil, err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(d.Addr, "0"))
	if err != nil {
		return nil, nil, status.Errorf(codes.Unavailable, "failed to listen on %v: %v", d.Addr, err)
	}
	handle, err := encodeHandle(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, nil, err
	}
	lc := &listenComm{
		dev:   dev,
		ln:    ln,
		conns: make(chan net.Conn, 16),
		done:  make(chan struct{}),
	}
	go lc.acceptLoop()
	logrus.WithFields(logrus.Fields{"addr": ln.Addr().String()}).Debug("socket listening")
	return handle, lc, nil
}

type pendingDial struct {
	done chan struct{}
	conn net.Conn
	err  error
}

// Connect starts dialing the remote on the first call for a handle and
// reports the outcome on a later call.
func (t *Transport) Connect(dev int, handle transport.Handle) (transport.SendComm, error) {
	d, err := t.device(dev)
	if err != nil {
		return nil, err
	}
	addr, err := decodeHandle(handle)
	if err != nil {
		return nil, err
	}

	t.dialLock.Lock()
	pd, ok := t.dials[addr]
	if !ok {
		pd = &pendingDial{done: make(chan struct{})}
		t.dials[addr] = pd
		t.dialLock.Unlock()
		go func() {
			dialer := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.ParseIP(d.Addr)}}
			pd.conn, pd.err = dialer.Dial("tcp", addr)
			close(pd.done)
		}()
		return nil, nil
	}
	t.dialLock.Unlock()

	select {
	case <-pd.done:
	default:
		return nil, nil
	}
	t.dialLock.Lock()
	delete(t.dials, addr)
	t.dialLock.Unlock()
	if pd.err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to connect to %v: %v", addr, pd.err)
	}
	return newSendComm(pd.conn), nil
}

func (t *Transport) Accept(lcomm transport.ListenComm) (transport.RecvComm, error) {
	lc, ok := lcomm.(*listenComm)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "not a socket listen comm")
	}
	select {
	case conn, ok := <-lc.conns:
		if !ok {
			return nil, status.Errorf(codes.Unavailable, "listen comm %v is closed", lc.ln.Addr())
		}
		return newRecvComm(conn), nil
	default:
		return nil, nil
	}
}

func (t *Transport) Isend(scomm transport.SendComm, data []byte, tag int, mhandle transport.MemHandle) (transport.Request, error) {
	sc, ok := scomm.(*sendComm)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "not a socket send comm")
	}
	if err := checkMemHandle(mhandle, sc); err != nil {
		return nil, err
	}
	req := newRequest(data, tag)
	queued, err := sc.enqueue(req)
	if err != nil || !queued {
		return nil, err
	}
	return req, nil
}

func (t *Transport) Irecv(rcomm transport.RecvComm, data [][]byte, tags []int, mhandles []transport.MemHandle) (transport.Request, error) {
	rc, ok := rcomm.(*recvComm)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "not a socket recv comm")
	}
	if len(data) != 1 || len(tags) != 1 || len(mhandles) != 1 {
		return nil, status.Errorf(codes.InvalidArgument, "socket transport supports exactly one receive per request, got %v", len(data))
	}
	if err := checkMemHandle(mhandles[0], rc); err != nil {
		return nil, err
	}
	req := newRequest(data[0], tags[0])
	queued, err := rc.enqueue(req)
	if err != nil || !queued {
		return nil, err
	}
	return req, nil
}

// Iflush has nothing to do for host memory.
func (t *Transport) Iflush(rcomm transport.RecvComm, data [][]byte, mhandles []transport.MemHandle) (transport.Request, error) {
	if _, ok := rcomm.(*recvComm); !ok {
		return nil, status.Errorf(codes.InvalidArgument, "not a socket recv comm")
	}
	return nil, nil
}

func (t *Transport) Test(req transport.Request) (bool, int, error) {
	r, ok := req.(*request)
	if !ok {
		return false, 0, status.Errorf(codes.InvalidArgument, "not a socket request")
	}
	select {
	case <-r.done:
		if errors.Is(r.err, errBadFrame) {
			return true, r.size, status.Errorf(codes.InvalidArgument, "transfer failed: %v", r.err)
		}
		if r.err != nil {
			return true, r.size, status.Errorf(codes.Unavailable, "transfer failed: %v", r.err)
		}
		return true, r.size, nil
	default:
		return false, 0, nil
	}
}

type memHandle struct {
	comm interface{}
	data []byte
}

func checkMemHandle(mhandle transport.MemHandle, comm interface{}) error {
	mh, ok := mhandle.(*memHandle)
	if !ok {
		return status.Errorf(codes.InvalidArgument, "not a socket memory handle")
	}
	if mh.comm != comm {
		return status.Errorf(codes.InvalidArgument, "memory handle was registered on another comm")
	}
	return nil
}

func (t *Transport) RegMr(comm interface{}, data []byte, ptrType transport.PtrType) (transport.MemHandle, error) {
	switch comm.(type) {
	case *sendComm, *recvComm:
	default:
		return nil, status.Errorf(codes.InvalidArgument, "not a socket comm")
	}
	if ptrType != transport.PtrHost {
		return nil, status.Errorf(codes.Internal, "socket transport cannot register %v memory", ptrType)
	}
	t.registrations.Add(1)
	return &memHandle{comm: comm, data: data}, nil
}

func (t *Transport) DeregMr(comm interface{}, mhandle transport.MemHandle) error {
	if err := checkMemHandle(mhandle, comm); err != nil {
		return err
	}
	t.registrations.Add(-1)
	return nil
}

func (t *Transport) CloseSend(scomm transport.SendComm) error {
	sc, ok := scomm.(*sendComm)
	if !ok {
		return status.Errorf(codes.InvalidArgument, "not a socket send comm")
	}
	return sc.close()
}

func (t *Transport) CloseRecv(rcomm transport.RecvComm) error {
	rc, ok := rcomm.(*recvComm)
	if !ok {
		return status.Errorf(codes.InvalidArgument, "not a socket recv comm")
	}
	return rc.close()
}

func (t *Transport) CloseListen(lcomm transport.ListenComm) error {
	lc, ok := lcomm.(*listenComm)
	if !ok {
		return status.Errorf(codes.InvalidArgument, "not a socket listen comm")
	}
	var err error
	lc.once.Do(func() {
		close(lc.done)
		err = lc.ln.Close()
		// connections accepted but never handed out
		for conn := range lc.conns {
			conn.Close()
		}
	})
	if err != nil {
		return status.Errorf(codes.Unavailable, "failed to close listener: %v", err)
	}
	return nil
}
