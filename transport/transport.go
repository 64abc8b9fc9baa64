package transport

// Handle is an opaque connection handle produced by Listen and consumed by
// Connect on the remote side. It is exchanged out-of-band.
type Handle []byte

// HandleMaxSize bounds the size of a Handle.
const HandleMaxSize = 128

// PtrType describes the kind of memory a buffer lives in.
type PtrType int

const (
	PtrHost   PtrType = 0x1
	PtrCuda   PtrType = 0x2
	PtrDmaBuf PtrType = 0x4
)

func (p PtrType) String() string {
	switch p {
	case PtrHost:
		return "host"
	case PtrCuda:
		return "cuda"
	case PtrDmaBuf:
		return "dmabuf"
	default:
		return "unknown"
	}
}

// Properties of a network device.
type Properties struct {
	Name       string
	PciPath    string
	Guid       uint64
	PtrSupport PtrType
	Speed      int // Mbps
	Port       int
	Latency    float32
	MaxComms   int
	MaxRecvs   int
}

// The comm, request and memory handle types are opaque to callers. A nil value
// returned together with a nil error from a non-blocking call means "not yet,
// try again".
type (
	ListenComm interface{}
	SendComm   interface{}
	RecvComm   interface{}
	Request    interface{}
	MemHandle  interface{}
)

// Transport is the point-to-point network layer that collective operations are
// built on. Connect, Accept, Isend, Irecv and Iflush never block.
type Transport interface {
	Init() error
	Devices() int
	GetProperties(dev int) (Properties, error)

	Listen(dev int) (Handle, ListenComm, error)
	Connect(dev int, handle Handle) (SendComm, error)
	Accept(listenComm ListenComm) (RecvComm, error)

	Isend(sendComm SendComm, data []byte, tag int, mhandle MemHandle) (Request, error)
	Irecv(recvComm RecvComm, data [][]byte, tags []int, mhandles []MemHandle) (Request, error)
	Iflush(recvComm RecvComm, data [][]byte, mhandles []MemHandle) (Request, error)
	// Test reports whether req completed and, for receives, the number of
	// bytes received.
	Test(req Request) (done bool, size int, err error)

	// RegMr registers data for use with comm, which is either a SendComm or
	// a RecvComm.
	RegMr(comm interface{}, data []byte, ptrType PtrType) (MemHandle, error)
	DeregMr(comm interface{}, mhandle MemHandle) error

	CloseSend(sendComm SendComm) error
	CloseRecv(recvComm RecvComm) error
	CloseListen(listenComm ListenComm) error
}
