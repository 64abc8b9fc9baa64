package plugin

import (
	"cs426.yale.edu/optcast/collnet"
	"cs426.yale.edu/optcast/transport"
)

// PropertiesV5 is the device description of the v5 interface, which has no
// latency or receive count.
type PropertiesV5 struct {
	Name       string
	PciPath    string
	Guid       uint64
	PtrSupport transport.PtrType
	Speed      int
	Port       int
	MaxComms   int
}

func propertiesV5(p transport.Properties) PropertiesV5 {
	return PropertiesV5{
		Name:       p.Name,
		PciPath:    p.PciPath,
		Guid:       p.Guid,
		PtrSupport: p.PtrSupport,
		Speed:      p.Speed,
		Port:       p.Port,
		MaxComms:   p.MaxComms,
	}
}

type V6 struct {
	Name          string
	Init          func(logger DebugLogger) error
	Devices       func() int
	GetProperties func(dev int) (transport.Properties, error)
	Listen        func(dev int) (transport.Handle, *ListenComm, error)
	Connect       func(handles []transport.Handle, nranks int, rank int, lc *ListenComm) (*CollComm, error)
	ReduceSupport func(dataType collnet.DataType, redOp collnet.RedOp) bool
	RegMr         func(cc *CollComm, data []byte, ptrType transport.PtrType) (*MemHandle, error)
	RegMrDmaBuf   func(cc *CollComm, data []byte, ptrType transport.PtrType, offset uint64, fd int) (*MemHandle, error)
	DeregMr       func(cc *CollComm, mh *MemHandle) error
	Iallreduce    func(cc *CollComm, send []byte, recv []byte, count int, dataType collnet.DataType, redOp collnet.RedOp, smh *MemHandle, rmh *MemHandle) (*Request, error)
	Iflush        func(cc *CollComm, data []byte, mh *MemHandle) (*Request, error)
	Test          func(req *Request) (bool, int, error)
	CloseColl     func(cc *CollComm) error
	CloseListen   func(lc *ListenComm) error
}

type V5 struct {
	Name          string
	Init          func(logger DebugLogger) error
	Devices       func() int
	GetProperties func(dev int) (PropertiesV5, error)
	Listen        func(dev int) (transport.Handle, *ListenComm, error)
	Connect       func(handles []transport.Handle, nranks int, rank int, lc *ListenComm) (*CollComm, error)
	ReduceSupport func(dataType collnet.DataType, redOp collnet.RedOp) bool
	RegMr         func(cc *CollComm, data []byte, ptrType transport.PtrType) (*MemHandle, error)
	DeregMr       func(cc *CollComm, mh *MemHandle) error
	Iallreduce    func(cc *CollComm, send []byte, recv []byte, count int, dataType collnet.DataType, redOp collnet.RedOp, smh *MemHandle, rmh *MemHandle) (*Request, error)
	Iflush        func(cc *CollComm, data []byte, mh *MemHandle) (*Request, error)
	Test          func(req *Request) (bool, int, error)
	CloseColl     func(cc *CollComm) error
	CloseListen   func(lc *ListenComm) error
}

func (n *CollNet) V6() V6 {
	return V6{
		Name:          n.Name(),
		Init:          n.Init,
		Devices:       n.Devices,
		GetProperties: n.GetProperties,
		Listen:        n.Listen,
		Connect:       n.Connect,
		ReduceSupport: n.ReduceSupport,
		RegMr:         n.RegMr,
		RegMrDmaBuf:   n.RegMrDmaBuf,
		DeregMr:       n.DeregMr,
		Iallreduce:    n.Iallreduce,
		Iflush:        n.Iflush,
		Test:          n.Test,
		CloseColl:     n.CloseColl,
		CloseListen:   n.CloseListen,
	}
}

func (n *CollNet) V5() V5 {
	return V5{
		Name:    n.Name(),
		Init:    n.Init,
		Devices: n.Devices,
		GetProperties: func(dev int) (PropertiesV5, error) {
			props, err := n.GetProperties(dev)
			return propertiesV5(props), err
		},
		Listen:        n.Listen,
		Connect:       n.Connect,
		ReduceSupport: n.ReduceSupport,
		RegMr:         n.RegMr,
		DeregMr:       n.DeregMr,
		Iallreduce:    n.Iallreduce,
		Iflush:        n.Iflush,
		Test:          n.Test,
		CloseColl:     n.CloseColl,
		CloseListen:   n.CloseListen,
	}
}
