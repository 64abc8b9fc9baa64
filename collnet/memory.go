package collnet

import (
	"cs426.yale.edu/optcast/transport"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Registration holds the transport handles of one registered buffer: a
// receive and a send handle per reduction server link and one handle on the
// peer receive side.
type Registration struct {
	Type  transport.PtrType
	recvs []transport.MemHandle
	sends []transport.MemHandle
	peer  transport.MemHandle
}

// Handles is the number of transport handles held.
func (r *Registration) Handles() int {
	n := len(r.recvs) + len(r.sends)
	if r.peer != nil {
		n++
	}
	return n
}

// RegisterMemory registers data on every link and on the peer connection.
// Every call registers afresh; nothing is cached across calls.
func (c *Communicator) RegisterMemory(data []byte, ptrType transport.PtrType) (*Registration, error) {
	reg := &Registration{
		Type:  ptrType,
		recvs: make([]transport.MemHandle, 0, len(c.links)),
		sends: make([]transport.MemHandle, 0, len(c.links)),
	}
	for _, link := range c.links {
		rmh, err := c.tr.RegMr(link.Recv, data, ptrType)
		if err != nil {
			return nil, registrationError(err, "recv", link.Endpoint.String())
		}
		reg.recvs = append(reg.recvs, rmh)
		smh, err := c.tr.RegMr(link.Send, data, ptrType)
		if err != nil {
			return nil, registrationError(err, "send", link.Endpoint.String())
		}
		reg.sends = append(reg.sends, smh)
	}
	if c.peer != nil {
		mh, err := c.tr.RegMr(c.peer.Recv, data, ptrType)
		if err != nil {
			return nil, registrationError(err, "recv", "peer")
		}
		reg.peer = mh
	}
	logrus.WithFields(logrus.Fields{"size": len(data), "type": ptrType, "handles": reg.Handles()}).Debug("registered memory")
	return reg, nil
}

// DeregisterMemory releases the handles of reg in registration order.
func (c *Communicator) DeregisterMemory(reg *Registration) error {
	if reg == nil || len(reg.recvs) != len(c.links) || len(reg.sends) != len(c.links) {
		return status.Errorf(codes.InvalidArgument, "registration does not belong to this communicator")
	}
	for i, link := range c.links {
		if err := c.tr.DeregMr(link.Recv, reg.recvs[i]); err != nil {
			return registrationError(err, "recv", link.Endpoint.String())
		}
		if err := c.tr.DeregMr(link.Send, reg.sends[i]); err != nil {
			return registrationError(err, "send", link.Endpoint.String())
		}
	}
	if c.peer != nil && reg.peer != nil {
		if err := c.tr.DeregMr(c.peer.Recv, reg.peer); err != nil {
			return registrationError(err, "recv", "peer")
		}
	}
	return nil
}

func registrationError(err error, side string, target string) error {
	return status.Errorf(codes.Internal, "memory registration on %v %v failed: %v", target, side, err)
}
