package collnet

import (
	"sync"

	"cs426.yale.edu/optcast/transport"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxRequests is the default number of in-flight requests per communicator.
const MaxRequests = 128

type Kind int

const (
	KindCollective Kind = iota
	KindFlush
)

func (k Kind) String() string {
	if k == KindFlush {
		return "flush"
	}
	return "collective"
}

// SlotID identifies an allocated request slot.
type SlotID int

// NoSlot is returned when an operation completed without holding a slot.
const NoSlot SlotID = -1

// Handle names one allocation of a slot. It goes stale once the slot is
// released, even if the same slot is allocated again.
type Handle struct {
	ID  SlotID
	Gen uint64
}

type slot struct {
	used bool
	kind Kind
	// bumped on every allocation
	gen uint64

	// one entry per fragment; an entry is nil once observed done
	sends []transport.Request
	recvs []transport.Request
	nreqs int
	idx   int
	size  int

	flush transport.Request
}

// RequestPool is a fixed array of request slots. It never grows: Allocate
// fails once every slot is in use.
//
// A slot is written and polled by a single owner; only the claim and release
// go through the pool lock.
type RequestPool struct {
	tr transport.Transport

	mu    sync.Mutex
	slots []slot
	inUse int
}

func NewRequestPool(tr transport.Transport, capacity int, split int) *RequestPool {
	slots := make([]slot, capacity)
	for i := range slots {
		slots[i].sends = make([]transport.Request, split)
		slots[i].recvs = make([]transport.Request, split)
	}
	return &RequestPool{tr: tr, slots: slots}
}

func (p *RequestPool) Capacity() int {
	return len(p.slots)
}

// InUse is the number of allocated slots.
func (p *RequestPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Allocate claims the first free slot.
func (p *RequestPool) Allocate(kind Kind) (SlotID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		s := &p.slots[i]
		if s.used {
			continue
		}
		s.used = true
		s.kind = kind
		s.gen++
		s.flush = nil
		s.size = 0
		s.nreqs = 0
		s.idx = 0
		p.inUse++
		return SlotID(i), nil
	}
	logrus.WithFields(logrus.Fields{"capacity": len(p.slots)}).Warn("unable to allocate request")
	return NoSlot, status.Errorf(codes.ResourceExhausted, "all %d request slots are in use", len(p.slots))
}

func (p *RequestPool) Release(id SlotID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || int(id) >= len(p.slots) || !p.slots[id].used {
		return
	}
	s := &p.slots[id]
	clear(s.sends)
	clear(s.recvs)
	s.flush = nil
	s.used = false
	p.inUse--
}

func (p *RequestPool) get(id SlotID) (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || int(id) >= len(p.slots) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request %v", id)
	}
	if !p.slots[id].used {
		return nil, status.Errorf(codes.InvalidArgument, "request %v is not outstanding", id)
	}
	return &p.slots[id], nil
}

// Handle returns the handle of the current allocation of slot id.
func (p *RequestPool) Handle(id SlotID) (Handle, error) {
	s, err := p.get(id)
	if err != nil {
		return Handle{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Handle{ID: id, Gen: s.gen}, nil
}

// PollHandle is Poll for a handle, rejecting handles whose allocation has
// already been released.
func (p *RequestPool) PollHandle(h Handle) (bool, int, error) {
	s, err := p.get(h.ID)
	if err != nil {
		return false, 0, err
	}
	p.mu.Lock()
	gen := s.gen
	p.mu.Unlock()
	if gen != h.Gen {
		return false, 0, status.Errorf(codes.InvalidArgument, "request %v was already completed", h.ID)
	}
	return p.Poll(h.ID)
}

// Poll reports whether the request in slot id has completed, and the number
// of bytes it moved. The slot is released once it reports done, or when the
// transport reports an error.
func (p *RequestPool) Poll(id SlotID) (bool, int, error) {
	s, err := p.get(id)
	if err != nil {
		return false, 0, err
	}

	if s.kind == KindFlush {
		done, size, err := p.tr.Test(s.flush)
		if err != nil || done {
			p.Release(id)
		}
		if err != nil {
			return false, 0, err
		}
		return done, size, nil
	}

	done, err := drain(p.tr, s.sends[:s.nreqs])
	if err == nil && done {
		logrus.WithFields(logrus.Fields{"req": id, "idx": s.idx}).Trace("send done")
		done, err = drain(p.tr, s.recvs[:s.nreqs])
	}
	if err != nil {
		p.Release(id)
		return false, 0, err
	}
	if !done {
		return false, 0, nil
	}
	logrus.WithFields(logrus.Fields{"req": id, "idx": s.idx}).Trace("recv done")

	size := s.size
	p.Release(id)
	return true, size, nil
}

// drain tests reqs in order and stops at the first one still pending.
// Completed entries are cleared so they are never tested again.
func drain(tr transport.Transport, reqs []transport.Request) (bool, error) {
	for i, req := range reqs {
		if req == nil {
			continue
		}
		done, _, err := tr.Test(req)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
		reqs[i] = nil
	}
	return true, nil
}
