package collnet

import (
	"context"
	"sync"
	"sync/atomic"

	"cs426.yale.edu/optcast/bootstrap"
	"cs426.yale.edu/optcast/transport"
	"cs426.yale.edu/optcast/utils"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Options struct {
	// Bypass treats every allreduce as already reduced.
	Bypass bool
	// Split is the number of fragments per allreduce.
	Split int
	// MaxRequests is the request pool capacity, MaxRequests if zero.
	MaxRequests int
}

// Communicator fans allreduce operations out over a set of reduction server
// links. Links and the peer connection are read only after construction.
type Communicator struct {
	tr     transport.Transport
	bypass bool
	split  int
	links  []*bootstrap.Link
	peer   *PeerConnection
	// held while one fragment's send and receive are issued on a link, so
	// the server pairs them with the same sum
	issue []sync.Mutex

	// advanced by split on every allreduce
	cursor atomic.Uint64
	pool   *RequestPool
}

func NewCommunicator(tr transport.Transport, opts Options, links []*bootstrap.Link, peer *PeerConnection) (*Communicator, error) {
	if opts.Split < 1 {
		return nil, status.Errorf(codes.FailedPrecondition, "split factor must be at least 1, got %v", opts.Split)
	}
	if !opts.Bypass && len(links) == 0 {
		return nil, status.Errorf(codes.FailedPrecondition, "no reduction server links")
	}
	capacity := opts.MaxRequests
	if capacity <= 0 {
		capacity = MaxRequests
	}
	return &Communicator{
		tr:     tr,
		bypass: opts.Bypass,
		split:  opts.Split,
		links:  links,
		peer:   peer,
		issue:  make([]sync.Mutex, len(links)),
		pool:   NewRequestPool(tr, capacity, opts.Split),
	}, nil
}

func (c *Communicator) Bypass() bool {
	return c.bypass
}

func (c *Communicator) Split() int {
	return c.split
}

func (c *Communicator) Links() []*bootstrap.Link {
	return c.links
}

func (c *Communicator) Peer() *PeerConnection {
	return c.peer
}

// Cursor is the current value of the distribution cursor.
func (c *Communicator) Cursor() uint64 {
	return c.cursor.Load()
}

func (c *Communicator) Pool() *RequestPool {
	return c.pool
}

func (c *Communicator) checkSize(half bool, count int) (int, error) {
	if count < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid count %v", count)
	}
	size := count * utils.ElementSize(half)
	if size%c.split != 0 {
		logrus.WithFields(logrus.Fields{"size": size, "split": c.split}).Warn("size is not divisible by split")
		return 0, status.Errorf(codes.InvalidArgument, "size %v is not divisible by split %v", size, c.split)
	}
	return size, nil
}

// Allreduce issues the fragments of one allreduce into slot id. Each of the
// split fragments is sent to and received from a consecutive link, starting
// at the link the cursor points to.
func (c *Communicator) Allreduce(id SlotID, half bool, send []byte, recv []byte, sreg *Registration, rreg *Registration, count int) error {
	s, err := c.pool.get(id)
	if err != nil {
		return err
	}
	if c.bypass {
		s.nreqs = 0
		s.size = 0
		return nil
	}

	size, err := c.checkSize(half, count)
	if err != nil {
		return err
	}
	if len(send) < size || len(recv) < size {
		return status.Errorf(codes.InvalidArgument, "buffers of %v and %v bytes are smaller than %v", len(send), len(recv), size)
	}
	if sreg == nil || rreg == nil || len(sreg.sends) != len(c.links) || len(rreg.recvs) != len(c.links) {
		return status.Errorf(codes.InvalidArgument, "buffers are not registered with this communicator")
	}

	nlinks := uint64(len(c.links))
	split := uint64(c.split)
	idx := int((c.cursor.Add(split) - split) % nlinks)
	csize := size / c.split
	logrus.WithFields(logrus.Fields{"req": id, "idx": idx}).Trace("allreduce start")

	for i := 0; i < c.split; i++ {
		l := (idx + i) % len(c.links)
		link := c.links[l]
		lo, hi := i*csize, (i+1)*csize
		sdata := send[lo:hi:hi]
		rdata := recv[lo:hi:hi]

		var sreq, rreq transport.Request
		c.issue[l].Lock()
		err := utils.Poll(context.Background(), func() (bool, error) {
			var err error
			if sreq == nil {
				if sreq, err = c.tr.Isend(link.Send, sdata, Tag, sreg.sends[l]); err != nil {
					return false, err
				}
			}
			if rreq == nil {
				if rreq, err = c.tr.Irecv(link.Recv, [][]byte{rdata}, []int{Tag}, []transport.MemHandle{rreg.recvs[l]}); err != nil {
					return false, err
				}
			}
			return sreq != nil && rreq != nil, nil
		})
		c.issue[l].Unlock()
		if err != nil {
			return err
		}
		s.sends[i] = sreq
		s.recvs[i] = rreq
	}

	logrus.WithFields(logrus.Fields{
		"req":   id,
		"idx":   idx,
		"size":  size,
		"csize": csize,
		"split": c.split,
	}).Trace("allreduce requested")
	s.nreqs = c.split
	s.idx = idx
	s.size = size
	return nil
}

// Iallreduce allocates a slot and issues an allreduce into it. A slot is
// never held when an error is returned.
func (c *Communicator) Iallreduce(half bool, send []byte, recv []byte, sreg *Registration, rreg *Registration, count int) (SlotID, error) {
	if !c.bypass {
		if _, err := c.checkSize(half, count); err != nil {
			return NoSlot, err
		}
	}
	id, err := c.pool.Allocate(KindCollective)
	if err != nil {
		return NoSlot, err
	}
	if err := c.Allreduce(id, half, send, recv, sreg, rreg, count); err != nil {
		c.pool.Release(id)
		return NoSlot, err
	}
	return id, nil
}

// Iflush flushes data received on the peer connection. NoSlot with a nil
// error means there was nothing to flush.
func (c *Communicator) Iflush(data []byte, reg *Registration) (SlotID, error) {
	if c.peer == nil {
		return NoSlot, status.Errorf(codes.FailedPrecondition, "communicator has no peer connection")
	}
	if reg == nil {
		return NoSlot, status.Errorf(codes.InvalidArgument, "buffer is not registered")
	}
	id, err := c.pool.Allocate(KindFlush)
	if err != nil {
		return NoSlot, err
	}
	req, err := c.tr.Iflush(c.peer.Recv, [][]byte{data}, []transport.MemHandle{reg.peer})
	if err != nil || req == nil {
		c.pool.Release(id)
		return NoSlot, err
	}
	s, _ := c.pool.get(id)
	s.flush = req
	return id, nil
}

// Test polls the request in slot id. See RequestPool.Poll.
func (c *Communicator) Test(id SlotID) (bool, int, error) {
	done, size, err := c.pool.Poll(id)
	if done {
		logrus.WithFields(logrus.Fields{"req": id, "size": size}).Trace("request done")
	}
	return done, size, err
}

// TestHandle polls the allocation named by h. A handle kept after its
// request completed is rejected rather than polling the slot's next owner.
func (c *Communicator) TestHandle(h Handle) (bool, int, error) {
	done, size, err := c.pool.PollHandle(h)
	if done {
		logrus.WithFields(logrus.Fields{"req": h.ID, "size": size}).Trace("request done")
	}
	return done, size, err
}

// Close closes the peer connection and then every link.
func (c *Communicator) Close() error {
	var firstErr error
	if c.peer != nil {
		firstErr = c.peer.Close(c.tr)
	}
	for _, link := range c.links {
		if err := link.Close(c.tr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
