package collnet

import (
	"context"
	"sync"
	"testing"
	"time"

	"cs426.yale.edu/optcast/bootstrap"
	"cs426.yale.edu/optcast/transport"
	transportMock "cs426.yale.edu/optcast/transport/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func testLinks(names ...string) []*bootstrap.Link {
	links := make([]*bootstrap.Link, 0, len(names))
	for _, name := range names {
		links = append(links, &bootstrap.Link{
			Endpoint: bootstrap.Endpoint{Address: "10.0.0.1", Port: 8918},
			Send:     "send" + name,
			Recv:     "recv" + name,
		})
	}
	return links
}

// testRegistration builds a registration by hand, named after the buffer.
func testRegistration(buffer string, names ...string) *Registration {
	reg := &Registration{Type: transport.PtrHost}
	for _, name := range names {
		reg.recvs = append(reg.recvs, buffer+"Recv"+name)
		reg.sends = append(reg.sends, buffer+"Send"+name)
	}
	return reg
}

func fragment(buf []byte, lo int, hi int, fill byte) interface{} {
	return mock.MatchedBy(func(data []byte) bool {
		if len(data) != hi-lo || &data[0] != &buf[lo] {
			return false
		}
		for _, b := range data {
			if b != fill {
				return false
			}
		}
		return true
	})
}

func recvFragment(buf []byte, lo int, hi int) interface{} {
	return mock.MatchedBy(func(data [][]byte) bool {
		return len(data) == 1 && len(data[0]) == hi-lo && &data[0][0] == &buf[lo]
	})
}

func TestNewCommunicatorValidation(t *testing.T) {
	tr := new(transportMock.MockTransport)
	_, err := NewCommunicator(tr, Options{Split: 0}, testLinks("A"), nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = NewCommunicator(tr, Options{Split: 1}, nil, nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	comm, err := NewCommunicator(tr, Options{Split: 1, Bypass: true}, nil, nil)
	assert.NoError(t, err)
	assert.True(t, comm.Bypass())
	assert.Equal(t, MaxRequests, comm.Pool().Capacity())
}

func TestAllreduceFansOutAcrossLinks(t *testing.T) {
	tr := new(transportMock.MockTransport)
	comm, err := NewCommunicator(tr, Options{Split: 2}, testLinks("A", "B"), nil)
	require.NoError(t, err)
	sreg := testRegistration("s", "A", "B")
	rreg := testRegistration("r", "A", "B")

	send := make([]byte, 1024)
	for i := 512; i < 1024; i++ {
		send[i] = 1
	}
	recv := make([]byte, 1024)

	tr.On("Isend", "sendA", fragment(send, 0, 512, 0), Tag, "sSendA").Return("sreqA", nil)
	tr.On("Isend", "sendB", fragment(send, 512, 1024, 1), Tag, "sSendB").Return("sreqB", nil)
	tr.On("Irecv", "recvA", recvFragment(recv, 0, 512), []int{Tag}, []transport.MemHandle{"rRecvA"}).Return("rreqA", nil)
	tr.On("Irecv", "recvB", recvFragment(recv, 512, 1024), []int{Tag}, []transport.MemHandle{"rRecvB"}).Return("rreqB", nil)

	// 256 float32 elements
	first, err := comm.Iallreduce(false, send, recv, sreg, rreg, 256)
	require.NoError(t, err)
	assert.Equal(t, 0, comm.pool.slots[first].idx)
	assert.Equal(t, []transport.Request{"sreqA", "sreqB"}, comm.pool.slots[first].sends)
	assert.Equal(t, []transport.Request{"rreqA", "rreqB"}, comm.pool.slots[first].recvs)
	assert.Equal(t, uint64(2), comm.Cursor())

	// both links were consumed, so the next call wraps back to A
	second, err := comm.Iallreduce(false, send, recv, sreg, rreg, 256)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 0, comm.pool.slots[second].idx)
	assert.Equal(t, []transport.Request{"sreqA", "sreqB"}, comm.pool.slots[second].sends)
	assert.Equal(t, uint64(4), comm.Cursor())

	tr.AssertNumberOfCalls(t, "Isend", 4)
	tr.AssertNumberOfCalls(t, "Irecv", 4)
}

func TestAllreduceStartsAtCursor(t *testing.T) {
	tr := new(transportMock.MockTransport)
	comm, err := NewCommunicator(tr, Options{Split: 2}, testLinks("A", "B", "C"), nil)
	require.NoError(t, err)
	sreg := testRegistration("s", "A", "B", "C")
	rreg := testRegistration("r", "A", "B", "C")
	buf := make([]byte, 16)

	tr.On("Isend", mock.Anything, mock.Anything, Tag, mock.Anything).Return("sreq", nil)
	tr.On("Irecv", mock.Anything, mock.Anything, []int{Tag}, mock.Anything).Return("rreq", nil)

	// cursor 0: A, B. cursor 2: C, A.
	_, err = comm.Iallreduce(false, buf, buf, sreg, rreg, 4)
	require.NoError(t, err)
	id, err := comm.Iallreduce(false, buf, buf, sreg, rreg, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, comm.pool.slots[id].idx)

	var sends []interface{}
	for _, call := range tr.Calls {
		if call.Method == "Isend" {
			sends = append(sends, call.Arguments[0])
		}
	}
	assert.Equal(t, []interface{}{"sendA", "sendB", "sendC", "sendA"}, sends)
}

func TestAllreduceRetriesPendingIssue(t *testing.T) {
	tr := new(transportMock.MockTransport)
	comm, err := NewCommunicator(tr, Options{Split: 1}, testLinks("A"), nil)
	require.NoError(t, err)
	buf := make([]byte, 8)

	tr.On("Isend", "sendA", mock.Anything, Tag, "sSendA").Return(nil, nil).Twice()
	tr.On("Isend", "sendA", mock.Anything, Tag, "sSendA").Return("sreq", nil).Once()
	tr.On("Irecv", "recvA", mock.Anything, []int{Tag}, mock.Anything).Return(nil, nil).Once()
	tr.On("Irecv", "recvA", mock.Anything, []int{Tag}, mock.Anything).Return("rreq", nil).Once()

	_, err = comm.Iallreduce(true, buf, buf, testRegistration("s", "A"), testRegistration("r", "A"), 4)
	assert.NoError(t, err)
	tr.AssertExpectations(t)
}

func TestAllreduceNotDivisible(t *testing.T) {
	tr := new(transportMock.MockTransport)
	comm, err := NewCommunicator(tr, Options{Split: 4}, testLinks("A"), nil)
	require.NoError(t, err)
	buf := make([]byte, 6)

	// 3 float16 elements are 6 bytes
	id, err := comm.Iallreduce(true, buf, buf, testRegistration("s", "A"), testRegistration("r", "A"), 3)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, NoSlot, id)
	assert.Equal(t, 0, comm.Pool().InUse())
	assert.Equal(t, uint64(0), comm.Cursor())
	tr.AssertNotCalled(t, "Isend", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAllreduceIssueErrorReleasesSlot(t *testing.T) {
	tr := new(transportMock.MockTransport)
	comm, err := NewCommunicator(tr, Options{Split: 1}, testLinks("A"), nil)
	require.NoError(t, err)
	buf := make([]byte, 8)

	tr.On("Isend", "sendA", mock.Anything, Tag, mock.Anything).Return(nil, status.Error(codes.Unavailable, "broken pipe"))

	id, err := comm.Iallreduce(false, buf, buf, testRegistration("s", "A"), testRegistration("r", "A"), 2)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, NoSlot, id)
	assert.Equal(t, 0, comm.Pool().InUse())

	// unregistered buffers are rejected before any transfer
	_, err = comm.Iallreduce(false, buf, buf, nil, nil, 2)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = comm.Iallreduce(false, buf, buf, testRegistration("s", "A"), testRegistration("r", "A"), 4)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestConcurrentCursor(t *testing.T) {
	const (
		nlinks = 256
		calls  = 64
		split  = 2
	)
	names := make([]string, nlinks)
	for i := range names {
		names[i] = "L"
	}
	tr := new(transportMock.MockTransport)
	tr.On("Isend", mock.Anything, mock.Anything, Tag, mock.Anything).Return("sreq", nil)
	tr.On("Irecv", mock.Anything, mock.Anything, []int{Tag}, mock.Anything).Return("rreq", nil)

	comm, err := NewCommunicator(tr, Options{Split: split, MaxRequests: calls}, testLinks(names...), nil)
	require.NoError(t, err)
	sreg := testRegistration("s", names...)
	rreg := testRegistration("r", names...)

	ids := make([]SlotID, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := make([]byte, 8)
			id, err := comm.Iallreduce(false, buf, buf, sreg, rreg, 2)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(calls*split), comm.Cursor())
	seen := make(map[int]bool)
	for _, id := range ids {
		idx := comm.pool.slots[id].idx
		assert.False(t, seen[idx], "start index %v observed twice", idx)
		assert.Equal(t, 0, idx%split)
		seen[idx] = true
	}
	assert.Len(t, seen, calls)
}

func TestIssueOnOneLinkIsPaired(t *testing.T) {
	const calls = 8
	var mu sync.Mutex
	var events []string
	record := func(event string) func(mock.Arguments) {
		return func(mock.Arguments) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		}
	}
	tr := new(transportMock.MockTransport)
	// a slow send leaves room for another caller to slip in before the recv
	tr.On("Isend", "sendA", mock.Anything, Tag, "sSendA").
		Run(func(args mock.Arguments) {
			record("send")(args)
			time.Sleep(5 * time.Millisecond)
		}).Return("sreq", nil)
	tr.On("Irecv", "recvA", mock.Anything, []int{Tag}, []transport.MemHandle{"rRecvA"}).
		Run(record("recv")).Return("rreq", nil)

	comm, err := NewCommunicator(tr, Options{Split: 1}, testLinks("A"), nil)
	require.NoError(t, err)
	sreg := testRegistration("s", "A")
	rreg := testRegistration("r", "A")

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 8)
			_, err := comm.Iallreduce(false, buf, buf, sreg, rreg, 2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, events, 2*calls)
	for i := 0; i < len(events); i += 2 {
		assert.Equal(t, []string{"send", "recv"}, events[i:i+2], "issue %d", i/2)
	}
}

func TestBypass(t *testing.T) {
	tr := new(transportMock.MockTransport)
	comm, err := NewCommunicator(tr, Options{Split: 3, Bypass: true}, nil, nil)
	require.NoError(t, err)

	// sizes and registrations are ignored
	id, err := comm.Iallreduce(false, nil, nil, nil, nil, 7)
	require.NoError(t, err)
	done, size, err := comm.Test(id)
	assert.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 0, size)
	assert.Equal(t, 0, comm.Pool().InUse())
	assert.Equal(t, uint64(0), comm.Cursor())
	tr.AssertNotCalled(t, "Test", mock.Anything)
}

func TestRegisterMemoryOrder(t *testing.T) {
	tr := new(transportMock.MockTransport)
	peer := &PeerConnection{Send: "peerSend", Recv: "peerRecv"}
	comm, err := NewCommunicator(tr, Options{Split: 1}, testLinks("A", "B"), peer)
	require.NoError(t, err)
	buf := make([]byte, 64)

	for _, c := range []string{"recvA", "sendA", "recvB", "sendB", "peerRecv"} {
		tr.On("RegMr", c, mock.Anything, transport.PtrHost).Return("mh-"+c, nil).Once()
		tr.On("DeregMr", c, "mh-"+c).Return(nil).Once()
	}

	reg, err := comm.RegisterMemory(buf, transport.PtrHost)
	require.NoError(t, err)
	assert.Equal(t, 5, reg.Handles())
	require.NoError(t, comm.DeregisterMemory(reg))

	var order []interface{}
	for _, call := range tr.Calls {
		order = append(order, call.Method+":"+call.Arguments[0].(string))
	}
	assert.Equal(t, []interface{}{
		"RegMr:recvA", "RegMr:sendA", "RegMr:recvB", "RegMr:sendB", "RegMr:peerRecv",
		"DeregMr:recvA", "DeregMr:sendA", "DeregMr:recvB", "DeregMr:sendB", "DeregMr:peerRecv",
	}, order)
	tr.AssertExpectations(t)
}

func TestRegisterMemoryWithoutLinks(t *testing.T) {
	tr := new(transportMock.MockTransport)
	peer := &PeerConnection{Send: "peerSend", Recv: "peerRecv"}
	comm, err := NewCommunicator(tr, Options{Split: 1, Bypass: true}, nil, peer)
	require.NoError(t, err)

	tr.On("RegMr", "peerRecv", mock.Anything, transport.PtrCuda).Return("mh", nil).Once()
	tr.On("DeregMr", "peerRecv", "mh").Return(nil).Once()

	reg, err := comm.RegisterMemory(make([]byte, 8), transport.PtrCuda)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Handles())
	assert.NoError(t, comm.DeregisterMemory(reg))
	tr.AssertExpectations(t)
}

func TestRegisterMemoryFailure(t *testing.T) {
	tr := new(transportMock.MockTransport)
	comm, err := NewCommunicator(tr, Options{Split: 1}, testLinks("A"), nil)
	require.NoError(t, err)

	tr.On("RegMr", "recvA", mock.Anything, transport.PtrCuda).Return("mh", nil).Once()
	tr.On("RegMr", "sendA", mock.Anything, transport.PtrCuda).Return(nil, status.Error(codes.Internal, "no gdr")).Once()

	_, err = comm.RegisterMemory(make([]byte, 8), transport.PtrCuda)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Equal(t, codes.InvalidArgument, status.Code(comm.DeregisterMemory(&Registration{})))
}

func TestIflush(t *testing.T) {
	tr := new(transportMock.MockTransport)
	peer := &PeerConnection{Send: "peerSend", Recv: "peerRecv"}
	comm, err := NewCommunicator(tr, Options{Split: 1, Bypass: true}, nil, peer)
	require.NoError(t, err)
	reg := &Registration{peer: "mh"}
	buf := make([]byte, 8)

	tr.On("Iflush", "peerRecv", [][]byte{buf}, []transport.MemHandle{"mh"}).Return(nil, nil).Once()
	id, err := comm.Iflush(buf, reg)
	assert.NoError(t, err)
	assert.Equal(t, NoSlot, id)
	assert.Equal(t, 0, comm.Pool().InUse())

	tr.On("Iflush", "peerRecv", [][]byte{buf}, []transport.MemHandle{"mh"}).Return("flush", nil).Once()
	tr.On("Test", "flush").Return(false, 0, nil).Once()
	tr.On("Test", "flush").Return(true, 8, nil).Once()
	id, err = comm.Iflush(buf, reg)
	require.NoError(t, err)
	assert.NotEqual(t, NoSlot, id)

	done, _, err := comm.Test(id)
	assert.NoError(t, err)
	assert.False(t, done)
	done, size, err := comm.Test(id)
	assert.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 8, size)
	assert.Equal(t, 0, comm.Pool().InUse())

	noPeer, err := NewCommunicator(tr, Options{Split: 1, Bypass: true}, nil, nil)
	require.NoError(t, err)
	_, err = noPeer.Iflush(buf, reg)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestCloseOrder(t *testing.T) {
	tr := new(transportMock.MockTransport)
	peer := &PeerConnection{Send: "peerSend", Recv: "peerRecv"}
	comm, err := NewCommunicator(tr, Options{Split: 1}, testLinks("A"), peer)
	require.NoError(t, err)

	tr.On("CloseRecv", "peerRecv").Return(nil).Once()
	tr.On("CloseSend", "peerSend").Return(nil).Once()
	tr.On("CloseSend", "sendA").Return(nil).Once()
	tr.On("CloseRecv", "recvA").Return(nil).Once()

	assert.NoError(t, comm.Close())
	var order []interface{}
	for _, call := range tr.Calls {
		order = append(order, call.Arguments[0])
	}
	assert.Equal(t, []interface{}{"peerRecv", "peerSend", "sendA", "recvA"}, order)
}

func TestConnectRingValidation(t *testing.T) {
	tr := new(transportMock.MockTransport)
	handles := []transport.Handle{transport.Handle("h0"), transport.Handle("h1")}
	_, err := ConnectRing(context.Background(), tr, 0, handles, 2, -1, "listen")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = ConnectRing(context.Background(), tr, 0, handles, 3, 0, "listen")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
