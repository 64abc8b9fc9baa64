package socket

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const frameHeaderSize = 8

// errBadFrame marks frames that arrived intact but do not match the posted receive.
var errBadFrame = errors.New("bad frame")

type request struct {
	data []byte
	tag  int
	done chan struct{}
	size int
	err  error
}

func newRequest(data []byte, tag int) *request {
	return &request{data: data, tag: tag, done: make(chan struct{})}
}

func (r *request) complete(size int, err error) {
	r.size = size
	r.err = err
	close(r.done)
}

// queue is the bounded request queue shared by both comm directions.
type queue struct {
	conn   net.Conn
	reqs   chan *request
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newQueue(conn net.Conn, handle func(net.Conn, *request)) *queue {
	q := &queue{
		conn: conn,
		reqs: make(chan *request, MaxRequests),
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for req := range q.reqs {
			handle(q.conn, req)
		}
	}()
	return q
}

// enqueue returns false without error when the queue is full.
func (q *queue) enqueue(req *request) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, status.Errorf(codes.FailedPrecondition, "comm is closed")
	}
	select {
	case q.reqs <- req:
		return true, nil
	default:
		return false, nil
	}
}

func (q *queue) close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.reqs)
	q.mu.Unlock()

	err := q.conn.Close()
	q.wg.Wait()
	if err != nil {
		return status.Errorf(codes.Unavailable, "failed to close connection: %v", err)
	}
	return nil
}

type sendComm struct {
	*queue
}

func newSendComm(conn net.Conn) *sendComm {
	return &sendComm{newQueue(conn, func(conn net.Conn, req *request) {
		err := writeFrame(conn, req.tag, req.data)
		req.complete(len(req.data), err)
	})}
}

type recvComm struct {
	*queue
}

func newRecvComm(conn net.Conn) *recvComm {
	return &recvComm{newQueue(conn, func(conn net.Conn, req *request) {
		n, err := readFrame(conn, req.tag, req.data)
		req.complete(n, err)
	})}
}

// A frame is a little endian tag and payload length followed by the payload.
func writeFrame(w io.Writer, tag int, data []byte) error {
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(int32(tag)))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return errors.Wrap(err, "failed to write frame header")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrapf(err, "failed to write %d byte payload", len(data))
	}
	return nil
}

func readFrame(r io.Reader, tag int, buf []byte) (int, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, errors.Wrap(err, "failed to read frame header")
	}
	gotTag := int(int32(binary.LittleEndian.Uint32(header[0:])))
	size := int(binary.LittleEndian.Uint32(header[4:]))
	if gotTag != tag {
		return 0, errors.Wrapf(errBadFrame, "tag mismatch: expected %#x, got %#x", tag, gotTag)
	}
	if size > len(buf) {
		return 0, errors.Wrapf(errBadFrame, "message of %d bytes does not fit in %d byte buffer", size, len(buf))
	}
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		return 0, errors.Wrapf(err, "failed to read %d byte payload", size)
	}
	return size, nil
}
