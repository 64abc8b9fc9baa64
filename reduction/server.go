package reduction

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"cs426.yale.edu/optcast/bootstrap"
	"cs426.yale.edu/optcast/collnet"
	"cs426.yale.edu/optcast/transport"
	"cs426.yale.edu/optcast/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errRankGone = errors.New("rank disconnected")

type Config struct {
	Address string
	Port    int
	NRank   int
	// elements per reduction
	MaxCount int
	Half     bool
	// transport device used for every rank
	Device int
	// buffer sets in flight through the recv, reduce and send stages
	Jobs int
	// goroutines summing one job
	Threads int
}

const (
	DefaultJobs    = 2
	DefaultThreads = 2
)

// Server sums the fragments sent by every rank and sends the sum back to each
// of them. It serves one job of NRank connections.
type Server struct {
	tr     transport.Transport
	config Config
	stats  *Stats

	mu    sync.Mutex
	ln    net.Listener
	links []*bootstrap.Link
}

func NewServer(tr transport.Transport, config Config) (*Server, error) {
	if config.NRank < 1 {
		return nil, status.Errorf(codes.FailedPrecondition, "nrank must be at least 1, got %v", config.NRank)
	}
	if config.MaxCount < 1 {
		return nil, status.Errorf(codes.FailedPrecondition, "count must be at least 1, got %v", config.MaxCount)
	}
	if config.Jobs == 0 {
		config.Jobs = DefaultJobs
	}
	if config.Threads == 0 {
		config.Threads = DefaultThreads
	}
	if config.Jobs < 1 || config.Threads < 1 {
		return nil, status.Errorf(codes.FailedPrecondition, "reduce jobs and threads must be at least 1, got %v and %v", config.Jobs, config.Threads)
	}
	return &Server{
		tr:     tr,
		config: config,
		stats:  newStats(config.NRank),
	}, nil
}

func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return status.Errorf(codes.Unavailable, "failed to listen on %v: %v", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	logrus.WithFields(logrus.Fields{"addr": ln.Addr().String(), "nrank": s.config.NRank}).Info("reduction server listening")
	return nil
}

// Addr is the control address, valid after Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Stats() *Stats {
	return s.stats
}

// Serve waits for NRank ranks and then reduces until a rank disconnects, in
// which case it returns nil, or ctx ends. Serve may be called again to serve
// the next job on the same listener.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return status.Errorf(codes.FailedPrecondition, "server is not listening")
	}

	links, err := s.acceptRanks(ctx, ln)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.links = links
	s.mu.Unlock()
	defer s.closeLinks()
	logrus.WithFields(logrus.Fields{"nrank": len(links)}).Info("all ranks connected")

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	for i, link := range links {
		go s.watch(i, link, cancel)
	}

	err = s.reduceLoop(ctx, links)
	if errors.Is(context.Cause(ctx), errRankGone) || status.Code(err) == codes.Unavailable {
		logrus.WithFields(logrus.Fields{"err": err}).Warn("rank disconnected, stopping")
		return nil
	}
	return err
}

// acceptRanks runs the server side of the bootstrap exchange for NRank
// control connections concurrently.
func (s *Server) acceptRanks(ctx context.Context, ln net.Listener) ([]*bootstrap.Link, error) {
	type accepted struct {
		idx  int
		link *bootstrap.Link
		err  error
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	results := make(chan accepted, s.config.NRank)
	for i := 0; i < s.config.NRank; i++ {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, status.FromContextError(ctx.Err()).Err()
			}
			return nil, status.Errorf(codes.Unavailable, "failed to accept: %v", err)
		}
		go func(idx int, conn net.Conn) {
			link, err := bootstrap.AcceptLink(ctx, s.tr, s.config.Device, conn)
			if err != nil {
				conn.Close()
			}
			results <- accepted{idx: idx, link: link, err: err}
		}(i, conn)
	}

	links := make([]*bootstrap.Link, s.config.NRank)
	var firstErr error
	for i := 0; i < s.config.NRank; i++ {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		links[res.idx] = res.link
		s.stats.ranks.Add(1)
	}
	if firstErr != nil {
		for _, link := range links {
			if link != nil {
				link.Close(s.tr)
			}
		}
		return nil, firstErr
	}
	return links, nil
}

// watch blocks on the control connection of a rank, which carries nothing
// after bootstrap, and cancels the server once it is closed.
func (s *Server) watch(rank int, link *bootstrap.Link, cancel context.CancelCauseFunc) {
	var buf [1]byte
	_, err := link.Control().Read(buf[:])
	s.stats.ranks.Add(-1)
	logrus.WithFields(logrus.Fields{"rank": rank, "err": err}).Info("control connection closed")
	cancel(errRankGone)
}

// job is one set of reduction buffers. Jobs cycle through the recv, reduce
// and send stages so that job k+1 is received while job k is reduced or sent.
type job struct {
	seq         int
	recvBufs    [][]byte
	recvHandles []transport.MemHandle
	sendBuf     []byte
	sendHandles []transport.MemHandle
	acc         []float32
	tmp         []float32
	reqs        []transport.Request
	sizes       []int
	size        int
}

// registerJobs allocates and registers Jobs buffer sets. release deregisters
// whatever was registered, including on error.
func (s *Server) registerJobs(links []*bootstrap.Link) ([]*job, func(), error) {
	size := s.config.MaxCount * utils.ElementSize(s.config.Half)
	var jobs []*job
	release := func() {
		for _, j := range jobs {
			for i, link := range links {
				if j.recvHandles[i] != nil {
					s.tr.DeregMr(link.Recv, j.recvHandles[i])
				}
				if j.sendHandles[i] != nil {
					s.tr.DeregMr(link.Send, j.sendHandles[i])
				}
			}
		}
	}
	for n := 0; n < s.config.Jobs; n++ {
		j := &job{
			recvBufs:    make([][]byte, len(links)),
			recvHandles: make([]transport.MemHandle, len(links)),
			sendBuf:     make([]byte, size),
			sendHandles: make([]transport.MemHandle, len(links)),
			acc:         make([]float32, s.config.MaxCount),
			tmp:         make([]float32, s.config.MaxCount),
			reqs:        make([]transport.Request, len(links)),
			sizes:       make([]int, len(links)),
		}
		jobs = append(jobs, j)
		for i, link := range links {
			j.recvBufs[i] = make([]byte, size)
			var err error
			if j.recvHandles[i], err = s.tr.RegMr(link.Recv, j.recvBufs[i], transport.PtrHost); err != nil {
				release()
				return nil, nil, err
			}
			if j.sendHandles[i], err = s.tr.RegMr(link.Send, j.sendBuf, transport.PtrHost); err != nil {
				release()
				return nil, nil, err
			}
		}
	}
	return jobs, release, nil
}

func (s *Server) reduceLoop(ctx context.Context, links []*bootstrap.Link) error {
	jobs, release, err := s.registerJobs(links)
	if err != nil {
		return err
	}
	defer release()

	free := make(chan *job, len(jobs))
	received := make(chan *job, len(jobs))
	reduced := make(chan *job, len(jobs))
	for _, j := range jobs {
		free <- j
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.recvStage(ctx, links, free, received) })
	g.Go(func() error { return s.reduceStage(ctx, received, reduced) })
	g.Go(func() error { return s.sendStage(ctx, links, reduced, free) })
	return g.Wait()
}

func nextJob(ctx context.Context, in <-chan *job) (*job, error) {
	select {
	case j := <-in:
		return j, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// recvStage posts one receive per rank into a free job and hands the job on
// once every rank's fragment has arrived.
func (s *Server) recvStage(ctx context.Context, links []*bootstrap.Link, free <-chan *job, out chan<- *job) error {
	width := utils.ElementSize(s.config.Half)
	for seq := 0; ; seq++ {
		j, err := nextJob(ctx, free)
		if err != nil {
			return err
		}
		j.seq = seq
		for i, link := range links {
			err := utils.Poll(ctx, func() (bool, error) {
				req, err := s.tr.Irecv(link.Recv, [][]byte{j.recvBufs[i]}, []int{collnet.Tag}, []transport.MemHandle{j.recvHandles[i]})
				j.reqs[i] = req
				return req != nil, err
			})
			if err != nil {
				return err
			}
		}
		if err := s.wait(ctx, j.reqs, j.sizes); err != nil {
			return err
		}
		n := j.sizes[0]
		for rank, got := range j.sizes {
			if got != n {
				return status.Errorf(codes.InvalidArgument, "rank %v sent %v bytes, rank 0 sent %v", rank, got, n)
			}
		}
		if n%width != 0 {
			return status.Errorf(codes.InvalidArgument, "fragment of %v bytes is not a whole number of elements", n)
		}
		j.size = n
		logrus.WithFields(logrus.Fields{"job": seq, "size": n}).Trace("recv done")
		out <- j
	}
}

func (s *Server) reduceStage(ctx context.Context, in <-chan *job, out chan<- *job) error {
	for {
		j, err := nextJob(ctx, in)
		if err != nil {
			return err
		}
		start := time.Now()
		if err := s.reduce(j); err != nil {
			return err
		}
		s.stats.observe(time.Since(start), j.size)
		logrus.WithFields(logrus.Fields{"job": j.seq, "size": j.size}).Trace("reduce done")
		out <- j
	}
}

// reduce sums every rank's fragment into the job's send buffer, split into
// Threads contiguous partitions summed concurrently.
func (s *Server) reduce(j *job) error {
	half := s.config.Half
	width := utils.ElementSize(half)
	count := j.size / width
	parts := s.config.Threads
	if parts > count {
		parts = count
	}
	if parts < 1 {
		return nil
	}
	chunk := (count + parts - 1) / parts

	var g errgroup.Group
	for lo := 0; lo < count; lo += chunk {
		hi := min(lo+chunk, count)
		g.Go(func() error {
			acc, tmp := j.acc[lo:hi], j.tmp[lo:hi]
			if err := utils.DeserializeVector(acc, j.recvBufs[0][lo*width:hi*width], half); err != nil {
				return err
			}
			for i := 1; i < len(j.recvBufs); i++ {
				if err := utils.DeserializeVector(tmp, j.recvBufs[i][lo*width:hi*width], half); err != nil {
					return err
				}
				if err := utils.SumVector(acc, tmp); err != nil {
					return err
				}
			}
			return utils.SerializeVector(j.sendBuf[lo*width:hi*width], acc, half)
		})
	}
	return g.Wait()
}

// sendStage sends the sum back to every rank and returns the job to the free
// list once all sends are done.
func (s *Server) sendStage(ctx context.Context, links []*bootstrap.Link, in <-chan *job, free chan<- *job) error {
	for {
		j, err := nextJob(ctx, in)
		if err != nil {
			return err
		}
		n := j.size
		for i, link := range links {
			err := utils.Poll(ctx, func() (bool, error) {
				req, err := s.tr.Isend(link.Send, j.sendBuf[:n:n], collnet.Tag, j.sendHandles[i])
				j.reqs[i] = req
				return req != nil, err
			})
			if err != nil {
				return err
			}
		}
		if err := s.wait(ctx, j.reqs, j.sizes); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{"job": j.seq}).Trace("send done")
		free <- j
	}
}

// wait polls every request until all are done, recording their sizes.
func (s *Server) wait(ctx context.Context, reqs []transport.Request, sizes []int) error {
	return utils.Poll(ctx, func() (bool, error) {
		for i, req := range reqs {
			if req == nil {
				continue
			}
			done, size, err := s.tr.Test(req)
			if err != nil {
				return false, err
			}
			if !done {
				return false, nil
			}
			sizes[i] = size
			reqs[i] = nil
		}
		return true, nil
	})
}

func (s *Server) closeLinks() error {
	s.mu.Lock()
	links := s.links
	s.links = nil
	s.mu.Unlock()
	var firstErr error
	for _, link := range links {
		if err := link.Close(s.tr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops listening and closes every rank link.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	var firstErr error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			firstErr = status.Errorf(codes.Unavailable, "failed to close listener: %v", err)
		}
	}
	if err := s.closeLinks(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
