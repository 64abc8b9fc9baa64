package reduction

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"cs426.yale.edu/optcast/bootstrap"
	"cs426.yale.edu/optcast/collnet"
	"cs426.yale.edu/optcast/transport"
	"cs426.yale.edu/optcast/transport/socket"
	"cs426.yale.edu/optcast/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
)

func startServer(t *testing.T, config Config) (*Server, chan error) {
	tr := socket.New([]string{"127.0.0.1"})
	require.NoError(t, tr.Init())
	config.Address = "127.0.0.1"
	server, err := NewServer(tr, config)
	require.NoError(t, err)
	require.NoError(t, server.Listen())

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(context.Background())
	}()
	return server, served
}

// reduceOnce sends values to the server from a fresh rank and returns what
// the server sent back.
func reduceOnce(t *testing.T, link *bootstrap.Link, tr transport.Transport, values []float32, half bool) []float32 {
	size := len(values) * utils.ElementSize(half)
	send := make([]byte, size)
	recv := make([]byte, size)
	require.NoError(t, utils.SerializeVector(send, values, half))

	smh, err := tr.RegMr(link.Send, send, transport.PtrHost)
	require.NoError(t, err)
	rmh, err := tr.RegMr(link.Recv, recv, transport.PtrHost)
	require.NoError(t, err)
	defer tr.DeregMr(link.Send, smh)
	defer tr.DeregMr(link.Recv, rmh)

	rreq, err := tr.Irecv(link.Recv, [][]byte{recv}, []int{collnet.Tag}, []transport.MemHandle{rmh})
	require.NoError(t, err)
	sreq, err := tr.Isend(link.Send, send, collnet.Tag, smh)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, req := range []transport.Request{sreq, rreq} {
		err := utils.Poll(ctx, func() (bool, error) {
			done, _, err := tr.Test(req)
			return done, err
		})
		require.NoError(t, err)
	}

	out := make([]float32, len(values))
	require.NoError(t, utils.DeserializeVector(out, recv, half))
	return out
}

func connectRank(t *testing.T, server *Server) (*bootstrap.Link, transport.Transport) {
	tr := socket.New([]string{"127.0.0.1"})
	require.NoError(t, tr.Init())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	port := server.Addr().(*net.TCPAddr).Port
	link, err := bootstrap.ConnectLink(ctx, tr, 0, bootstrap.Endpoint{Address: "127.0.0.1", Port: port})
	require.NoError(t, err)
	return link, tr
}

func TestNewServerValidation(t *testing.T) {
	tr := socket.New([]string{"127.0.0.1"})
	_, err := NewServer(tr, Config{NRank: 0, MaxCount: 1})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = NewServer(tr, Config{NRank: 1, MaxCount: 0})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = NewServer(tr, Config{NRank: 1, MaxCount: 1, Jobs: -1})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = NewServer(tr, Config{NRank: 1, MaxCount: 1, Threads: -2})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	server, err := NewServer(tr, Config{NRank: 1, MaxCount: 1})
	require.NoError(t, err)
	assert.Nil(t, server.Addr())
	assert.Equal(t, codes.FailedPrecondition, status.Code(server.Serve(context.Background())))
}

func TestReduceTwoRanks(t *testing.T) {
	server, served := startServer(t, Config{NRank: 2, MaxCount: 64})

	type rank struct {
		link *bootstrap.Link
		tr   transport.Transport
	}
	ranks := make([]rank, 2)
	var wg sync.WaitGroup
	for i := range ranks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			link, tr := connectRank(t, server)
			ranks[i] = rank{link, tr}
		}(i)
	}
	wg.Wait()

	for round := 0; round < 3; round++ {
		results := make([][]float32, 2)
		for i := range ranks {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				values := make([]float32, 32)
				for j := range values {
					values[j] = float32((i + 1) * (j + round))
				}
				results[i] = reduceOnce(t, ranks[i].link, ranks[i].tr, values, false)
			}(i)
		}
		wg.Wait()

		for j := 0; j < 32; j++ {
			// rank 0 sent j+round and rank 1 sent 2(j+round)
			assert.Equal(t, float32(3*(j+round)), results[0][j])
			assert.Equal(t, results[0][j], results[1][j])
		}
	}

	snapshot := server.Stats().Snapshot()
	assert.Equal(t, uint64(3), snapshot.Jobs)
	assert.Equal(t, uint64(3*32*4), snapshot.Bytes)
	assert.Equal(t, 2, snapshot.Ranks)

	for _, r := range ranks {
		assert.NoError(t, r.link.Close(r.tr))
	}
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop after ranks left")
	}
	assert.NoError(t, server.Close())
}

// reduceInFlight posts one receive and one send per vector before waiting on
// any of them.
func reduceInFlight(t *testing.T, link *bootstrap.Link, tr transport.Transport, vectors [][]float32) [][]float32 {
	reqs := make([]transport.Request, 0, 2*len(vectors))
	recvs := make([][]byte, len(vectors))
	for k, values := range vectors {
		send := make([]byte, 4*len(values))
		recvs[k] = make([]byte, len(send))
		require.NoError(t, utils.SerializeVector(send, values, false))
		smh, err := tr.RegMr(link.Send, send, transport.PtrHost)
		require.NoError(t, err)
		rmh, err := tr.RegMr(link.Recv, recvs[k], transport.PtrHost)
		require.NoError(t, err)

		rreq, err := tr.Irecv(link.Recv, [][]byte{recvs[k]}, []int{collnet.Tag}, []transport.MemHandle{rmh})
		require.NoError(t, err)
		require.NotNil(t, rreq)
		sreq, err := tr.Isend(link.Send, send, collnet.Tag, smh)
		require.NoError(t, err)
		require.NotNil(t, sreq)
		reqs = append(reqs, sreq, rreq)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, req := range reqs {
		err := utils.Poll(ctx, func() (bool, error) {
			done, _, err := tr.Test(req)
			return done, err
		})
		require.NoError(t, err)
	}

	out := make([][]float32, len(vectors))
	for k := range vectors {
		out[k] = make([]float32, len(vectors[k]))
		require.NoError(t, utils.DeserializeVector(out[k], recvs[k], false))
	}
	return out
}

func TestReducePipelinesJobs(t *testing.T) {
	server, served := startServer(t, Config{NRank: 2, MaxCount: 64, Jobs: 2, Threads: 3})

	links := make([]*bootstrap.Link, 2)
	trs := make([]transport.Transport, 2)
	var wg sync.WaitGroup
	for i := range links {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			links[i], trs[i] = connectRank(t, server)
		}(i)
	}
	wg.Wait()

	const inFlight = 5
	results := make([][][]float32, 2)
	for i := range links {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vectors := make([][]float32, inFlight)
			for k := range vectors {
				vectors[k] = make([]float32, 10)
				for j := range vectors[k] {
					vectors[k][j] = float32((i + 1) * (100*k + j))
				}
			}
			results[i] = reduceInFlight(t, links[i], trs[i], vectors)
		}(i)
	}
	wg.Wait()

	for k := 0; k < inFlight; k++ {
		for j := 0; j < 10; j++ {
			assert.Equal(t, float32(3*(100*k+j)), results[0][k][j])
			assert.Equal(t, results[0][k][j], results[1][k][j])
		}
	}
	assert.Equal(t, uint64(inFlight), server.Stats().Snapshot().Jobs)

	for i := range links {
		assert.NoError(t, links[i].Close(trs[i]))
	}
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop after ranks left")
	}
	server.Close()
}

func TestReducePartitions(t *testing.T) {
	tr := socket.New([]string{"127.0.0.1"})
	for _, threads := range []int{1, 3, 10, 32} {
		server, err := NewServer(tr, Config{NRank: 2, MaxCount: 10, Threads: threads})
		require.NoError(t, err)

		a := make([]float32, 10)
		b := make([]float32, 10)
		for j := range a {
			a[j] = float32(j)
			b[j] = float32(10 * j)
		}
		j := &job{
			recvBufs: [][]byte{make([]byte, 40), make([]byte, 40)},
			sendBuf:  make([]byte, 40),
			acc:      make([]float32, 10),
			tmp:      make([]float32, 10),
			size:     40,
		}
		require.NoError(t, utils.SerializeVector(j.recvBufs[0], a, false))
		require.NoError(t, utils.SerializeVector(j.recvBufs[1], b, false))
		require.NoError(t, server.reduce(j))

		out := make([]float32, 10)
		require.NoError(t, utils.DeserializeVector(out, j.sendBuf, false))
		for i := range out {
			assert.Equal(t, float32(11*i), out[i], "threads %d", threads)
		}
	}
}

func TestServeFailsOnOversizeFragment(t *testing.T) {
	server, served := startServer(t, Config{NRank: 1, MaxCount: 4})
	link, tr := connectRank(t, server)
	defer link.Close(tr)

	send := make([]byte, 64)
	smh, err := tr.RegMr(link.Send, send, transport.PtrHost)
	require.NoError(t, err)
	_, err = tr.Isend(link.Send, send, collnet.Tag, smh)
	require.NoError(t, err)

	select {
	case err := <-served:
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	case <-time.After(10 * time.Second):
		t.Fatal("server did not reject the fragment")
	}
	server.Close()
}

func TestReduceHalfPrecision(t *testing.T) {
	server, served := startServer(t, Config{NRank: 1, MaxCount: 16, Half: true})
	link, tr := connectRank(t, server)

	values := []float32{0.5, 1, 1.5, -2}
	assert.Equal(t, values, reduceOnce(t, link, tr, values, true))

	assert.NoError(t, link.Close(tr))
	select {
	case <-served:
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop after rank left")
	}
	server.Close()
}

func TestServeCanceled(t *testing.T) {
	tr := socket.New([]string{"127.0.0.1"})
	server, err := NewServer(tr, Config{Address: "127.0.0.1", NRank: 1, MaxCount: 1})
	require.NoError(t, err)
	require.NoError(t, server.Listen())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = server.Serve(ctx)
	assert.Equal(t, codes.Canceled, status.Code(err))
}

func TestAdminGetStats(t *testing.T) {
	tr := socket.New([]string{"127.0.0.1"})
	server, err := NewServer(tr, Config{NRank: 4, MaxCount: 8})
	require.NoError(t, err)
	server.stats.observe(100*time.Microsecond, 32)
	server.stats.observe(300*time.Microsecond, 32)

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterAdminServer(s, server)
	go s.Serve(lis)
	defer s.Stop()

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	stats, err := NewAdminClient(conn).GetStats(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)
	fields := stats.GetFields()
	assert.Equal(t, float64(4), fields["nrank"].GetNumberValue())
	assert.Equal(t, float64(2), fields["jobs"].GetNumberValue())
	assert.Equal(t, float64(64), fields["bytes"].GetNumberValue())
	assert.Equal(t, float64(0), fields["ranks"].GetNumberValue())
	assert.InDelta(t, 200, fields["latency_p50_us"].GetNumberValue(), 100)
}
