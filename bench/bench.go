package main

import (
	"context"
	"flag"
	"time"

	"cs426.yale.edu/optcast/bootstrap"
	"cs426.yale.edu/optcast/collnet"
	"cs426.yale.edu/optcast/config"
	"cs426.yale.edu/optcast/plugin"
	"cs426.yale.edu/optcast/reduction"
	"cs426.yale.edu/optcast/transport"
	"cs426.yale.edu/optcast/transport/socket"
	"cs426.yale.edu/optcast/utils"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

var (
	servers       = flag.String("servers", "127.0.0.1:8918", "comma separated reduction servers")
	split         = flag.Int("split", 1, "fragments per allreduce")
	count         = flag.Int("count", 1024, "elements per allreduce")
	half          = flag.Bool("half", false, "reduce float16 instead of float32")
	tryCount      = flag.Int("try-count", 100, "number of rounds")
	nreq          = flag.Int("nreq", 1, "allreduce requests in flight per round")
	verify        = flag.Bool("verify", false, "check every result")
	deviceAddress = flag.String("device-address", config.DefaultSocketAddr, "local address of the data plane")
	adminAddress  = flag.String("admin-address", "", "admin address of a reduction server to query at the end")
	logLevel      = flag.String("log-level", "info", "logrus level")
)

type buffer struct {
	values []float32
	send   []byte
	recv   []byte
	smh    *plugin.MemHandle
	rmh    *plugin.MemHandle
	start  time.Time
	req    *plugin.Request
}

func queryAdmin(address string) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logrus.Errorf("failed to connect to admin server %s: %v", address, err)
		return
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := reduction.NewAdminClient(conn).GetStats(ctx, &emptypb.Empty{})
	if err != nil {
		logrus.Errorf("failed to get stats: %v", err)
		return
	}
	logrus.WithFields(logrus.Fields(stats.AsMap())).Info("reduction server stats")
}

func main() {
	flag.Parse()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logrus.SetLevel(level)

	endpoints, err := bootstrap.ParseServers(*servers)
	if err != nil {
		logrus.Fatalf("%v", err)
	}
	cfg := &config.Config{
		Servers:        endpoints,
		Split:          *split,
		SocketAddrs:    []string{*deviceAddress},
		ConnectTimeout: 30 * time.Second,
	}
	n := plugin.New(socket.New(cfg.SocketAddrs), cfg)
	if err := n.Init(nil); err != nil {
		logrus.Fatalf("failed to initialize: %v", err)
	}

	// a single rank is its own ring neighbour
	handle, lc, err := n.Listen(0)
	if err != nil {
		logrus.Fatalf("failed to listen: %v", err)
	}
	defer n.CloseListen(lc)
	cc, err := n.Connect([]transport.Handle{handle}, 1, 0, lc)
	if err != nil {
		logrus.Fatalf("failed to connect: %v", err)
	}
	defer n.CloseColl(cc)

	dataType := collnet.Float32
	if *half {
		dataType = collnet.Float16
	}
	size := *count * utils.ElementSize(*half)
	bufs := make([]*buffer, *nreq)
	for i := range bufs {
		b := &buffer{
			values: make([]float32, *count),
			send:   make([]byte, size),
			recv:   make([]byte, size),
		}
		for j := range b.values {
			b.values[j] = float32((i + j) % 64)
		}
		if err := utils.SerializeVector(b.send, b.values, *half); err != nil {
			logrus.Fatalf("%v", err)
		}
		if b.smh, err = n.RegMr(cc, b.send, transport.PtrHost); err != nil {
			logrus.Fatalf("failed to register: %v", err)
		}
		if b.rmh, err = n.RegMr(cc, b.recv, transport.PtrHost); err != nil {
			logrus.Fatalf("failed to register: %v", err)
		}
		bufs[i] = b
	}

	latency := utils.NewConcurrentTDigest(1000)
	got := make([]float32, *count)
	start := time.Now()
	for try := 0; try < *tryCount; try++ {
		for _, b := range bufs {
			b.start = time.Now()
			b.req, err = n.Iallreduce(cc, b.send, b.recv, *count, dataType, collnet.Sum, b.smh, b.rmh)
			if err != nil {
				logrus.Fatalf("allreduce failed: %v", err)
			}
		}
		for _, b := range bufs {
			err := utils.Poll(context.Background(), func() (bool, error) {
				done, _, err := n.Test(b.req)
				return done, err
			})
			if err != nil {
				logrus.Fatalf("test failed: %v", err)
			}
			latency.Add(float64(time.Since(b.start).Microseconds()), 1)
			if !*verify {
				continue
			}
			if err := utils.DeserializeVector(got, b.recv, *half); err != nil {
				logrus.Fatalf("%v", err)
			}
			if !floats.Equal(float64s(got), float64s(b.values)) {
				logrus.WithFields(logrus.Fields{"try": try}).Fatal("result mismatch")
			}
		}
	}
	elapsed := time.Since(start)

	total := float64(*tryCount * *nreq * size)
	logrus.WithFields(logrus.Fields{
		"size":    size,
		"split":   *split,
		"servers": len(endpoints),
		"gbps":    total * 8 / elapsed.Seconds() * 1e-9,
		"p50_us":  latency.Quantile(0.5),
		"p99_us":  latency.Quantile(0.99),
	}).Info("bench done")

	for _, b := range bufs {
		n.DeregMr(cc, b.smh)
		n.DeregMr(cc, b.rmh)
	}
	if *adminAddress != "" {
		queryAdmin(*adminAddress)
	}
}

func float64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
