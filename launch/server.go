package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"

	"cs426.yale.edu/optcast/config"
	"cs426.yale.edu/optcast/reduction"
	"cs426.yale.edu/optcast/transport/socket"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

var (
	configPath    = flag.String("config", "", "JSON server config, overrides the flags below")
	address       = flag.String("address", "0.0.0.0", "control address to listen on")
	port          = flag.Int("port", 8918, "control port to listen on")
	nrank         = flag.Int("nrank", 1, "number of ranks per job")
	count         = flag.Int("count", 1024, "maximum elements per reduction")
	dataType      = flag.String("data-type", "f32", "f32 or f16")
	deviceAddress = flag.String("device-address", config.DefaultSocketAddr, "local address of the data plane")
	adminAddress  = flag.String("admin-address", "", "address of the gRPC admin service, disabled if empty")
	reduceJobs    = flag.Int("reduce-jobs", 2, "job buffers pipelined through recv, reduce and send")
	reduceThreads = flag.Int("reduce-threads", 2, "goroutines summing one job")
	logLevel      = flag.String("log-level", "info", "logrus level")
)

func loadConfig() (*config.ServerConfig, error) {
	if *configPath != "" {
		return config.LoadServerConfig(*configPath)
	}
	return &config.ServerConfig{
		Address:       *address,
		Port:          *port,
		AdminAddress:  *adminAddress,
		NRank:         *nrank,
		Count:         *count,
		DataType:      *dataType,
		DeviceAddress: *deviceAddress,
		ReduceJobs:    *reduceJobs,
		ReduceThreads: *reduceThreads,
	}, nil
}

func launchAdminServer(server *reduction.Server, adminAddress string) {
	listen, err := net.Listen("tcp", adminAddress)
	if err != nil {
		logrus.Fatalf("failed to listen on admin address %s: %v", adminAddress, err)
	}
	s := grpc.NewServer()
	reduction.RegisterAdminServer(s, server)
	logrus.Infof("admin server listening on %s", adminAddress)
	if err := s.Serve(listen); err != nil {
		logrus.Fatalf("failed to serve gRPC server on %s: %v", adminAddress, err)
	}
}

func main() {
	flag.Parse()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logrus.SetLevel(level)

	cfg, err := loadConfig()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	half, err := cfg.Half()
	if err != nil {
		logrus.Fatalf("invalid config: %v", err)
	}

	tr := socket.New([]string{cfg.DeviceAddress})
	if err := tr.Init(); err != nil {
		logrus.Fatalf("failed to initialize transport: %v", err)
	}
	server, err := reduction.NewServer(tr, reduction.Config{
		Address:  cfg.Address,
		Port:     cfg.Port,
		NRank:    cfg.NRank,
		MaxCount: cfg.Count,
		Half:     half,
		Jobs:     cfg.ReduceJobs,
		Threads:  cfg.ReduceThreads,
	})
	if err != nil {
		logrus.Fatalf("invalid config: %v", err)
	}
	if err := server.Listen(); err != nil {
		logrus.Fatalf("%v", err)
	}
	defer server.Close()

	if cfg.AdminAddress != "" {
		go launchAdminServer(server, cfg.AdminAddress)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	for job := 0; ctx.Err() == nil; job++ {
		logrus.WithFields(logrus.Fields{"job": job}).Info("waiting for ranks")
		if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{"job": job}).Errorf("job failed: %v", err)
		}
	}
}
