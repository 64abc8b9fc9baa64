package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cs426.yale.edu/optcast/bootstrap"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	EnvReductionServers = "OPTCAST_REDUCTION_SERVERS"
	EnvBypass           = "OPTCAST_BYPASS"
	EnvSplit            = "OPTCAST_SPLIT"
	EnvSocketIfAddr     = "OPTCAST_SOCKET_IFADDR"
	EnvConnectTimeout   = "OPTCAST_CONNECT_TIMEOUT"

	DefaultSocketAddr = "127.0.0.1"
)

// Config is resolved once when the plugin is initialized.
type Config struct {
	Servers []bootstrap.Endpoint
	Bypass  bool
	Split   int
	// local addresses, one socket device each
	SocketAddrs []string
	// zero means bootstrap retries forever
	ConnectTimeout time.Duration
}

func FromEnv() (*Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup resolves the configuration through lookup, which has the
// signature of os.LookupEnv.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	config := &Config{Split: 1, SocketAddrs: []string{DefaultSocketAddr}}

	_, config.Bypass = lookup(EnvBypass)
	servers, ok := lookup(EnvReductionServers)
	if !ok && !config.Bypass {
		logrus.WithFields(logrus.Fields{"env": EnvReductionServers}).Warn("reduction servers are not configured")
		return nil, status.Errorf(codes.FailedPrecondition, "%v is not set", EnvReductionServers)
	}
	if !config.Bypass {
		endpoints, err := bootstrap.ParseServers(servers)
		if err != nil {
			return nil, err
		}
		config.Servers = endpoints
	}

	if s, ok := lookup(EnvSplit); ok {
		split, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || split < 1 {
			return nil, status.Errorf(codes.FailedPrecondition, "invalid %v %q", EnvSplit, s)
		}
		config.Split = split
	}

	if s, ok := lookup(EnvSocketIfAddr); ok && strings.TrimSpace(s) != "" {
		config.SocketAddrs = nil
		for _, addr := range strings.Split(s, ",") {
			config.SocketAddrs = append(config.SocketAddrs, strings.TrimSpace(addr))
		}
	}

	if s, ok := lookup(EnvConnectTimeout); ok {
		timeout, err := time.ParseDuration(s)
		if err != nil || timeout < 0 {
			return nil, status.Errorf(codes.FailedPrecondition, "invalid %v %q", EnvConnectTimeout, s)
		}
		config.ConnectTimeout = timeout
	}
	return config, nil
}

// ServerConfig configures one reduction server.
type ServerConfig struct {
	Address      string `json:"address"`
	Port         int    `json:"port"`
	AdminAddress string `json:"admin_address"`
	NRank        int    `json:"nrank"`
	// elements per reduction
	Count    int    `json:"count"`
	DataType string `json:"data_type"`
	// local address of the socket transport device
	DeviceAddress string `json:"device_address"`
	// buffer sets pipelined through recv, reduce and send
	ReduceJobs int `json:"reduce_jobs"`
	// goroutines summing one job
	ReduceThreads int `json:"reduce_threads"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:       "0.0.0.0",
		Port:          8918,
		NRank:         1,
		Count:         1024,
		DataType:      "f32",
		DeviceAddress: DefaultSocketAddr,
		ReduceJobs:    2,
		ReduceThreads: 2,
	}
}

// Half reports whether the server reduces float16 values.
func (c *ServerConfig) Half() (bool, error) {
	switch c.DataType {
	case "f32", "float32":
		return false, nil
	case "f16", "float16":
		return true, nil
	default:
		return false, status.Errorf(codes.FailedPrecondition, "unsupported data type %q", c.DataType)
	}
}

// LoadServerConfig reads a JSON server config on top of the defaults.
func LoadServerConfig(filePath string) (*ServerConfig, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("error opening config file: %w", err)
	}
	defer file.Close()

	config := DefaultServerConfig()
	decoder := json.NewDecoder(file)
	err = decoder.Decode(config)
	if err != nil {
		return nil, fmt.Errorf("error decoding config file: %w", err)
	}
	return config, nil
}
