package bootstrap

import (
	"net"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Endpoint is the control address of one reduction server.
type Endpoint struct {
	Address string
	Port    int
}

func (ep Endpoint) String() string {
	return net.JoinHostPort(ep.Address, strconv.Itoa(ep.Port))
}

// ParseServers parses a comma separated list of address:port pairs. Any
// malformed entry fails the whole list.
func ParseServers(list string) ([]Endpoint, error) {
	if strings.TrimSpace(list) == "" {
		return nil, status.Errorf(codes.FailedPrecondition, "empty reduction server list")
	}
	var endpoints []Endpoint
	for _, entry := range strings.Split(list, ",") {
		addr, port, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || addr == "" {
			return nil, status.Errorf(codes.FailedPrecondition, "invalid reduction server %q, expected address:port", entry)
		}
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return nil, status.Errorf(codes.FailedPrecondition, "invalid port in reduction server %q", entry)
		}
		endpoints = append(endpoints, Endpoint{Address: addr, Port: p})
	}
	return endpoints, nil
}
