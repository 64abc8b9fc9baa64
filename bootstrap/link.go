package bootstrap

import (
	"context"
	"net"
	"time"

	"cs426.yale.edu/optcast/transport"
	"cs426.yale.edu/optcast/utils"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Link is one established send/recv pair to a reduction server. The control
// connection stays open for the lifetime of the link so the server can tell
// when the client goes away.
type Link struct {
	Endpoint Endpoint
	Send     transport.SendComm
	Recv     transport.RecvComm
	ctrl     net.Conn
}

// Control returns the control connection of the link.
func (l *Link) Control() net.Conn {
	return l.ctrl
}

// Close closes both directions and the control connection. The first error
// is returned.
func (l *Link) Close(tr transport.Transport) error {
	var firstErr error
	if l.Send != nil {
		if err := tr.CloseSend(l.Send); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.Recv != nil {
		if err := tr.CloseRecv(l.Recv); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.ctrl != nil {
		l.ctrl.Close()
	}
	return firstErr
}

type State int

const (
	NotStarted State = iota
	SendPending
	RecvPending
	BothPending
	Established
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case SendPending:
		return "send pending"
	case RecvPending:
		return "recv pending"
	case BothPending:
		return "both pending"
	case Established:
		return "established"
	default:
		return "unknown"
	}
}

func stateOf(send transport.SendComm, recv transport.RecvComm) State {
	switch {
	case send != nil && recv != nil:
		return Established
	case send != nil:
		return RecvPending
	case recv != nil:
		return SendPending
	default:
		return BothPending
	}
}

// Establish drives a non-blocking connect to remote and a non-blocking accept
// on lc until both have produced a comm. Whatever was built is closed if an
// error is returned.
func Establish(ctx context.Context, tr transport.Transport, dev int, remote transport.Handle, lc transport.ListenComm) (transport.SendComm, transport.RecvComm, error) {
	var send transport.SendComm
	var recv transport.RecvComm
	state := NotStarted
	err := utils.Poll(ctx, func() (bool, error) {
		var err error
		if send == nil {
			if send, err = tr.Connect(dev, remote); err != nil {
				return false, err
			}
		}
		if recv == nil {
			if recv, err = tr.Accept(lc); err != nil {
				return false, err
			}
		}
		if next := stateOf(send, recv); next != state {
			logrus.WithFields(logrus.Fields{"from": state, "to": next}).Trace("bootstrap state")
			state = next
		}
		return state == Established, nil
	})
	if err != nil {
		if send != nil {
			tr.CloseSend(send)
		}
		if recv != nil {
			tr.CloseRecv(recv)
		}
		return nil, nil, err
	}
	return send, recv, nil
}

// ConnectLink is the client side of the bootstrap exchange. It reads the
// server's handle, sends back a fresh listen handle and then connects in both
// directions.
func ConnectLink(ctx context.Context, tr transport.Transport, dev int, ep Endpoint) (*Link, error) {
	ip := net.ParseIP(ep.Address)
	if ip == nil || ip.To4() == nil {
		return nil, status.Errorf(codes.Unavailable, "invalid reduction server address %v", ep.Address)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp4", ep.String())
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to connect to reduction server %v: %v", ep, err)
	}

	link, err := establishLink(ctx, tr, dev, conn, true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	link.Endpoint = ep
	logrus.WithFields(logrus.Fields{"server": ep.String(), "dev": dev}).Info("connected to reduction server")
	return link, nil
}

// AcceptLink is the server side of the bootstrap exchange on an accepted
// control connection.
func AcceptLink(ctx context.Context, tr transport.Transport, dev int, conn net.Conn) (*Link, error) {
	link, err := establishLink(ctx, tr, dev, conn, false)
	if err != nil {
		return nil, err
	}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		link.Endpoint = Endpoint{Address: addr.IP.String(), Port: addr.Port}
	}
	logrus.WithFields(logrus.Fields{"client": conn.RemoteAddr().String(), "dev": dev}).Info("accepted client")
	return link, nil
}

// establishLink exchanges handles over conn. The client reads first, the
// server writes first. ctx bounds the exchange on conn as well as the
// connect/accept loop.
func establishLink(ctx context.Context, tr transport.Transport, dev int, conn net.Conn, client bool) (*Link, error) {
	// unblocks a ReadBlob or WriteBlob stuck on a silent peer
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	link, err := exchange(ctx, tr, dev, conn, client)
	if !stop() && err == nil {
		link.Close(tr)
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, err
	}
	return link, nil
}

func exchange(ctx context.Context, tr transport.Transport, dev int, conn net.Conn, client bool) (*Link, error) {
	var remote transport.Handle
	if client {
		blob, err := ReadBlob(conn)
		if err != nil {
			return nil, err
		}
		remote = blob
	}

	handle, lc, err := tr.Listen(dev)
	if err != nil {
		return nil, err
	}
	defer tr.CloseListen(lc)

	if err := WriteBlob(conn, handle); err != nil {
		return nil, err
	}
	if !client {
		blob, err := ReadBlob(conn)
		if err != nil {
			return nil, err
		}
		remote = blob
	}

	send, recv, err := Establish(ctx, tr, dev, remote, lc)
	if err != nil {
		return nil, err
	}
	return &Link{Send: send, Recv: recv, ctrl: conn}, nil
}

// ConnectAll builds one link per endpoint, in order. Links already built are
// closed if any endpoint fails.
func ConnectAll(ctx context.Context, tr transport.Transport, dev int, endpoints []Endpoint) ([]*Link, error) {
	links := make([]*Link, 0, len(endpoints))
	for _, ep := range endpoints {
		link, err := ConnectLink(ctx, tr, dev, ep)
		if err != nil {
			for _, l := range links {
				l.Close(tr)
			}
			return nil, err
		}
		links = append(links, link)
	}
	return links, nil
}
