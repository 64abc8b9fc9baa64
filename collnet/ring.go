package collnet

import (
	"context"

	"cs426.yale.edu/optcast/bootstrap"
	"cs426.yale.edu/optcast/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PeerConnection is the direct rank to rank connection of a communicator.
// Flushes and peer memory registrations go through its receive side.
type PeerConnection struct {
	Send transport.SendComm
	Recv transport.RecvComm
}

// ConnectRing connects to rank+1 using its handle and accepts from rank-1 on
// lc.
func ConnectRing(ctx context.Context, tr transport.Transport, dev int, handles []transport.Handle, nranks int, rank int, lc transport.ListenComm) (*PeerConnection, error) {
	if nranks <= 0 || len(handles) != nranks {
		return nil, status.Errorf(codes.InvalidArgument, "expected %v handles, got %v", nranks, len(handles))
	}
	if rank < 0 || rank >= nranks {
		return nil, status.Errorf(codes.InvalidArgument, "could not determine rank, got %v of %v", rank, nranks)
	}
	next := (rank + 1) % nranks
	send, recv, err := bootstrap.Establish(ctx, tr, dev, handles[next], lc)
	if err != nil {
		return nil, err
	}
	return &PeerConnection{Send: send, Recv: recv}, nil
}

func (pc *PeerConnection) Close(tr transport.Transport) error {
	recvErr := tr.CloseRecv(pc.Recv)
	sendErr := tr.CloseSend(pc.Send)
	if recvErr != nil {
		return recvErr
	}
	return sendErr
}
