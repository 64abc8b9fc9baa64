package bootstrap

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxBlobSize bounds a blob read from the control channel.
const MaxBlobSize = 64 * 1024

// WriteBlob writes a u32 little endian length followed by blob.
func WriteBlob(w io.Writer, blob []byte) error {
	if len(blob) > MaxBlobSize {
		return status.Errorf(codes.InvalidArgument, "blob of %d bytes exceeds %d", len(blob), MaxBlobSize)
	}
	buf := make([]byte, 4+len(blob))
	binary.LittleEndian.PutUint32(buf, uint32(len(blob)))
	copy(buf[4:], blob)
	if _, err := w.Write(buf); err != nil {
		return status.Errorf(codes.Unavailable, "%v", errors.Wrap(err, "control channel write"))
	}
	return nil
}

func ReadBlob(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, status.Errorf(codes.Unavailable, "%v", errors.Wrap(err, "control channel read length"))
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n > MaxBlobSize {
		return nil, status.Errorf(codes.Unavailable, "control channel blob of %d bytes exceeds %d", n, MaxBlobSize)
	}
	blob := make([]byte, n)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, status.Errorf(codes.Unavailable, "%v", errors.Wrapf(err, "control channel read %d byte blob", n))
	}
	return blob, nil
}
