package utils

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas/blas32"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ElementSize is the width in bytes of one reduction element.
func ElementSize(half bool) int {
	if half {
		return 2
	}
	return 4
}

// DeserializeVector decodes little endian f32 or f16 elements from data into
// dst. Half precision values are widened to f32.
func DeserializeVector(dst []float32, data []byte, half bool) error {
	width := ElementSize(half)
	if len(data)%width != 0 {
		return status.Errorf(codes.InvalidArgument, "data length %v is not a multiple of element size %v", len(data), width)
	}
	n := len(data) / width
	if len(dst) < n {
		return status.Errorf(codes.InvalidArgument, "destination holds %v elements, need %v", len(dst), n)
	}
	if half {
		for i := 0; i < n; i++ {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		}
		return nil
	}
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return nil
}

// SerializeVector encodes v into dst as little endian f32 or f16 elements.
func SerializeVector(dst []byte, v []float32, half bool) error {
	width := ElementSize(half)
	if len(dst) < len(v)*width {
		return status.Errorf(codes.InvalidArgument, "destination holds %v bytes, need %v", len(dst), len(v)*width)
	}
	if half {
		for i, f := range v {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(f).Bits())
		}
		return nil
	}
	for i, f := range v {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
	}
	return nil
}

// SumVector adds src into dst elementwise.
func SumVector(dst []float32, src []float32) error {
	if len(dst) != len(src) {
		return status.Errorf(codes.InvalidArgument, "vectors do not have the same length")
	}
	if len(dst) == 0 {
		return nil
	}
	blas32.Axpy(1, blas32.Vector{N: len(src), Inc: 1, Data: src}, blas32.Vector{N: len(dst), Inc: 1, Data: dst})
	return nil
}
