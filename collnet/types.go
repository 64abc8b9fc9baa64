package collnet

// Tag is carried by every transfer to and from a reduction server.
const Tag = 0x69

// DataType follows the host's datatype numbering.
type DataType int

const (
	Int8 DataType = iota
	Uint8
	Int32
	Uint32
	Int64
	Uint64
	Float16
	Float32
	Float64
	Bfloat16
)

func (t DataType) Size() int {
	switch t {
	case Int8, Uint8:
		return 1
	case Float16, Bfloat16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

func (t DataType) String() string {
	switch t {
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Bfloat16:
		return "bfloat16"
	default:
		return "unknown"
	}
}

type RedOp int

const (
	Sum RedOp = iota
	Prod
	Max
	Min
	Avg
)

func (op RedOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Prod:
		return "prod"
	case Max:
		return "max"
	case Min:
		return "min"
	case Avg:
		return "avg"
	default:
		return "unknown"
	}
}

// Supported reports whether reduction servers can reduce t with op.
func Supported(t DataType, op RedOp) bool {
	return (t == Float32 || t == Float16) && op == Sum
}
