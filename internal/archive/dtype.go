package archive

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/samcharles93/vitckpt/internal/tensor"
)

// dtype describes how array elements are stored on disk.
type dtype struct {
	kind  byte // 'f', 'i', 'u', 'b' (bool) or 'B' (bfloat16)
	size  int
	order binary.ByteOrder
}

// name returns the numpy name of the element type.
func (d dtype) name() string {
	switch d.kind {
	case 'f':
		return [...]string{2: "float16", 4: "float32", 8: "float64"}[d.size]
	case 'B':
		return "bfloat16"
	case 'b':
		return "bool"
	case 'i':
		return [...]string{1: "int8", 2: "int16", 4: "int32", 8: "int64"}[d.size]
	default:
		return [...]string{1: "uint8", 2: "uint16", 4: "uint32", 8: "uint64"}[d.size]
	}
}

var float32LE = dtype{kind: 'f', size: 4, order: binary.LittleEndian}

// parseDescr parses a numpy array-protocol type string such as "<f4".
func parseDescr(descr string) (dtype, error) {
	if len(descr) != 3 {
		return dtype{}, errors.Errorf("unsupported dtype %q", descr)
	}
	var order binary.ByteOrder
	switch descr[0] {
	case '<', '=', '|':
		order = binary.LittleEndian
	case '>':
		order = binary.BigEndian
	default:
		return dtype{}, errors.Errorf("unsupported byte order in dtype %q", descr)
	}
	d := dtype{kind: descr[1], size: int(descr[2] - '0'), order: order}
	if !d.valid() {
		return dtype{}, errors.Errorf("unsupported dtype %q", descr)
	}
	return d, nil
}

// parseDTypeName parses a numpy dtype name as written by Flax serialization.
// Buffers are little-endian.
func parseDTypeName(name string) (dtype, error) {
	le := binary.LittleEndian
	switch name {
	case "float16":
		return dtype{'f', 2, le}, nil
	case "bfloat16":
		return dtype{'B', 2, le}, nil
	case "float32":
		return dtype{'f', 4, le}, nil
	case "float64":
		return dtype{'f', 8, le}, nil
	case "int8":
		return dtype{'i', 1, le}, nil
	case "int32":
		return dtype{'i', 4, le}, nil
	case "int64":
		return dtype{'i', 8, le}, nil
	case "uint8":
		return dtype{'u', 1, le}, nil
	case "bool":
		return dtype{'b', 1, le}, nil
	default:
		return dtype{}, errors.Errorf("unsupported dtype %q", name)
	}
}

func (d dtype) valid() bool {
	switch d.kind {
	case 'f':
		return d.size == 2 || d.size == 4 || d.size == 8
	case 'i', 'u':
		return d.size == 1 || d.size == 2 || d.size == 4 || d.size == 8
	case 'b':
		return d.size == 1
	case 'B':
		return d.size == 2
	}
	return false
}

// byteLen returns the element count of shape and its payload size in bytes.
func (d dtype) byteLen(shape []int) (n, size int, err error) {
	n, err = tensor.NumElementsOf(shape)
	if err != nil {
		return 0, 0, err
	}
	if n > math.MaxInt/d.size {
		return 0, 0, errors.Wrapf(tensor.ErrShape, "shape %v too large for %s", shape, d.name())
	}
	return n, n * d.size, nil
}

// decode converts n raw elements to float32.
func (d dtype) decode(raw []byte, n int) ([]float32, error) {
	if len(raw) != n*d.size {
		return nil, errors.Errorf("%s data has %d bytes, want %d", d.name(), len(raw), n*d.size)
	}
	out := make([]float32, n)
	for i := range out {
		b := raw[i*d.size : (i+1)*d.size]
		switch d.kind {
		case 'f':
			switch d.size {
			case 2:
				out[i] = tensor.Float16ToFloat32(d.order.Uint16(b))
			case 4:
				out[i] = math.Float32frombits(d.order.Uint32(b))
			case 8:
				out[i] = float32(math.Float64frombits(d.order.Uint64(b)))
			}
		case 'B':
			out[i] = tensor.BFloat16ToFloat32(d.order.Uint16(b))
		case 'b':
			if b[0] != 0 {
				out[i] = 1
			}
		case 'i':
			out[i] = float32(signed(d.order, b))
		case 'u':
			out[i] = float32(unsigned(d.order, b))
		}
	}
	return out, nil
}

func unsigned(order binary.ByteOrder, b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	default:
		return order.Uint64(b)
	}
}

func signed(order binary.ByteOrder, b []byte) int64 {
	switch len(b) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(order.Uint16(b)))
	case 4:
		return int64(int32(order.Uint32(b)))
	default:
		return int64(order.Uint64(b))
	}
}

// encodeFloat32 writes data as little-endian float32.
func encodeFloat32(data []float32) []byte {
	out := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
