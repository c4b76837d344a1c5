// Package safetensors reads and writes the safetensors checkpoint format:
// an 8-byte little-endian header length, a JSON header, then raw tensor data.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/vitckpt/internal/tensor"
)

const metadataKey = "__metadata__"

// maxHeaderLen bounds the JSON header so a corrupt length cannot force a
// huge allocation.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an opened safetensors file. Tensor data is served from a read-only
// mapping when the platform supports it.
type File struct {
	Path     string
	Metadata map[string]string
	Tensors  map[string]TensorInfo

	data    []byte
	mapping []byte
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps path read-only and parses its header. If mmap is unavailable the
// file is read into memory. The returned file must be closed.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < 8 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("safetensors %s: invalid file size %d", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		sf, parseErr := parse(path, data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return sf, nil
	}

	data, err = readAllAt(f, int(size))
	if err != nil {
		return nil, err
	}
	return parse(path, data, false)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func parse(path string, data []byte, mmapped bool) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors %s: header length %d out of range", path, headerLen)
	}
	body := data[8+headerLen:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("safetensors %s: parse header: %w", path, err)
	}

	sf := &File{Path: path, Tensors: make(map[string]TensorInfo, len(raw)), data: body}
	if mmapped {
		sf.mapping = data
	}
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &sf.Metadata); err != nil {
			return nil, fmt.Errorf("safetensors %s: parse metadata: %w", path, err)
		}
		delete(raw, metadataKey)
	}

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		info := TensorInfo{DType: th.DType, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
		if info.Start < 0 || info.End < info.Start || info.End > int64(len(body)) {
			return nil, fmt.Errorf("tensor %s: offsets [%d, %d) outside data of %d bytes", name, info.Start, info.End, len(body))
		}
		sf.Tensors[name] = info
	}
	return sf, nil
}

// Close releases the mapping, if any.
func (f *File) Close() error {
	mapping := f.mapping
	f.data, f.mapping = nil, nil
	if mapping != nil {
		return unix.Munmap(mapping)
	}
	return nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw bytes of a tensor. The slice aliases the
// mapping and is only valid until Close.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, fmt.Errorf("safetensors %s: file is closed", f.Path)
	}
	return f.data[t.Start:t.End], t, nil
}

// ReadTensorF32 decodes a tensor into a fresh float32 slice.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	size, ok := dtypeSize(info.DType)
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
	if len(raw) != n*size {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid %s data size %d for %d elements", name, info.DType, len(raw), n)
	}

	out := make([]float32, n)
	switch info.DType {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F64":
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case "BF16":
		for i := range out {
			out[i] = tensor.BFloat16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "F16":
		for i := range out {
			out[i] = tensor.Float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	}
	return out, info, nil
}

// LoadTensor decodes a tensor into a tensor.Tensor.
func (f *File) LoadTensor(name string) (*tensor.Tensor, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	return tensor.New(info.Shape, data)
}

// ReadAll decodes every tensor in the file.
func (f *File) ReadAll() (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(f.Tensors))
	for _, name := range f.Names() {
		t, err := f.LoadTensor(name)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

func dtypeSize(dtype string) (int, bool) {
	switch dtype {
	case "F32":
		return 4, true
	case "F64":
		return 8, true
	case "F16", "BF16":
		return 2, true
	default:
		return 0, false
	}
}

// numElements accepts zero-sized dimensions; a scalar has one element.
func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d > 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}
