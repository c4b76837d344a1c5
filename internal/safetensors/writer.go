package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/vitckpt/internal/tensor"
)

// Write stores tensors as F32 in a new safetensors file at path.
// Tensor data is laid out in name order.
func Write(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f)
	if err := Encode(w, tensors, metadata); err != nil {
		return err
	}
	return w.Flush()
}

// Encode writes the safetensors encoding of tensors to w.
func Encode(w io.Writer, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey {
			return fmt.Errorf("tensor name %q is reserved", name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var off int64
	for _, name := range names {
		t := tensors[name]
		size := int64(t.NumElements() * 4)
		header[name] = tensorHeader{
			DType:       "F32",
			Shape:       t.Shape(),
			DataOffsets: []int64{off, off + size},
		}
		off += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	// Pad with spaces so tensor data starts 8-byte aligned.
	if pad := len(headerJSON) % 8; pad != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerJSON)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	var buf []byte
	for _, name := range names {
		data := tensors[name].Data()
		buf = slices.Grow(buf[:0], len(data)*4)[:len(data)*4]
		for i, v := range data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write tensor %s: %w", name, err)
		}
	}
	return nil
}
