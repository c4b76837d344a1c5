// Package archive reads and writes parameter trees in the checkpoint formats
// used for ViT weights: numpy .npz, safetensors and Flax msgpack.
package archive

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/samcharles93/vitckpt/internal/safetensors"
	"github.com/samcharles93/vitckpt/internal/tensor"
	"github.com/samcharles93/vitckpt/internal/tree"
)

// ErrUnknownFormat is returned when a path matches no supported format.
var ErrUnknownFormat = errors.New("unknown checkpoint format")

type Format int

const (
	FormatUnknown Format = iota
	FormatNPZ
	FormatSafetensors
	FormatMsgpack
)

func (f Format) String() string {
	switch f {
	case FormatNPZ:
		return "npz"
	case FormatSafetensors:
		return "safetensors"
	case FormatMsgpack:
		return "msgpack"
	default:
		return "unknown"
	}
}

// ParseFormat maps a format name or file extension to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "npz":
		return FormatNPZ, nil
	case "safetensors":
		return FormatSafetensors, nil
	case "msgpack", "flax":
		return FormatMsgpack, nil
	}
	return FormatUnknown, errors.Wrapf(ErrUnknownFormat, "%q", s)
}

// Entry describes one stored array. Empty branches have a nil Shape.
type Entry struct {
	Path  string `json:"path"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype,omitempty"`
}

// Detect picks the format of an existing file from its extension, falling
// back to its leading bytes.
func Detect(path string) (Format, error) {
	if f, err := ParseFormat(filepath.Ext(path)); err == nil {
		return f, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer func() { _ = file.Close() }()

	head := make([]byte, 9)
	n, _ := io.ReadFull(file, head)
	if f := sniff(head[:n]); f != FormatUnknown {
		return f, nil
	}
	return FormatUnknown, errors.Wrapf(ErrUnknownFormat, "%s", path)
}

func sniff(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), bytes.HasPrefix(head, []byte("PK\x05\x06")):
		return FormatNPZ
	case len(head) == 9 && head[8] == '{' && binary.LittleEndian.Uint64(head) > 1:
		return FormatSafetensors
	case len(head) > 0 && (head[0]&0xf0 == 0x80 || head[0] == 0xde || head[0] == 0xdf):
		return FormatMsgpack
	}
	return FormatUnknown
}

// Load reads the parameter tree stored at path.
func Load(path string) (*tree.Node, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatNPZ:
		flat, err := readNPZ(path)
		if err != nil {
			return nil, errors.Wrap(err, "read npz")
		}
		return tree.Unflatten(flat)
	case FormatSafetensors:
		return loadSafetensors(path)
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		state, err := decodeState(bufio.NewReader(f))
		if err != nil {
			return nil, err
		}
		return stateToTree(state, "")
	}
}

func loadSafetensors(path string) (*tree.Node, error) {
	sf, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sf.Close() }()

	tensors, err := sf.ReadAll()
	if err != nil {
		return nil, err
	}
	flat := make(tree.Flat, len(tensors))
	for name, t := range tensors {
		flat[name] = tree.Leaf(t)
	}
	return tree.Unflatten(flat)
}

// Save writes t to path in the format implied by its extension. npz and
// safetensors cannot store empty branches; they are dropped.
func Save(path string, t *tree.Node) error {
	format, err := ParseFormat(filepath.Ext(path))
	if err != nil {
		return err
	}
	return SaveAs(path, t, format)
}

// SaveAs writes t to path in the given format.
func SaveAs(path string, t *tree.Node, format Format) (err error) {
	if format == FormatSafetensors {
		tensors := make(map[string]*tensor.Tensor)
		for k, n := range tree.Flatten(t) {
			if n.IsLeaf() {
				tensors[k] = n.Tensor()
			}
		}
		return safetensors.Write(path, tensors, nil)
	}

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

	switch format {
	case FormatNPZ:
		err = writeNPZ(w, tree.Flatten(t))
	case FormatMsgpack:
		err = writeState(w, t)
	default:
		return errors.Wrapf(ErrUnknownFormat, "%v", format)
	}
	if err != nil {
		return err
	}
	return w.Flush()
}

// List returns the arrays stored at path in key order without building the
// tree.
func List(path string) ([]Entry, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	var out []Entry
	switch format {
	case FormatNPZ:
		out, err = listNPZ(path)
	case FormatSafetensors:
		out, err = listSafetensors(path)
	default:
		var f *os.File
		if f, err = os.Open(path); err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		var state map[string]any
		if state, err = decodeState(bufio.NewReader(f)); err == nil {
			out = listState(state, "", nil)
		}
	}
	if err != nil {
		return nil, err
	}
	sortEntries(out)
	return out, nil
}

func listSafetensors(path string) ([]Entry, error) {
	sf, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sf.Close() }()
	out := make([]Entry, 0, len(sf.Tensors))
	for _, name := range sf.Names() {
		info := sf.Tensors[name]
		out = append(out, Entry{Path: name, Shape: info.Shape, DType: info.DType})
	}
	return out, nil
}

func sortEntries(es []Entry) {
	slices.SortFunc(es, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })
}
