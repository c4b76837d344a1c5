package archive

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/samcharles93/vitckpt/internal/tensor"
	"github.com/samcharles93/vitckpt/internal/tree"
)

// Extension type ids used by flax.serialization.
const (
	extNDArray  int8 = 1
	extNPScalar int8 = 3
)

func init() {
	msgpack.RegisterExt(extNDArray, (*ndArray)(nil))
	msgpack.RegisterExt(extNPScalar, (*npScalar)(nil))
}

// ndArray is a numpy array packed as (shape, dtype name, buffer).
type ndArray struct {
	_msgpack struct{} `msgpack:",as_array"`
	Shape    []int
	DType    string
	Data     []byte
}

func (a *ndArray) MarshalMsgpack() ([]byte, error) {
	type payload ndArray
	return msgpack.Marshal((*payload)(a))
}

func (a *ndArray) UnmarshalMsgpack(b []byte) error {
	type payload ndArray
	return msgpack.Unmarshal(b, (*payload)(a))
}

func (a *ndArray) tensor() (*tensor.Tensor, error) {
	dt, err := parseDTypeName(a.DType)
	if err != nil {
		return nil, err
	}
	n, size, err := dt.byteLen(a.Shape)
	if err != nil {
		return nil, err
	}
	if size != len(a.Data) {
		return nil, errors.Errorf("%s array of shape %v has %d bytes, want %d", dt.name(), a.Shape, len(a.Data), size)
	}
	data, err := dt.decode(a.Data, n)
	if err != nil {
		return nil, err
	}
	return tensor.New(a.Shape, data)
}

// npScalar is a numpy scalar packed as (dtype name, buffer).
type npScalar struct {
	_msgpack struct{} `msgpack:",as_array"`
	DType    string
	Data     []byte
}

func (s *npScalar) MarshalMsgpack() ([]byte, error) {
	type payload npScalar
	return msgpack.Marshal((*payload)(s))
}

func (s *npScalar) UnmarshalMsgpack(b []byte) error {
	type payload npScalar
	return msgpack.Unmarshal(b, (*payload)(s))
}

// decodeState reads a msgpack state dict into its generic form.
func decodeState(r io.Reader) (map[string]any, error) {
	v, err := msgpack.NewDecoder(r).DecodeInterface()
	if err != nil {
		return nil, errors.Wrap(err, "decode msgpack")
	}
	m, ok := asMap(v)
	if !ok {
		return nil, errors.Errorf("msgpack state is %T, want a map", v)
	}
	return m, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, x := range m {
			out[fmt.Sprint(k)] = x
		}
		return out, true
	}
	return nil, false
}

// stateToTree converts a decoded state dict. Empty maps become empty
// branches and plain numbers become rank-0 leaves.
func stateToTree(v any, path string) (*tree.Node, error) {
	if m, ok := asMap(v); ok {
		n := tree.Empty()
		for k, child := range m {
			c, err := stateToTree(child, join(path, k))
			if err != nil {
				return nil, err
			}
			n.Set(k, c)
		}
		return n, nil
	}

	var (
		t   *tensor.Tensor
		err error
	)
	switch x := v.(type) {
	case *ndArray:
		t, err = x.tensor()
	case *npScalar:
		t, err = (&ndArray{DType: x.DType, Data: x.Data}).tensor()
	case bool:
		t = tensor.Zeros()
		if x {
			t.Data()[0] = 1
		}
	default:
		f, ok := scalar(v)
		if !ok {
			return nil, errors.Errorf("unsupported msgpack value %T at %q", v, path)
		}
		t = tensor.Full(f)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "array %s", path)
	}
	return tree.Leaf(t), nil
}

func scalar(v any) (float32, bool) {
	switch x := v.(type) {
	case float64:
		return float32(x), true
	case float32:
		return x, true
	case int8:
		return float32(x), true
	case int16:
		return float32(x), true
	case int32:
		return float32(x), true
	case int64:
		return float32(x), true
	case uint8:
		return float32(x), true
	case uint16:
		return float32(x), true
	case uint32:
		return float32(x), true
	case uint64:
		return float32(x), true
	}
	return 0, false
}

func listState(m map[string]any, path string, out []Entry) []Entry {
	for _, k := range slices.Sorted(maps.Keys(m)) {
		p := join(path, k)
		switch x := m[k].(type) {
		case *ndArray:
			out = append(out, Entry{Path: p, Shape: x.Shape, DType: x.DType})
		case *npScalar:
			out = append(out, Entry{Path: p, Shape: []int{}, DType: x.DType})
		default:
			if sub, ok := asMap(x); ok {
				if len(sub) == 0 {
					out = append(out, Entry{Path: p})
					continue
				}
				out = listState(sub, p, out)
				continue
			}
			out = append(out, Entry{Path: p, Shape: []int{}, DType: fmt.Sprintf("%T", x)})
		}
	}
	return out
}

// treeToState builds the msgpack form of t, keeping empty branches.
func treeToState(n *tree.Node) any {
	if n.IsLeaf() {
		t := n.Tensor()
		return &ndArray{Shape: t.Shape(), DType: float32LE.name(), Data: encodeFloat32(t.Data())}
	}
	m := make(map[string]any, n.Len())
	for _, k := range n.Keys() {
		c, _ := n.Child(k)
		m[k] = treeToState(c)
	}
	return m
}

func writeState(w io.Writer, t *tree.Node) error {
	enc := msgpack.NewEncoder(w)
	enc.SetSortMapKeys(true)
	return enc.Encode(treeToState(t))
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + tree.Sep + key
}
