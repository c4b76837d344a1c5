package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/samcharles93/vitckpt/internal/tensor"
	"github.com/samcharles93/vitckpt/internal/tree"
)

func leaf(t *testing.T, shape []int, data ...float32) *tree.Node {
	t.Helper()
	x, err := tensor.New(shape, data)
	require.NoError(t, err)
	return tree.Leaf(x)
}

func sampleTree(t *testing.T) *tree.Node {
	t.Helper()
	root := tree.Empty()
	require.NoError(t, root.SetPath("cls", leaf(t, []int{1, 1, 2}, 0.5, -0.5)))
	require.NoError(t, root.SetPath("head/kernel", leaf(t, []int{2, 3}, 1, 2, 3, 4, 5, 6)))
	require.NoError(t, root.SetPath("head/bias", leaf(t, []int{3}, 0, 0, 1)))
	require.NoError(t, root.SetPath("Transformer/encoder_norm/scale", leaf(t, []int{2}, 1, 1)))
	return root
}

func TestRoundTripAllFormats(t *testing.T) {
	t.Parallel()
	for _, ext := range []string{".npz", ".safetensors", ".msgpack"} {
		t.Run(ext, func(t *testing.T) {
			t.Parallel()
			in := sampleTree(t)
			path := filepath.Join(t.TempDir(), "params"+ext)
			require.NoError(t, Save(path, in))

			out, err := Load(path)
			require.NoError(t, err)
			assert.True(t, tree.Equal(in, out), "got %v", tree.Paths(out))
		})
	}
}

func TestEmptyBranchesSurviveOnlyMsgpack(t *testing.T) {
	t.Parallel()
	in := sampleTree(t)
	require.NoError(t, in.SetPath("Transformer/dropout", tree.Empty()))
	dir := t.TempDir()

	mp := filepath.Join(dir, "p.flax")
	require.NoError(t, Save(mp, in))
	out, err := Load(mp)
	require.NoError(t, err)
	n, ok := out.Lookup("Transformer/dropout")
	require.True(t, ok)
	assert.True(t, n.IsEmpty())

	npz := filepath.Join(dir, "p.npz")
	require.NoError(t, Save(npz, in))
	out, err = Load(npz)
	require.NoError(t, err)
	_, ok = out.Lookup("Transformer/dropout")
	assert.False(t, ok)
}

func TestDetectSniffsContent(t *testing.T) {
	t.Parallel()
	in := sampleTree(t)
	dir := t.TempDir()
	for _, f := range []Format{FormatNPZ, FormatSafetensors, FormatMsgpack} {
		path := filepath.Join(dir, "ckpt-"+f.String())
		require.NoError(t, SaveAs(path, in, f))
		got, err := Detect(path)
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}

	junk := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(junk, []byte("hello"), 0o644))
	_, err := Detect(junk)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestSaveRejectsUnknownExtension(t *testing.T) {
	t.Parallel()
	err := Save(filepath.Join(t.TempDir(), "p.pt"), sampleTree(t))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestList(t *testing.T) {
	t.Parallel()
	in := sampleTree(t)
	for _, ext := range []string{".npz", ".safetensors", ".msgpack"} {
		path := filepath.Join(t.TempDir(), "params"+ext)
		require.NoError(t, Save(path, in))

		entries, err := List(path)
		require.NoError(t, err, ext)
		require.Len(t, entries, 4, ext)
		assert.Equal(t, "Transformer/encoder_norm/scale", entries[0].Path, ext)
		assert.Equal(t, "head/kernel", entries[3].Path, ext)
		assert.Equal(t, []int{2, 3}, entries[3].Shape, ext)
	}
}

func TestParseNPYDict(t *testing.T) {
	t.Parallel()
	h, err := parseNPYDict("{'descr': '>i8', 'fortran_order': False, 'shape': (3, 4), }")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, h.shape)
	assert.Equal(t, "int64", h.dtype.name())

	h, err = parseNPYDict("{'descr': '<f4', 'fortran_order': False, 'shape': (), }")
	require.NoError(t, err)
	assert.Empty(t, h.shape)

	_, err = parseNPYDict("{'descr': '<f4', 'fortran_order': True, 'shape': (2,), }")
	assert.Error(t, err)
	_, err = parseNPYDict("{'descr': '<c8', 'fortran_order': False, 'shape': (2,), }")
	assert.Error(t, err)
}

func TestNPYHeaderAlignment(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	x, err := tensor.New([]int{5}, []float32{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, writeNPY(&buf, x))
	assert.Equal(t, 0, (buf.Len()-5*4)%64)

	got, err := readNPY(&buf, 0)
	require.NoError(t, err)
	assert.True(t, x.Equal(got))
}

// writeRawNPY builds an npy member with a foreign dtype.
func writeRawNPY(t *testing.T, zw *zip.Writer, name, dict string, data []byte) {
	t.Helper()
	w, err := zw.Create(name)
	require.NoError(t, err)
	hdr := dict + "\n"
	_, err = w.Write(append([]byte(npyMagic+"\x01\x00"), byte(len(hdr)), 0))
	require.NoError(t, err)
	_, err = w.Write([]byte(hdr))
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
}

func TestLoadNPZForeignDTypes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ckpt.npz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	writeRawNPY(t, zw, "a/half.npy", "{'descr': '<f2', 'fortran_order': False, 'shape': (2,), }",
		[]byte{0x00, 0x3c, 0x00, 0xc0})
	writeRawNPY(t, zw, "a/big.npy", "{'descr': '>f8', 'fortran_order': False, 'shape': (1,), }",
		[]byte{0x3f, 0xf8, 0, 0, 0, 0, 0, 0})
	writeRawNPY(t, zw, "step.npy", "{'descr': '<i4', 'fortran_order': False, 'shape': (), }",
		[]byte{7, 0, 0, 0})
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	root, err := Load(path)
	require.NoError(t, err)

	half, ok := root.LookupTensor("a/half")
	require.True(t, ok)
	assert.Equal(t, []float32{1, -2}, half.Data())

	big, ok := root.LookupTensor("a/big")
	require.True(t, ok)
	assert.Equal(t, []float32{1.5}, big.Data())

	step, ok := root.LookupTensor("step")
	require.True(t, ok)
	assert.Equal(t, 0, step.Rank())
	assert.Equal(t, []float32{7}, step.Data())
}

func TestLoadFlaxState(t *testing.T) {
	t.Parallel()
	state := map[string]any{
		"params": map[string]any{
			"head": map[string]any{
				"bias": &ndArray{Shape: []int{2}, DType: "bfloat16", Data: []byte{0x80, 0x3f, 0x00, 0x40}},
			},
			"Dropout_0": map[string]any{},
		},
		"step":  int64(3),
		"scale": &npScalar{DType: "float32", Data: encodeFloat32([]float32{0.25})},
	}
	var buf bytes.Buffer
	require.NoError(t, msgpack.NewEncoder(&buf).Encode(state))
	path := filepath.Join(t.TempDir(), "state.msgpack")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	root, err := Load(path)
	require.NoError(t, err)

	bias, ok := root.LookupTensor("params/head/bias")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, bias.Data())

	drop, ok := root.Lookup("params/Dropout_0")
	require.True(t, ok)
	assert.True(t, drop.IsEmpty())

	step, ok := root.LookupTensor("step")
	require.True(t, ok)
	assert.Equal(t, []float32{3}, step.Data())

	scale, ok := root.LookupTensor("scale")
	require.True(t, ok)
	assert.Equal(t, []float32{0.25}, scale.Data())

	entries, err := List(path)
	require.NoError(t, err)
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	assert.Equal(t, []string{"params/Dropout_0", "params/head/bias", "scale", "step"}, paths)
}

func TestLoadFlaxRejectsUnsupportedValues(t *testing.T) {
	t.Parallel()
	b, err := msgpack.Marshal(map[string]any{"name": "vit"})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bad.msgpack")
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err = Load(path)
	assert.ErrorContains(t, err, `"name"`)
}

func TestLoadNPZRejectsOversizedShapes(t *testing.T) {
	t.Parallel()
	for name, shape := range map[string]string{
		"exceeds member": "(1125899906842624,)",
		"overflows":      "(9223372036854775807, 4)",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "ckpt.npz")
			f, err := os.Create(path)
			require.NoError(t, err)
			zw := zip.NewWriter(f)
			writeRawNPY(t, zw, "a.npy", "{'descr': '<f4', 'fortran_order': False, 'shape': "+shape+", }",
				[]byte{0, 0, 0x80, 0x3f})
			require.NoError(t, zw.Close())
			require.NoError(t, f.Close())

			_, err = Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "array a")
		})
	}
}

func TestLoadFlaxRejectsShapeDataMismatch(t *testing.T) {
	t.Parallel()
	for name, shape := range map[string][]int{
		"oversized": {1125899906842624},
		"overflows": {1 << 62, 8},
		"negative":  {-1},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			state := map[string]any{
				"w": &ndArray{Shape: shape, DType: "float32", Data: []byte{0, 0, 0x80, 0x3f}},
			}
			b, err := msgpack.Marshal(state)
			require.NoError(t, err)
			path := filepath.Join(t.TempDir(), "state.msgpack")
			require.NoError(t, os.WriteFile(path, b, 0o644))

			_, err = Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "array w")
		})
	}
}
