package archive

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/samcharles93/vitckpt/internal/tensor"
	"github.com/samcharles93/vitckpt/internal/tree"
)

const npyMagic = "\x93NUMPY"

var (
	descrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

type npyHeader struct {
	dtype dtype
	shape []int
}

// readNPYHeader consumes the magic, version and header dict of an .npy
// stream.
func readNPYHeader(r io.Reader) (npyHeader, error) {
	var pre [8]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return npyHeader{}, errors.Wrap(err, "read npy preamble")
	}
	if string(pre[:6]) != npyMagic {
		return npyHeader{}, errors.New("not an npy array")
	}

	var n int
	switch pre[6] {
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return npyHeader{}, errors.Wrap(err, "read npy header length")
		}
		n = int(binary.LittleEndian.Uint16(b[:]))
	case 2, 3:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return npyHeader{}, errors.Wrap(err, "read npy header length")
		}
		n = int(binary.LittleEndian.Uint32(b[:]))
	default:
		return npyHeader{}, errors.Errorf("unsupported npy version %d.%d", pre[6], pre[7])
	}

	dict := make([]byte, n)
	if _, err := io.ReadFull(r, dict); err != nil {
		return npyHeader{}, errors.Wrap(err, "read npy header")
	}
	return parseNPYDict(string(dict))
}

func parseNPYDict(s string) (npyHeader, error) {
	m := descrRe.FindStringSubmatch(s)
	if m == nil {
		return npyHeader{}, errors.Errorf("npy header without descr: %q", s)
	}
	dt, err := parseDescr(m[1])
	if err != nil {
		return npyHeader{}, err
	}
	if m := fortranRe.FindStringSubmatch(s); m != nil && m[1] == "True" {
		return npyHeader{}, errors.New("fortran-ordered arrays are not supported")
	}
	m = shapeRe.FindStringSubmatch(s)
	if m == nil {
		return npyHeader{}, errors.Errorf("npy header without shape: %q", s)
	}
	shape := []int{}
	for _, f := range strings.Split(m[1], ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		d, err := strconv.Atoi(strings.TrimSuffix(f, "L"))
		if err != nil || d < 0 {
			return npyHeader{}, errors.Errorf("bad npy shape %q", m[1])
		}
		shape = append(shape, d)
	}
	return npyHeader{dtype: dt, shape: shape}, nil
}

// readNPY reads one array. limit caps the payload size; zero means no cap.
func readNPY(r io.Reader, limit uint64) (*tensor.Tensor, error) {
	h, err := readNPYHeader(r)
	if err != nil {
		return nil, err
	}
	n, size, err := h.dtype.byteLen(h.shape)
	if err != nil {
		return nil, err
	}
	if limit > 0 && uint64(size) > limit {
		return nil, errors.Errorf("npy shape %v needs %d bytes, member holds %d", h.shape, size, limit)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(err, "read npy data")
	}
	data, err := h.dtype.decode(raw, n)
	if err != nil {
		return nil, err
	}
	return tensor.New(h.shape, data)
}

// writeNPY writes t as a version 1.0 little-endian float32 array.
func writeNPY(w io.Writer, t *tensor.Tensor) error {
	var shape strings.Builder
	shape.WriteByte('(')
	for i, d := range t.Shape() {
		if i > 0 {
			shape.WriteString(", ")
		}
		shape.WriteString(strconv.Itoa(d))
	}
	if t.Rank() == 1 {
		shape.WriteByte(',')
	}
	shape.WriteByte(')')

	dict := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': %s, }", shape.String())
	// Magic, version and length take 10 bytes; the header ends 64-byte aligned.
	total := 10 + len(dict) + 1
	if pad := total % 64; pad != 0 {
		dict += strings.Repeat(" ", 64-pad)
	}
	dict += "\n"

	var pre bytes.Buffer
	pre.WriteString(npyMagic)
	pre.Write([]byte{1, 0})
	_ = binary.Write(&pre, binary.LittleEndian, uint16(len(dict)))
	pre.WriteString(dict)
	if _, err := w.Write(pre.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(encodeFloat32(t.Data()))
	return err
}

// readNPZ loads every array of an npz archive keyed by its member name
// without the .npy suffix.
func readNPZ(path string) (tree.Flat, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()

	flat := make(tree.Flat, len(zr.File))
	for _, f := range zr.File {
		key, ok := strings.CutSuffix(f.Name, ".npy")
		if !ok {
			continue
		}
		t, err := readMember(f)
		if err != nil {
			return nil, errors.Wrapf(err, "array %s", key)
		}
		flat[key] = tree.Leaf(t)
	}
	return flat, nil
}

func readMember(f *zip.File) (*tensor.Tensor, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return readNPY(bufio.NewReader(rc), f.UncompressedSize64)
}

// listNPZ reads only the array headers.
func listNPZ(path string) ([]Entry, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()

	var out []Entry
	for _, f := range zr.File {
		key, ok := strings.CutSuffix(f.Name, ".npy")
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		h, err := readNPYHeader(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "array %s", key)
		}
		out = append(out, Entry{Path: key, Shape: h.shape, DType: h.dtype.name()})
	}
	return out, nil
}

// writeNPZ stores the leaves of flat uncompressed, as numpy.savez does.
func writeNPZ(w io.Writer, flat tree.Flat) error {
	zw := zip.NewWriter(w)
	for _, key := range flat.Keys() {
		n := flat[key]
		if !n.IsLeaf() {
			continue
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: key + ".npy", Method: zip.Store})
		if err != nil {
			return err
		}
		if err := writeNPY(fw, n.Tensor()); err != nil {
			return errors.Wrapf(err, "array %s", key)
		}
	}
	return zw.Close()
}
