package tree

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zeebo/xxh3"
)

// Digest hashes the structure and contents of t: every flat key in sorted
// order, its kind, shape and raw values. Equal trees have equal digests.
func Digest(t *Node) uint64 {
	h := xxh3.New()
	var buf [8]byte
	scratch := make([]byte, 16<<10)
	flat := Flatten(t)
	for _, k := range flat.Keys() {
		n := flat[k]
		_, _ = h.WriteString(k)
		if !n.IsLeaf() {
			_, _ = h.Write([]byte{0, byte(n.Kind()), 0})
			continue
		}
		_, _ = h.Write([]byte{0, byte(n.Kind()), byte(n.value.Rank())})
		for _, d := range n.value.Shape() {
			binary.LittleEndian.PutUint64(buf[:], uint64(d))
			_, _ = h.Write(buf[:])
		}
		data := n.value.Data()
		for len(data) > 0 {
			m := min(len(data), len(scratch)/4)
			for i, v := range data[:m] {
				binary.LittleEndian.PutUint32(scratch[i*4:], math.Float32bits(v))
			}
			_, _ = h.Write(scratch[:m*4])
			data = data[m:]
		}
	}
	return h.Sum64()
}

// DigestString formats Digest as 16 hex digits.
func DigestString(t *Node) string {
	return fmt.Sprintf("%016x", Digest(t))
}
