// Package tree implements the nested parameter tree that checkpoints are
// loaded into and reconciled against.
//
// A Node is either a leaf holding a tensor or a branch holding named
// children. A branch with no children is the empty-branch variant: it marks a
// layer without learnable parameters and is distinct from an absent key.
package tree

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/samcharles93/vitckpt/internal/tensor"
)

// Kind discriminates the variants of a Node.
type Kind uint8

const (
	KindLeaf Kind = iota + 1
	KindBranch
	KindEmpty
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindBranch:
		return "branch"
	case KindEmpty:
		return "empty"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Node is one position in a parameter tree.
type Node struct {
	value    *tensor.Tensor
	children map[string]*Node
}

// Leaf wraps a tensor.
func Leaf(t *tensor.Tensor) *Node {
	if t == nil {
		panic("tree: nil tensor leaf")
	}
	return &Node{value: t}
}

// Branch builds a branch from the given children. A nil or empty map yields
// an empty branch.
func Branch(children map[string]*Node) *Node {
	n := &Node{children: make(map[string]*Node, len(children))}
	for k, c := range children {
		n.children[k] = c
	}
	return n
}

// Empty returns a new empty branch.
func Empty() *Node { return Branch(nil) }

// Kind reports which variant n is.
func (n *Node) Kind() Kind {
	switch {
	case n.value != nil:
		return KindLeaf
	case len(n.children) == 0:
		return KindEmpty
	default:
		return KindBranch
	}
}

// IsLeaf reports whether n holds a tensor.
func (n *Node) IsLeaf() bool { return n.value != nil }

// IsEmpty reports whether n is an empty branch.
func (n *Node) IsEmpty() bool { return n.Kind() == KindEmpty }

// Tensor returns the leaf value, or nil for branches.
func (n *Node) Tensor() *tensor.Tensor { return n.value }

// Len returns the number of direct children.
func (n *Node) Len() int { return len(n.children) }

// Keys returns the child names in sorted order.
func (n *Node) Keys() []string {
	return slices.Sorted(maps.Keys(n.children))
}

// Child returns the direct child named key.
func (n *Node) Child(key string) (*Node, bool) {
	if n == nil || n.IsLeaf() {
		return nil, false
	}
	c, ok := n.children[key]
	return c, ok
}

// Has reports whether a direct child named key exists.
func (n *Node) Has(key string) bool {
	_, ok := n.Child(key)
	return ok
}

// Set assigns a direct child. It panics on a leaf.
func (n *Node) Set(key string, child *Node) {
	if n.IsLeaf() {
		panic(fmt.Sprintf("tree: set %q on a leaf", key))
	}
	if n.children == nil {
		n.children = make(map[string]*Node)
	}
	n.children[key] = child
}

// Delete removes a direct child and reports whether it was present.
func (n *Node) Delete(key string) bool {
	if n.IsLeaf() {
		return false
	}
	_, ok := n.children[key]
	delete(n.children, key)
	return ok
}

// Lookup follows a Sep-joined path.
func (n *Node) Lookup(path string) (*Node, bool) {
	cur := n
	for _, seg := range strings.Split(path, Sep) {
		next, ok := cur.Child(seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// LookupTensor follows path and returns the leaf tensor there.
func (n *Node) LookupTensor(path string) (*tensor.Tensor, bool) {
	c, ok := n.Lookup(path)
	if !ok || !c.IsLeaf() {
		return nil, false
	}
	return c.value, true
}

// SetPath assigns child at a Sep-joined path, creating intermediate branches.
// It fails if an intermediate segment is a leaf.
func (n *Node) SetPath(path string, child *Node) error {
	segs := strings.Split(path, Sep)
	cur := n
	for i, seg := range segs[:len(segs)-1] {
		next, ok := cur.Child(seg)
		if !ok {
			next = Empty()
			cur.Set(seg, next)
		} else if next.IsLeaf() {
			return fmt.Errorf("tree: %q is a leaf", strings.Join(segs[:i+1], Sep))
		}
		cur = next
	}
	if cur.IsLeaf() {
		return fmt.Errorf("tree: parent of %q is a leaf", path)
	}
	cur.Set(segs[len(segs)-1], child)
	return nil
}

// Clone copies the branch structure. Leaf tensors are shared.
func (n *Node) Clone() *Node {
	if n.IsLeaf() {
		return &Node{value: n.value}
	}
	out := &Node{children: make(map[string]*Node, len(n.children))}
	for k, c := range n.children {
		out.children[k] = c.Clone()
	}
	return out
}

// DeepClone copies the structure and every leaf tensor.
func (n *Node) DeepClone() *Node {
	if n.IsLeaf() {
		return &Node{value: n.value.Clone()}
	}
	out := &Node{children: make(map[string]*Node, len(n.children))}
	for k, c := range n.children {
		out.children[k] = c.DeepClone()
	}
	return out
}

// Equal reports whether two trees have the same structure and leaf values.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind() != b.Kind() {
		return false
	}
	if a.IsLeaf() {
		return a.value.Equal(b.value)
	}
	if len(a.children) != len(b.children) {
		return false
	}
	for k, ac := range a.children {
		bc, ok := b.children[k]
		if !ok || !Equal(ac, bc) {
			return false
		}
	}
	return true
}

// Walk visits every leaf and empty branch in sorted path order.
func Walk(n *Node, fn func(path string, n *Node) error) error {
	flat := Flatten(n)
	for _, k := range flat.Keys() {
		if err := fn(k, flat[k]); err != nil {
			return err
		}
	}
	return nil
}
