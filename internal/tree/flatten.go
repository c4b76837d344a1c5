package tree

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Sep joins path segments in flat keys.
const Sep = "/"

// Flat maps separator-joined paths to leaves or empty branches.
type Flat map[string]*Node

// Keys returns the flat keys in sorted order.
func (f Flat) Keys() []string {
	return slices.Sorted(maps.Keys(f))
}

// Flatten walks t and emits every leaf and every empty branch below the root,
// keyed by its Sep-joined path.
func Flatten(t *Node) Flat {
	return FlattenSep(t, Sep)
}

// FlattenSep is Flatten with a custom separator.
func FlattenSep(t *Node, sep string) Flat {
	out := make(Flat)
	flattenInto(out, t, "", sep)
	return out
}

func flattenInto(out Flat, n *Node, prefix, sep string) {
	if n.IsLeaf() {
		out[prefix] = n
		return
	}
	if len(n.children) == 0 {
		// Empty branches are meaningful: they stand for parameter-less layers.
		if prefix != "" {
			out[prefix] = n
		}
		return
	}
	for k, c := range n.children {
		path := k
		if prefix != "" {
			path = prefix + sep + k
		}
		flattenInto(out, c, path, sep)
	}
}

// Unflatten rebuilds a tree from flat keys.
func Unflatten(flat Flat) (*Node, error) {
	return UnflattenSep(flat, Sep)
}

// UnflattenSep is Unflatten with a custom separator.
//
// Each key is split on its first separator; keys sharing a head segment are
// grouped and their tails rebuilt recursively into the subtree for that head.
func UnflattenSep(flat Flat, sep string) (*Node, error) {
	root := Empty()
	groups := make(map[string]Flat)
	for key, v := range flat {
		if v == nil {
			return nil, fmt.Errorf("tree: nil value at %q", key)
		}
		head, tail, nested := strings.Cut(key, sep)
		if head == "" || (nested && tail == "") {
			return nil, fmt.Errorf("tree: empty segment in key %q", key)
		}
		if !nested {
			if _, clash := groups[head]; clash {
				return nil, fmt.Errorf("tree: key %q is both a leaf and a subtree", head)
			}
			root.children[head] = v
			continue
		}
		if _, clash := root.children[head]; clash {
			return nil, fmt.Errorf("tree: key %q is both a leaf and a subtree", head)
		}
		g, ok := groups[head]
		if !ok {
			g = make(Flat)
			groups[head] = g
		}
		g[tail] = v
	}
	for head, g := range groups {
		sub, err := UnflattenSep(g, sep)
		if err != nil {
			return nil, fmt.Errorf("under %q: %w", head, err)
		}
		root.children[head] = sub
	}
	return root, nil
}

// Paths returns the sorted flat keys of t.
func Paths(t *Node) []string {
	return Flatten(t).Keys()
}
