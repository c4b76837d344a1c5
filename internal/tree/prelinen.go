package tree

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var numberedKey = regexp.MustCompile(`^(\w+)_(\d+)$`)

// ConvertPreLinen renumbers submodule keys written by the pre-Linen Flax API.
//
// Pre-Linen checkpoints number submodules with a single counter shared by all
// module classes ("Conv_0", "Dense_1"); Linen keeps one counter per class
// ("Conv_0", "Dense_0"). Sibling keys of the form <prefix>_<n> are visited in
// natural sort order and renumbered consecutively per prefix. Leaves are
// shared with the input.
func ConvertPreLinen(n *Node) *Node {
	if n.IsLeaf() {
		return n
	}
	names := n.Keys()
	slices.SortFunc(names, naturalCompare)

	out := Empty()
	counts := make(map[string]int)
	for _, name := range names {
		child := n.children[name]
		renamed := name
		if m := numberedKey.FindStringSubmatch(name); m != nil {
			prefix := m[1]
			renamed = prefix + "_" + strconv.Itoa(counts[prefix])
			counts[prefix]++
		}
		out.children[renamed] = ConvertPreLinen(child)
	}
	return out
}

// naturalCompare orders strings treating runs of digits as numbers, so
// "block_2" sorts before "block_10".
func naturalCompare(a, b string) int {
	for a != "" && b != "" {
		ca, ra := chunk(a)
		cb, rb := chunk(b)
		if isDigits(ca) && isDigits(cb) {
			na := strings.TrimLeft(ca, "0")
			nb := strings.TrimLeft(cb, "0")
			if len(na) != len(nb) {
				return len(na) - len(nb)
			}
			if c := strings.Compare(na, nb); c != 0 {
				return c
			}
		} else if c := strings.Compare(ca, cb); c != 0 {
			return c
		}
		a, b = ra, rb
	}
	return len(a) - len(b)
}

func chunk(s string) (head, rest string) {
	digit := isDigit(s[0])
	i := 1
	for i < len(s) && isDigit(s[i]) == digit {
		i++
	}
	return s[:i], s[i:]
}

func isDigits(s string) bool { return s != "" && isDigit(s[0]) }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
