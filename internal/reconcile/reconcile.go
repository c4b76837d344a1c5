// Package reconcile compares the key set of a restored checkpoint against the
// parameter tree a freshly built model expects.
package reconcile

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/samcharles93/vitckpt/internal/logger"
	"github.com/samcharles93/vitckpt/internal/tree"
)

// Policy selects which discrepancies are fatal.
type Policy struct {
	FailIfExtra   bool
	FailIfMissing bool
}

// Strict fails on any discrepancy.
var Strict = Policy{FailIfExtra: true, FailIfMissing: true}

// Report lists the flat keys of both trees and how they differ. All slices
// are sorted.
type Report struct {
	Missing   []string `json:"missing"`
	Extra     []string `json:"extra"`
	Recovered []string `json:"recovered"`
	Restored  []string `json:"restored"`
	Expected  []string `json:"expected"`
}

// Clean reports whether no keys are missing or extra.
func (r Report) Clean() bool {
	return len(r.Missing) == 0 && len(r.Extra) == 0
}

// SchemaMismatchError is returned when the policy forbids the missing or
// extra keys found by Inspect.
type SchemaMismatchError struct {
	Missing  []string
	Extra    []string
	Restored []string
	Expected []string
}

func (e *SchemaMismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema mismatch: missing params from checkpoint: %v", e.Missing)
	fmt.Fprintf(&b, "; extra params in checkpoint: %v", e.Extra)
	fmt.Fprintf(&b, "; restored %d keys, expected %d keys", len(e.Restored), len(e.Expected))
	return b.String()
}

// Diff classifies the flat keys of restored against expected. Missing keys
// whose expected value is an empty branch are moved to Recovered, unless
// restored holds a leaf where one of their parents should be.
func Diff(restored, expected *tree.Node) Report {
	restoredFlat := tree.Flatten(restored)
	expectedFlat := tree.Flatten(expected)

	var rep Report
	for k, v := range expectedFlat {
		if _, ok := restoredFlat[k]; ok {
			continue
		}
		if v.IsEmpty() && !underLeaf(restoredFlat, k) {
			rep.Recovered = append(rep.Recovered, k)
		} else {
			rep.Missing = append(rep.Missing, k)
		}
	}
	for k := range restoredFlat {
		if _, ok := expectedFlat[k]; !ok {
			rep.Extra = append(rep.Extra, k)
		}
	}
	slices.Sort(rep.Missing)
	slices.Sort(rep.Extra)
	slices.Sort(rep.Recovered)
	rep.Restored = slices.Sorted(maps.Keys(restoredFlat))
	rep.Expected = slices.Sorted(maps.Keys(expectedFlat))
	return rep
}

func underLeaf(flat tree.Flat, key string) bool {
	segs := strings.Split(key, tree.Sep)
	for i := 1; i < len(segs); i++ {
		if n, ok := flat[strings.Join(segs[:i], tree.Sep)]; ok && n.IsLeaf() {
			return true
		}
	}
	return false
}

// Inspect checks that restored is consistent with the keys of expected.
//
// Framework serializers drop empty containers, so a key missing from restored
// whose expected value is an empty branch is injected back as an empty branch
// instead of being reported. The result is a structural copy of restored;
// leaf values are never modified and neither input is mutated.
func Inspect(ctx context.Context, restored, expected *tree.Node, p Policy) (*tree.Node, Report, error) {
	log := logger.FromContext(ctx)
	rep := Diff(restored, expected)

	out := restored.Clone()
	recovered := rep.Recovered[:0:0]
	for _, k := range rep.Recovered {
		if err := out.SetPath(k, tree.Empty()); err != nil {
			log.Warn("inspect cannot recover empty key", "key", k, "error", err)
			rep.Missing = append(rep.Missing, k)
			continue
		}
		recovered = append(recovered, k)
	}
	rep.Recovered = recovered
	slices.Sort(rep.Missing)

	if len(rep.Recovered) > 0 {
		log.Warn("inspect recovered empty keys", "keys", rep.Recovered)
	}
	if len(rep.Missing) > 0 {
		log.Info("inspect missing keys", "keys", rep.Missing)
	}
	if len(rep.Extra) > 0 {
		log.Info("inspect extra keys", "keys", rep.Extra)
	}

	if (len(rep.Missing) > 0 && p.FailIfMissing) || (len(rep.Extra) > 0 && p.FailIfExtra) {
		return nil, rep, &SchemaMismatchError{
			Missing:  rep.Missing,
			Extra:    rep.Extra,
			Restored: rep.Restored,
			Expected: rep.Expected,
		}
	}
	return out, rep, nil
}
