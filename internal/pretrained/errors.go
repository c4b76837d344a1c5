package pretrained

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrHeadMissing is returned when the expected tree has no head to install.
var ErrHeadMissing = errors.New("expected params have no head/kernel and head/bias")

// ErrSubtree is returned when Options.Subtree is absent from the checkpoint
// or names a single array.
var ErrSubtree = errors.New("checkpoint has no such subtree")

// ShapeError reports a tensor that cannot be adapted to the expected shape.
type ShapeError struct {
	Path   string
	Got    []int
	Want   []int
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape error at %s: %s (got %v, want %v)", e.Path, e.Reason, e.Got, e.Want)
}
