// Package grounding holds what the two grounding strategies share: their
// sentinel errors and the action-kind helpers they agree on.
package grounding

import (
	"errors"

	"github.com/xkilldash9x/e2eforge/api/schemas"
)

var (
	// ErrGrounding wraps a failed call to the grounding service.
	ErrGrounding = errors.New("grounding failed")
	// ErrElementNotFound means the model could not locate the target element.
	ErrElementNotFound = errors.New("element not found")
	// ErrRejected means a fragment failed validation and the strategy was
	// told to abort rather than skip.
	ErrRejected = errors.New("fragment rejected")
)

// IsLast reports whether i is the final action of plan.
func IsLast(plan *schemas.ActionPlan, i int) bool {
	return plan != nil && i == len(plan.Actions)-1
}
