// Package approval holds the human approval gate applied before dispatch.
package approval

import "github.com/basket/taskrelay/internal/persistence"

// CanDispatch reports whether a task may be handed to an agent: either it
// never needed approval or an operator has approved it.
func CanDispatch(task persistence.Task) bool {
	return !task.RequiresApproval || task.ApprovedAt != nil
}

// Gate adapts CanDispatch to the store's claim filter.
var Gate persistence.Gate = CanDispatch
