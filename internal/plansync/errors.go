package plansync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Attach when the plan does not exist. Callers
	// should navigate away from the plan.
	ErrNotFound = errors.New("plan not found")
	// ErrDetached is returned by Flush when no plan is attached.
	ErrDetached = errors.New("synchronizer not attached")
)

// WriteError reports a failed flush. The staged changes for Keys are still
// pending and will be retried by the next flush.
type WriteError struct {
	PlanID string
	Keys   []string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write plan %s (%s): %v", e.PlanID, strings.Join(e.Keys, ", "), e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// SubscriptionError reports a failure of the remote change stream. The last
// known state is kept.
type SubscriptionError struct {
	PlanID string
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription for plan %s: %v", e.PlanID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
