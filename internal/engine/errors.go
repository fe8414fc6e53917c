package engine

import (
	"fmt"

	"studygate/internal/rank"
	"studygate/internal/workflow"
)

// The five expected outcomes of a failed Attempt. None of them mutates any
// state; the caller always gets enough structure to render a precise message.

// InvalidSourceStateError means the trigger is not declared from the study's
// current state; the client view is stale or the request is malformed.
type InvalidSourceStateError struct {
	Trigger workflow.Trigger
	State   workflow.State
}

func (e InvalidSourceStateError) Error() string {
	return fmt.Sprintf("trigger %s is not legal from state %s", e.Trigger, e.State)
}

// PermissionDeniedError means the actor's rank is below the transition's
// required rank.
type PermissionDeniedError struct {
	Trigger  workflow.Trigger
	Required rank.Rank
	Actual   rank.Rank
}

func (e PermissionDeniedError) Error() string {
	return fmt.Sprintf("trigger %s requires rank %s; actor has %s", e.Trigger, e.Required, e.Actual)
}

// ValidationError lists the declaration fields missing from the payload.
type ValidationError struct {
	Trigger workflow.Trigger
	Missing []string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("trigger %s missing required declarations: %v", e.Trigger, e.Missing)
}

// GuardRejectedError means a business-rule guard refused the transition.
type GuardRejectedError struct {
	Trigger workflow.Trigger
	Guard   string
	Reason  string
}

func (e GuardRejectedError) Error() string {
	return fmt.Sprintf("trigger %s rejected by guard %s: %s", e.Trigger, e.Guard, e.Reason)
}

// StaleStateError is the optimistic-concurrency conflict: the version the
// caller observed is no longer current. Re-read and decide whether to retry.
type StaleStateError struct {
	StudyID  string
	Expected int64
	Actual   int64
}

func (e StaleStateError) Error() string {
	return fmt.Sprintf("study %s version is %d, not %d; refresh and retry", e.StudyID, e.Actual, e.Expected)
}
