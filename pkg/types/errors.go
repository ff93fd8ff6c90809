package types

import (
	"errors"
	"fmt"
)

// ErrInstanceNotFound is returned when an instance does not exist or is no longer live
type ErrInstanceNotFound struct {
	InstanceId string
}

func (e *ErrInstanceNotFound) Error() string {
	return fmt.Sprintf("instance not found: %s", e.InstanceId)
}

// From checks if the given error is an ErrInstanceNotFound
func (e *ErrInstanceNotFound) From(err error) bool {
	var notFound *ErrInstanceNotFound
	return errors.As(err, &notFound)
}

// ErrTemplateNotFound is returned when a challenge template is not in the catalog
type ErrTemplateNotFound struct {
	TemplateId string
}

func (e *ErrTemplateNotFound) Error() string {
	return fmt.Sprintf("template not found: %s", e.TemplateId)
}

func (e *ErrTemplateNotFound) From(err error) bool {
	var notFound *ErrTemplateNotFound
	return errors.As(err, &notFound)
}

// ErrForbidden is returned when a team tries to act on another team's instance
type ErrForbidden struct {
	InstanceId string
	TeamId     string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("team %s may not access instance %s", e.TeamId, e.InstanceId)
}

func (e *ErrForbidden) From(err error) bool {
	var forbidden *ErrForbidden
	return errors.As(err, &forbidden)
}

// ErrCapacityExceeded is returned when a template has no free slots
type ErrCapacityExceeded struct {
	TemplateId   string
	MaxInstances int
}

func (e *ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("template %s is at capacity (%d instances)", e.TemplateId, e.MaxInstances)
}

func (e *ErrCapacityExceeded) From(err error) bool {
	var capacity *ErrCapacityExceeded
	return errors.As(err, &capacity)
}

// Retryable is false: capacity frees only when an instance expires or is released
func (e *ErrCapacityExceeded) Retryable() bool {
	return false
}

// ErrProvision wraps a failure to bring up a sandbox
type ErrProvision struct {
	InstanceId string
	Reason     string
	Err        error
}

func (e *ErrProvision) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provision failed for instance %s: %s: %v", e.InstanceId, e.Reason, e.Err)
	}
	return fmt.Sprintf("provision failed for instance %s: %s", e.InstanceId, e.Reason)
}

func (e *ErrProvision) Unwrap() error {
	return e.Err
}

func (e *ErrProvision) From(err error) bool {
	var provision *ErrProvision
	return errors.As(err, &provision)
}

// Retryable reports whether the underlying runtime failure was transient
func (e *ErrProvision) Retryable() bool {
	var unavailable *ErrRuntimeUnavailable
	return errors.As(e.Err, &unavailable)
}

// ErrProvisionTimeout is returned when a sandbox does not become ready in time
type ErrProvisionTimeout struct {
	InstanceId string
	Timeout    string
}

func (e *ErrProvisionTimeout) Error() string {
	return fmt.Sprintf("instance %s not ready after %s", e.InstanceId, e.Timeout)
}

func (e *ErrProvisionTimeout) From(err error) bool {
	var timeout *ErrProvisionTimeout
	return errors.As(err, &timeout)
}

func (e *ErrProvisionTimeout) Retryable() bool {
	return true
}

// ErrInvalidTransition indicates a lifecycle step that the state machine does not allow
type ErrInvalidTransition struct {
	InstanceId string
	From       InstanceStatus
	To         InstanceStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition for instance %s: %s -> %s", e.InstanceId, e.From, e.To)
}

// Is matches any ErrInvalidTransition so callers can use errors.Is with a zero value
func (e *ErrInvalidTransition) Is(target error) bool {
	_, ok := target.(*ErrInvalidTransition)
	return ok
}

// ErrRuntimeUnavailable is returned when the container runtime cannot be reached
type ErrRuntimeUnavailable struct {
	Backend string
	Err     error
}

func (e *ErrRuntimeUnavailable) Error() string {
	return fmt.Sprintf("%s runtime unavailable: %v", e.Backend, e.Err)
}

func (e *ErrRuntimeUnavailable) Unwrap() error {
	return e.Err
}

func (e *ErrRuntimeUnavailable) From(err error) bool {
	var unavailable *ErrRuntimeUnavailable
	return errors.As(err, &unavailable)
}

func (e *ErrRuntimeUnavailable) Retryable() bool {
	return true
}

// ErrInstanceExists is returned by a reservation when the key is already held
type ErrInstanceExists struct {
	Existing *Instance
}

func (e *ErrInstanceExists) Error() string {
	return fmt.Sprintf("instance %s already %s for template %s team %s",
		e.Existing.ID, e.Existing.Status, e.Existing.TemplateID, e.Existing.TeamID)
}
