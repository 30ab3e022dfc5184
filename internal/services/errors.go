package services

import (
	"errors"
	"fmt"
)

// Code identifies an expected business-rule failure.
type Code string

const (
	CodeWorkflowNotFound     Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowNotPublished Code = "WORKFLOW_NOT_PUBLISHED"
	CodeWorkflowNotValidated Code = "WORKFLOW_NOT_VALIDATED"
	CodePublishedImmutable   Code = "PUBLISHED_IMMUTABLE"
	CodeValidationFailed     Code = "VALIDATION_FAILED"
	CodeScopeMismatch        Code = "SCOPE_MISMATCH"
	CodeFlowNotFound         Code = "FLOW_NOT_FOUND"
	CodeTaskNotFound         Code = "TASK_NOT_FOUND"
	CodeTaskAlreadyStarted   Code = "TASK_ALREADY_STARTED"
	CodeTaskNotStarted       Code = "TASK_NOT_STARTED"
	CodeActionabilityBlocked Code = "ACTIONABILITY_BLOCKED"
	CodeInvalidOutcome       Code = "INVALID_OUTCOME"
	CodeValidationError      Code = "VALIDATION_ERROR"
	CodeInputRequired        Code = "INPUT_REQUIRED"
	CodeNoChanges            Code = "NO_CHANGES"
	CodeEventNotFound        Code = "EVENT_NOT_FOUND"
	CodeNodeNotFound         Code = "NODE_NOT_FOUND"
	CodeDetourNotFound       Code = "DETOUR_NOT_FOUND"
	CodeDetourNotActive      Code = "DETOUR_NOT_ACTIVE"
	CodeVersionNotFound      Code = "VERSION_NOT_FOUND"
	CodeFailureNotFound      Code = "FAILURE_NOT_FOUND"
	CodeUncommittedChanges   Code = "UNCOMMITTED_CHANGES"
	CodeInvalidFlowState     Code = "INVALID_FLOW_STATE"
	CodeFlowGroupNotFound    Code = "FLOW_GROUP_NOT_FOUND"
)

// Error is a precondition or validation failure reported to the caller.
// Infrastructure failures are never wrapped in an Error.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail value and returns the same error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the business code carried by err, or "" for
// infrastructure errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ValidationIssue is one itemized structural problem found by Validate.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	GateID  string `json:"gate_id,omitempty"`
}
