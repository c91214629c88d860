package agent

import "errors"

var (
	// ErrClassification is returned when the classifier output cannot be parsed.
	ErrClassification = errors.New("failed to classify message")
	// ErrNoSubtasks is returned when the decomposition yields no subtasks.
	ErrNoSubtasks = errors.New("decomposition produced no subtasks")
	// ErrModelCall wraps provider failures.
	ErrModelCall = errors.New("model call failed")
	// ErrToolDispatch wraps failures to dispatch a tool call.
	ErrToolDispatch = errors.New("tool dispatch failed")
	// ErrCancelled marks a turn that observed its session flag being cancelled.
	// It never reaches the client.
	ErrCancelled = errors.New("turn cancelled")
)
