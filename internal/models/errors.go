package models

import "errors"

var (
	// ErrConversationNotFound covers both a missing conversation and one owned by
	// another user so that callers cannot probe for existence.
	ErrConversationNotFound   = errors.New("conversation not found")
	ErrBackendUnavailable     = errors.New("completion backend unavailable")
	ErrMalformedUpstreamEvent = errors.New("malformed upstream event")
	ErrTitleGeneration        = errors.New("title generation failed")
	ErrJobFatal               = errors.New("job failed")
)
