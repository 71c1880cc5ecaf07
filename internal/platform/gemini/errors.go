package gemini

import "errors"

var (
	// ErrEmptyContent is returned when there is nothing to classify.
	ErrEmptyContent = errors.New("content cannot be empty")
)
