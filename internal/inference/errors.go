package inference

import "errors"

// Common errors returned by classifiers
var (
	// ErrClassificationFailed is returned when classification fails for any general reason
	ErrClassificationFailed = errors.New("failed to classify content")

	// ErrInvalidResponse is returned when the model response cannot be parsed or is malformed
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the model blocks the content due to safety filters
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrTransientFailure is returned for temporary errors that might resolve on retry
	ErrTransientFailure = errors.New("transient error during classification")

	// ErrInvalidConfig is returned when the classifier configuration is invalid
	ErrInvalidConfig = errors.New("invalid classifier configuration")

	// ErrUnsupportedContent is returned when the object cannot be sent to the model
	ErrUnsupportedContent = errors.New("unsupported content")
)

// IsTransient reports whether err may succeed if the call is repeated.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFailure)
}
