package inference

import (
	"context"

	"github.com/phrazzld/scry-ingest/internal/domain"
)

// Input is the content handed to a classifier.
type Input struct {
	// Name is the object key, used as a hint in the prompt
	Name string

	// ContentType is the MIME type reported by the object store
	ContentType string

	// Data is the object body, possibly truncated
	Data []byte
}

// Classifier assigns a label and confidence score to an object.
type Classifier interface {
	// Classify returns the outcome for in, or an error from errors.go.
	// Transient failures wrap ErrTransientFailure.
	Classify(ctx context.Context, in Input) (*domain.Outcome, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, in Input) (*domain.Outcome, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, in Input) (*domain.Outcome, error) {
	return f(ctx, in)
}
