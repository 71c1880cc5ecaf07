// Package objectstore defines read access to the object storage that
// holds uploaded objects, plus an in-memory implementation.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidRef is returned when an object reference cannot be parsed.
	ErrInvalidRef = errors.New("invalid object reference")
)

// Ref addresses one object.
type Ref struct {
	Bucket string
	Key    string
}

// ParseRef parses "bucket/key". The key may contain further slashes.
func ParseRef(s string) (Ref, error) {
	bucket, key, ok := strings.Cut(strings.TrimLeft(s, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return Ref{Bucket: bucket, Key: key}, nil
}

// String formats the reference as "bucket/key".
func (r Ref) String() string {
	return r.Bucket + "/" + r.Key
}

// Info describes a stored object.
type Info struct {
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Store reads objects.
type Store interface {
	// Stat returns object metadata, or ErrNotFound.
	Stat(ctx context.Context, ref Ref) (Info, error)

	// Get returns up to maxBytes of the object body, or ErrNotFound.
	// A non-positive maxBytes reads the whole object.
	Get(ctx context.Context, ref Ref, maxBytes int64) ([]byte, Info, error)
}
