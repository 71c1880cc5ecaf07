package orchestrator

import (
	"context"
	"hash/fnv"
)

const lockStripes = 256

// KeyLock serializes work per entity key using a fixed set of lock stripes.
// Two keys may share a stripe; one key always maps to the same stripe.
type KeyLock struct {
	stripes [lockStripes]chan struct{}
}

// NewKeyLock creates a KeyLock with all stripes unlocked.
func NewKeyLock() *KeyLock {
	l := &KeyLock{}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock blocks until the key's stripe is held and returns the function that
// releases it.
func (l *KeyLock) Lock(key string) (unlock func()) {
	s := l.stripes[stripe(key)]
	s <- struct{}{}
	return func() { <-s }
}

// LockContext is Lock, giving up when ctx is done.
func (l *KeyLock) LockContext(ctx context.Context, key string) (unlock func(), err error) {
	s := l.stripes[stripe(key)]
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockStripes
}
