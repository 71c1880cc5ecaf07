package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "photos/cat.jpg", want: Ref{Bucket: "photos", Key: "cat.jpg"}},
		{in: "photos/2024/05/cat.jpg", want: Ref{Bucket: "photos", Key: "2024/05/cat.jpg"}},
		{in: "/photos/cat.jpg", want: Ref{Bucket: "photos", Key: "cat.jpg"}},
		{in: "photos", wantErr: true},
		{in: "photos/", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRef(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRef)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ref := Ref{Bucket: "b", Key: "doc.txt"}

	_, err := m.Stat(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)

	m.Put(ref, "text/plain", []byte("hello world"))

	info, err := m.Stat(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", info.ETag)

	data, _, err := m.Get(ctx, ref, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	data, _, err = m.Get(ctx, ref, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	m.Delete(ref)
	_, _, err = m.Get(ctx, ref, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}
