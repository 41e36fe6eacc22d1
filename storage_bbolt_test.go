package docmesh

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestBboltStorage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "docmesh.db")

	storage, err := NewBboltStorage(path)
	assert.Equal(t, err, nil)

	peerId, err := storage.LoadPeerId(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, peerId.IsZero(), false)

	_, found, err := storage.LoadDoc(ctx, "doc-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, found, false)

	docBytes := []byte(`{"ops":[]}`)
	err = storage.SaveDoc(ctx, "doc-1", docBytes)
	assert.Equal(t, err, nil)

	loadedBytes, found, err := storage.LoadDoc(ctx, "doc-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, found, true)
	assert.Equal(t, loadedBytes, docBytes)

	err = storage.Close()
	assert.Equal(t, err, nil)

	// the peer id is stable across reopen
	storage, err = NewBboltStorage(path)
	assert.Equal(t, err, nil)
	defer storage.Close()

	peerIdOut, err := storage.LoadPeerId(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, peerIdOut, peerId)

	loadedBytes, found, err = storage.LoadDoc(ctx, "doc-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, found, true)
	assert.Equal(t, loadedBytes, docBytes)
}
