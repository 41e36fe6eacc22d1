package docmesh

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/go-playground/assert/v2"
)

func TestRedisStorage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: server.Addr(),
	})
	storage := NewRedisStorageWithClient(client)
	defer storage.Close()

	peerId, err := storage.LoadPeerId(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, peerId.IsZero(), false)

	// stable identity
	peerIdOut, err := storage.LoadPeerId(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, peerIdOut, peerId)

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
}

func TestRedisStorageAdapter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: server.Addr(),
	})
	storage := NewRedisStorageWithClient(client)

	adapter, err := NewStorageAdapterWithDefaults(ctx, "redis", storage)
	assert.Equal(t, err, nil)
	defer adapter.Close()

	received := make(chan any, 16)
	adapter.SetReceiveCallback(func(frameBytes []byte) {
		wireMessage, err := DecodeFrame(frameBytes)
		if err != nil {
			return
		}
		received <- wireMessage
	})

	// establish
	requestBytes, err := EncodeFrame(&EstablishRequest{PeerId: NewId()})
	assert.Equal(t, err, nil)
	adapter.Send(requestBytes)
	establish := (<-received).(*EstablishResponse)
	assert.Equal(t, establish.PeerId, adapter.PeerId())

	// an empty backend answers "unavailable"
	syncBytes, err := EncodeFrame(&SyncRequest{DocId: "doc-1"})
	assert.Equal(t, err, nil)
	adapter.Send(syncBytes)
	response := (<-received).(*SyncResponse)
	assert.Equal(t, response.DocId, DocId("doc-1"))
	assert.Equal(t, response.Transmission.Kind, TransmissionKindUnavailable)

	// persist an update, then read it back
	source := NewMapDoc(NewId())
	err = source.Set("title", "x")
	assert.Equal(t, err, nil)
	sourceBytes, ok := source.Export(nil)
	assert.Equal(t, ok, true)

	updateBytes, err := EncodeFrame(&SyncResponse{
		DocId: "doc-1",
		Transmission: &Transmission{
			Kind:     TransmissionKindSnapshot,
			DocBytes: sourceBytes,
			Version:  source.CurrentVersion(),
		},
	})
	assert.Equal(t, err, nil)
	adapter.Send(updateBytes)

	adapter.Send(syncBytes)
	response = (<-received).(*SyncResponse)
	assert.Equal(t, response.Transmission.Kind, TransmissionKindSnapshot)
	echo := NewMapDoc(NewId())
	_, err = echo.Import(response.Transmission.DocBytes)
	assert.Equal(t, err, nil)
	title, ok := echo.GetString("title")
	assert.Equal(t, ok, true)
	assert.Equal(t, title, "x")
}
