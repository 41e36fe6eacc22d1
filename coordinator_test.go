package docmesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// an in-memory conduit pair. each side delivers to the other side's
// receive callback on its own goroutine, preserving order
type memoryConduit struct {
	partner *memoryConduit

	inbox chan []byte
	done  chan struct{}

	// optional send filter for loss injection. return true to drop
	drop func(frameBytes []byte) bool

	mutex           sync.Mutex
	receiveCallback ReceiveFunction
	removedCallback RemovedFunction
	removedOnce     sync.Once
	closeOnce       sync.Once
}

func newMemoryConduitPair() (*memoryConduit, *memoryConduit) {
	a := &memoryConduit{
		inbox: make(chan []byte, 1024),
		done:  make(chan struct{}),
	}
	b := &memoryConduit{
		inbox: make(chan []byte, 1024),
		done:  make(chan struct{}),
	}
	a.partner = b
	b.partner = a
	go a.run()
	go b.run()
	return a, b
}

func (self *memoryConduit) run() {
	for {
		select {
		case <-self.done:
			return
		case frameBytes := <-self.inbox:
			self.deliver(frameBytes)
		}
	}
}

func (self *memoryConduit) deliver(frameBytes []byte) {
	// the callback may be attached just after the partner starts sending
	for {
		self.mutex.Lock()
		receiveCallback := self.receiveCallback
		self.mutex.Unlock()
		if receiveCallback != nil {
			receiveCallback(frameBytes)
			return
		}
		select {
		case <-self.done:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func (self *memoryConduit) Send(frameBytes []byte) {
	self.mutex.Lock()
	drop := self.drop
	self.mutex.Unlock()
	if drop != nil && drop(frameBytes) {
		return
	}
	select {
	case self.partner.inbox <- frameBytes:
	case <-self.partner.done:
	}
}

func (self *memoryConduit) SetReceiveCallback(receiveCallback ReceiveFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.receiveCallback = receiveCallback
}

func (self *memoryConduit) SetRemovedCallback(removedCallback RemovedFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.removedCallback = removedCallback
}

func (self *memoryConduit) setDrop(drop func(frameBytes []byte) bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.drop = drop
}

func (self *memoryConduit) fireRemoved() {
	self.removedOnce.Do(func() {
		self.mutex.Lock()
		removedCallback := self.removedCallback
		self.mutex.Unlock()
		if removedCallback != nil {
			removedCallback()
		}
	})
}

func (self *memoryConduit) Close() {
	self.closeOnce.Do(func() {
		close(self.done)
		self.fireRemoved()
		self.partner.closeOnce.Do(func() {
			close(self.partner.done)
			self.partner.fireRemoved()
		})
	})
}

// an in-memory storage backend
type memoryStorage struct {
	mutex  sync.Mutex
	peerId Id
	docs   map[DocId][]byte
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{
		docs: map[DocId][]byte{},
	}
}

func (self *memoryStorage) LoadPeerId(ctx context.Context) (Id, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.peerId.IsZero() {
		self.peerId = NewId()
	}
	return self.peerId, nil
}

func (self *memoryStorage) LoadDoc(ctx context.Context, docId DocId) ([]byte, bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	docBytes, ok := self.docs[docId]
	return docBytes, ok, nil
}

func (self *memoryStorage) SaveDoc(ctx context.Context, docId DocId, docBytes []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.docs[docId] = docBytes
	return nil
}

func (self *memoryStorage) Close() error {
	return nil
}

func (self *memoryStorage) savedDoc(docId DocId) ([]byte, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	docBytes, ok := self.docs[docId]
	return docBytes, ok
}

func waitUntil(timeout time.Duration, condition func() bool) bool {
	endTime := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if endTime.Before(time.Now()) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testCoordinatorSettings() *CoordinatorSettings {
	settings := DefaultCoordinatorSettings()
	settings.HeartbeatTimeout = 50 * time.Millisecond
	settings.StorageWaitTimeout = 2 * time.Second
	return settings
}

func TestCoordinatorPeerSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timeout := 15 * time.Second

	coordinatorA := NewCoordinator(ctx, NewId(), testCoordinatorSettings())
	defer coordinatorA.Close()
	coordinatorB := NewCoordinator(ctx, NewId(), testCoordinatorSettings())
	defer coordinatorB.Close()

	conduitA, conduitB := newMemoryConduitPair()
	coordinatorA.AddChannel(conduitA, ChannelKindNetwork)
	coordinatorB.AddChannel(conduitB, ChannelKindNetwork)

	repoA := NewRepo(coordinatorA)
	repoB := NewRepo(coordinatorB)

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()

	handleA, err := repoA.GetOrCreateDoc(waitCtx, "doc-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, handleA.Ready(waitCtx), true)
	handleB, err := repoB.GetOrCreateDoc(waitCtx, "doc-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, handleB.Ready(waitCtx), true)

	docA := handleA.Document().(*MapDoc)
	docB := handleB.Document().(*MapDoc)

	err = docA.Set("title", "hello")
	assert.Equal(t, err, nil)

	converged := waitUntil(timeout, func() bool {
		title, ok := docB.GetString("title")
		return ok && title == "hello"
	})
	assert.Equal(t, converged, true)

	// and the other direction
	err = docB.Set("owner", "b")
	assert.Equal(t, err, nil)
	converged = waitUntil(timeout, func() bool {
		owner, ok := docA.GetString("owner")
		return ok && owner == "b"
	})
	assert.Equal(t, converged, true)
}

func TestCoordinatorStorageLoad(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timeout := 15 * time.Second

	// seed the backend before attaching it
	backend := newMemoryStorage()
	seed := NewMapDoc(NewId())
	err := seed.Set("title", "x")
	assert.Equal(t, err, nil)
	seedBytes, ok := seed.Export(nil)
	assert.Equal(t, ok, true)
	backend.docs["doc-1"] = seedBytes

	coordinator := NewCoordinator(ctx, NewId(), testCoordinatorSettings())
	defer coordinator.Close()

	adapter, err := NewStorageAdapterWithDefaults(ctx, "mem", backend)
	assert.Equal(t, err, nil)
	channelId := coordinator.AddChannel(adapter, ChannelKindStorage)

	repo := NewRepo(coordinator)
	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()
	assert.Equal(t, coordinator.WaitForEstablished(waitCtx, channelId), true)

	handle, err := repo.GetOrCreateDoc(waitCtx, "doc-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, handle.Ready(waitCtx), true)

	doc := handle.Document().(*MapDoc)
	title, ok := doc.GetString("title")
	assert.Equal(t, ok, true)
	assert.Equal(t, title, "x")

	// a local change is persisted back to the backend
	err = doc.Set("subtitle", "y")
	assert.Equal(t, err, nil)
	persisted := waitUntil(timeout, func() bool {
		docBytes, ok := backend.savedDoc("doc-1")
		if !ok {
			return false
		}
		check := NewMapDoc(NewId())
		if _, err := check.Import(docBytes); err != nil {
			return false
		}
		subtitle, ok := check.GetString("subtitle")
		return ok && subtitle == "y"
	})
	assert.Equal(t, persisted, true)
}

func TestCoordinatorStorageTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testCoordinatorSettings()
	settings.StorageWaitTimeout = 100 * time.Millisecond
	coordinator := NewCoordinator(ctx, NewId(), settings)
	defer coordinator.Close()

	// a storage channel that establishes and then never answers another frame
	silent, other := newMemoryConduitPair()
	other.SetReceiveCallback(func(frameBytes []byte) {
		wireMessage, err := DecodeFrame(frameBytes)
		if err != nil {
			return
		}
		if _, ok := wireMessage.(*EstablishRequest); ok {
			responseBytes, _ := EncodeFrame(&EstablishResponse{PeerId: NewId()})
			other.Send(responseBytes)
		}
	})
	channelId := coordinator.AddChannel(silent, ChannelKindStorage)

	repo := NewRepo(coordinator)
	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	assert.Equal(t, coordinator.WaitForEstablished(waitCtx, channelId), true)

	handle, err := repo.GetOrCreateDoc(waitCtx, "doc-1")
	assert.Equal(t, err, nil)
	// settles via the storage wait timeout, not the outer deadline
	assert.Equal(t, handle.Ready(waitCtx), true)
	docState := coordinator.Model().Doc("doc-1")
	assert.Equal(t, docState.StoragePending(), false)
}

func TestCoordinatorChangeCallbackReentry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timeout := 15 * time.Second

	coordinator := NewCoordinator(ctx, NewId(), testCoordinatorSettings())
	defer coordinator.Close()
	repo := NewRepo(coordinator)

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()
	handle, err := repo.GetOrCreateDoc(waitCtx, "doc-1")
	assert.Equal(t, err, nil)
	doc := handle.Document().(*MapDoc)

	// a change handler that edits the doc again. the nested edit must be
	// queued, not applied re-entrantly
	unsub := repo.OnDocChange("doc-1", func(docId DocId) {
		if _, ok := doc.Get("reaction"); !ok {
			doc.Set("reaction", true)
		}
	})
	defer unsub()

	err = doc.Set("title", "hello")
	assert.Equal(t, err, nil)

	reacted := waitUntil(timeout, func() bool {
		_, ok := doc.Get("reaction")
		return ok
	})
	assert.Equal(t, reacted, true)
}

func TestCoordinatorEphemeralHeals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timeout := 15 * time.Second

	coordinatorA := NewCoordinator(ctx, NewId(), testCoordinatorSettings())
	defer coordinatorA.Close()
	coordinatorB := NewCoordinator(ctx, NewId(), testCoordinatorSettings())
	defer coordinatorB.Close()

	conduitA, conduitB := newMemoryConduitPair()

	// drop the first ephemeral frame a sends. the heartbeat rebroadcast
	// must deliver the value anyway
	dropMutex := sync.Mutex{}
	dropped := false
	conduitA.setDrop(func(frameBytes []byte) bool {
		wireMessage, err := DecodeFrame(frameBytes)
		if err != nil {
			return false
		}
		if _, ok := wireMessage.(*EphemeralState); ok {
			dropMutex.Lock()
			defer dropMutex.Unlock()
			if !dropped {
				dropped = true
				return true
			}
		}
		return false
	})

	coordinatorA.AddChannel(conduitA, ChannelKindNetwork)
	coordinatorB.AddChannel(conduitB, ChannelKindNetwork)

	repoA := NewRepo(coordinatorA)
	repoB := NewRepo(coordinatorB)

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()
	_, err := repoA.GetOrCreateDoc(waitCtx, "doc-1")
	assert.Equal(t, err, nil)
	_, err = repoB.GetOrCreateDoc(waitCtx, "doc-1")
	assert.Equal(t, err, nil)

	err = repoA.SetEphemeral("doc-1", "cursors", map[string]int{"x": 1})
	assert.Equal(t, err, nil)

	healed := waitUntil(timeout, func() bool {
		values := repoB.EphemeralValues("doc-1", "cursors")
		_, ok := values[coordinatorA.LocalPeerId()]
		return ok
	})
	assert.Equal(t, healed, true)
	dropMutex.Lock()
	assert.Equal(t, dropped, true)
	dropMutex.Unlock()
}

func TestCoordinatorChannelRemoved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timeout := 15 * time.Second

	coordinator := NewCoordinator(ctx, NewId(), testCoordinatorSettings())
	defer coordinator.Close()

	conduitA, conduitB := newMemoryConduitPair()
	remotePeerId := NewId()
	conduitB.SetReceiveCallback(func(frameBytes []byte) {
		wireMessage, err := DecodeFrame(frameBytes)
		if err != nil {
			return
		}
		if _, ok := wireMessage.(*EstablishRequest); ok {
			responseBytes, _ := EncodeFrame(&EstablishResponse{PeerId: remotePeerId})
			conduitB.Send(responseBytes)
		}
	})
	channelId := coordinator.AddChannel(conduitA, ChannelKindNetwork)

	established := waitUntil(timeout, func() bool {
		channel := coordinator.Model().Channel(channelId)
		return channel != nil && channel.State == ChannelStateEstablished
	})
	assert.Equal(t, established, true)
	assert.NotEqual(t, coordinator.Model().Peer(remotePeerId), nil)

	conduitA.Close()
	removed := waitUntil(timeout, func() bool {
		return coordinator.Model().Channel(channelId) == nil
	})
	assert.Equal(t, removed, true)
	assert.Equal(t, coordinator.Model().Peer(remotePeerId), nil)
}
