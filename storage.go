package docmesh

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// A storage backend is attached as a channel of kind storage that speaks
// the same establish and sync frames as a network peer. Each backend has
// a stable peer id persisted alongside its data, so a re-attached backend
// is the same peer. Backends never push documents proactively; a doc is
// only read the first time the coordinator asks for it.

type StorageBackend interface {
	// stable identity, created on first use
	LoadPeerId(ctx context.Context) (Id, error)
	LoadDoc(ctx context.Context, docId DocId) ([]byte, bool, error)
	SaveDoc(ctx context.Context, docId DocId, docBytes []byte) error
	Close() error
}

type StorageAdapterSettings struct {
	// bound on each backend read/write
	RequestTimeout time.Duration
	WorkBufferSize int
}

func DefaultStorageAdapterSettings() *StorageAdapterSettings {
	return &StorageAdapterSettings{
		RequestTimeout: 5 * time.Second,
		WorkBufferSize: 256,
	}
}

// StorageAdapter adapts a StorageBackend to the Conduit contract. Frames
// are handled on a worker goroutine so backend i/o never blocks the
// coordinator loop; answers come back through the ordinary receive path.
type StorageAdapter struct {
	ctx    context.Context
	cancel context.CancelFunc

	name    string
	backend StorageBackend
	peerId  Id

	settings *StorageAdapterSettings

	work chan []byte
	// loaded merge state per doc. worker goroutine only
	docs map[DocId]*MapDoc

	mutex           sync.Mutex
	receiveCallback ReceiveFunction
	removedCallback RemovedFunction
	removedOnce     sync.Once
}

func NewStorageAdapterWithDefaults(
	ctx context.Context,
	name string,
	backend StorageBackend,
) (*StorageAdapter, error) {
	return NewStorageAdapter(ctx, name, backend, DefaultStorageAdapterSettings())
}

func NewStorageAdapter(
	ctx context.Context,
	name string,
	backend StorageBackend,
	settings *StorageAdapterSettings,
) (*StorageAdapter, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	loadCtx, loadCancel := context.WithTimeout(cancelCtx, settings.RequestTimeout)
	defer loadCancel()
	var peerId Id
	var err error
	if glog.V(2) {
		peerId, err = TraceWithReturnError("[s]"+name+" load peer id", func() (Id, error) {
			return backend.LoadPeerId(loadCtx)
		})
	} else {
		peerId, err = backend.LoadPeerId(loadCtx)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	adapter := &StorageAdapter{
		ctx:      cancelCtx,
		cancel:   cancel,
		name:     name,
		backend:  backend,
		peerId:   peerId,
		settings: settings,
		work:     make(chan []byte, settings.WorkBufferSize),
		docs:     map[DocId]*MapDoc{},
	}
	go adapter.run()
	return adapter, nil
}

func (self *StorageAdapter) PeerId() Id {
	return self.peerId
}

func (self *StorageAdapter) run() {
	defer self.fireRemoved()
	for {
		select {
		case <-self.ctx.Done():
			return
		case frameBytes := <-self.work:
			HandleError(func() {
				self.handleFrame(frameBytes)
			})
		}
	}
}

func (self *StorageAdapter) handleFrame(frameBytes []byte) {
	wireMessage, err := DecodeFrame(frameBytes)
	if err != nil {
		glog.Infof("[s]%s drop bad frame = %s\n", self.name, err)
		return
	}

	switch v := wireMessage.(type) {
	case *EstablishRequest:
		self.reply(&EstablishResponse{PeerId: self.peerId})
	case *EstablishResponse:
		// the coordinator's identity. nothing to track
	case *SyncRequest:
		self.handleSyncRequest(v)
	case *SyncResponse:
		self.handleSyncResponse(v)
	case *EphemeralState:
		// presence is never persisted
	default:
		glog.V(2).Infof("[s]%s drop frame %T\n", self.name, wireMessage)
	}
}

func (self *StorageAdapter) handleSyncRequest(request *SyncRequest) {
	doc, found := self.doc(request.DocId, false)
	if !found {
		// no data is a valid answer, not an error
		glog.V(2).Infof("[s]%s no data for doc=%s\n", self.name, request.DocId)
		self.reply(&SyncResponse{
			DocId:        request.DocId,
			Transmission: &Transmission{Kind: TransmissionKindUnavailable},
		})
		return
	}
	self.reply(&SyncResponse{
		DocId:        request.DocId,
		Transmission: syncTransmission(doc, request.Version),
	})
}

// an inbound sync response is the coordinator persisting changes
func (self *StorageAdapter) handleSyncResponse(response *SyncResponse) {
	if response.Transmission == nil || len(response.Transmission.DocBytes) == 0 {
		return
	}
	doc, _ := self.doc(response.DocId, true)
	applied, err := doc.Import(response.Transmission.DocBytes)
	if err != nil {
		glog.Infof("[s]%s drop bad doc bytes for %s = %s\n", self.name, response.DocId, err)
		return
	}
	if !applied {
		return
	}
	docBytes, ok := doc.Export(nil)
	if !ok {
		return
	}
	saveCtx, saveCancel := context.WithTimeout(self.ctx, self.settings.RequestTimeout)
	defer saveCancel()
	if err := self.backend.SaveDoc(saveCtx, response.DocId, docBytes); err != nil {
		// the next persisted update carries the full merged state again
		glog.Infof("[s]%s save error doc=%s = %s\n", self.name, response.DocId, err)
	}
}

// lazily loads the merge state for a doc from the backend. when create is
// false and the backend has no data, returns found = false
func (self *StorageAdapter) doc(docId DocId, create bool) (*MapDoc, bool) {
	if doc, ok := self.docs[docId]; ok {
		return doc, true
	}

	loadCtx, loadCancel := context.WithTimeout(self.ctx, self.settings.RequestTimeout)
	defer loadCancel()
	docBytes, found, err := self.backend.LoadDoc(loadCtx, docId)
	if err != nil {
		glog.Infof("[s]%s load error doc=%s = %s\n", self.name, docId, err)
		found = false
	}

	if !found && !create {
		return nil, false
	}

	doc := NewMapDoc(self.peerId)
	if found {
		if _, err := doc.Import(docBytes); err != nil {
			glog.Infof("[s]%s corrupt doc=%s = %s\n", self.name, docId, err)
		}
	}
	self.docs[docId] = doc
	return doc, true
}

func (self *StorageAdapter) reply(message any) {
	frameBytes, err := EncodeFrame(message)
	if err != nil {
		return
	}
	self.mutex.Lock()
	receiveCallback := self.receiveCallback
	self.mutex.Unlock()
	if receiveCallback != nil {
		HandleError(func() {
			receiveCallback(frameBytes)
		})
	}
}

// Conduit

func (self *StorageAdapter) Send(frameBytes []byte) {
	select {
	case self.work <- frameBytes:
	default:
		glog.Infof("[s]%s drop frame, worker busy\n", self.name)
	}
}

func (self *StorageAdapter) SetReceiveCallback(receiveCallback ReceiveFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.receiveCallback = receiveCallback
}

func (self *StorageAdapter) SetRemovedCallback(removedCallback RemovedFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.removedCallback = removedCallback
}

func (self *StorageAdapter) fireRemoved() {
	self.removedOnce.Do(func() {
		self.mutex.Lock()
		removedCallback := self.removedCallback
		self.mutex.Unlock()
		if removedCallback != nil {
			HandleError(removedCallback)
		}
		self.backend.Close()
	})
}

func (self *StorageAdapter) Close() {
	self.cancel()
}
