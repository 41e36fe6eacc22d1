package docmesh

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Repo is the application facing facade over the coordinator.
type Repo struct {
	coordinator *Coordinator
}

func NewRepo(coordinator *Coordinator) *Repo {
	return &Repo{
		coordinator: coordinator,
	}
}

func (self *Repo) Coordinator() *Coordinator {
	return self.coordinator
}

// GetOrCreateDoc references a doc, creating it lazily. The first
// reference triggers the storage-first load; the returned handle is
// usable immediately and `Ready` reports when storage has been consulted.
func (self *Repo) GetOrCreateDoc(ctx context.Context, docId DocId) (*DocHandle, error) {
	self.coordinator.dispatch(&DocRequested{DocId: docId})
	ok := self.coordinator.waitFor(ctx, func(model *Model) bool {
		return model.Doc(docId) != nil
	})
	if !ok {
		return nil, errors.New("coordinator closed before doc was created")
	}
	docState := self.coordinator.Model().Doc(docId)
	return &DocHandle{
		coordinator: self.coordinator,
		docId:       docId,
		doc:         docState.Doc,
	}, nil
}

func (self *Repo) DeleteDoc(docId DocId) {
	self.coordinator.dispatch(&DocDeleteRequested{DocId: docId})
}

// SetEphemeral updates this peer's presence value for one store. Best
// effort: missed broadcasts are healed by the next heartbeat.
func (self *Repo) SetEphemeral(docId DocId, storeName string, value any) error {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return err
	}
	self.coordinator.dispatch(&EphemeralLocalChange{
		DocId:     docId,
		StoreName: storeName,
		ValueJson: valueJson,
		At:        time.Now(),
	})
	return nil
}

type EphemeralFunction func(peerId Id, valueJson json.RawMessage)

func (self *Repo) SubscribeEphemeral(docId DocId, storeName string, callback EphemeralFunction) func() {
	return self.coordinator.SubscribeEvents(func(event *Event) {
		if event.Name == EventEphemeralChange && event.DocId == docId && event.StoreName == storeName {
			callback(event.PeerId, event.ValueJson)
		}
	})
}

// snapshot of the last known presence values per peer
func (self *Repo) EphemeralValues(docId DocId, storeName string) map[Id]json.RawMessage {
	values := map[Id]json.RawMessage{}
	docState := self.coordinator.Model().Doc(docId)
	if docState == nil {
		return values
	}
	store := docState.Ephemeral[storeName]
	if store == nil {
		return values
	}
	for _, peerId := range store.PeerIds() {
		if valueJson, ok := store.Value(peerId); ok {
			values[peerId] = valueJson
		}
	}
	return values
}

func (self *Repo) OnDocChange(docId DocId, callback func(docId DocId)) func() {
	return self.coordinator.SubscribeEvents(func(event *Event) {
		if event.Name == EventDocChange && event.DocId == docId {
			callback(event.DocId)
		}
	})
}

// DocHandle is a live reference to one replicated document.
type DocHandle struct {
	coordinator *Coordinator
	docId       DocId
	doc         Document
}

func (self *DocHandle) DocId() DocId {
	return self.docId
}

func (self *DocHandle) Document() Document {
	return self.doc
}

// blocks until every storage backend has answered or the storage wait
// timed out. returns whether the doc settled
func (self *DocHandle) Ready(ctx context.Context) bool {
	return self.coordinator.waitFor(ctx, func(model *Model) bool {
		docState := model.Doc(self.docId)
		return docState != nil && !docState.StoragePending()
	})
}
