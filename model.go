package docmesh

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"golang.org/x/exp/maps"
)

type ChannelKind int

const (
	ChannelKindNetwork ChannelKind = iota + 1
	ChannelKindStorage
)

func (self ChannelKind) String() string {
	switch self {
	case ChannelKindNetwork:
		return "network"
	case ChannelKindStorage:
		return "storage"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type ChannelState int

// removal is terminal but not a state: a removed channel's record is
// deleted outright, so there is nothing to observe in the removed state
const (
	ChannelStateConnecting ChannelState = iota + 1
	ChannelStateEstablished
)

func (self ChannelState) String() string {
	switch self {
	case ChannelStateConnecting:
		return "connecting"
	case ChannelStateEstablished:
		return "established"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// Channel is one physical link to one remote party
type Channel struct {
	ChannelId Id
	Kind      ChannelKind
	State     ChannelState
	// zero until the handshake completes. only ever set from a frame that
	// actually crossed the channel
	PeerId Id
}

func (self *Channel) copy() *Channel {
	channel := *self
	return &channel
}

// Peer is a remote identity, stable across channel churn
type Peer struct {
	PeerId Id
	// documents this peer has asked to receive updates for
	Subscriptions map[DocId]bool
}

func (self *Peer) copy() *Peer {
	peer := &Peer{
		PeerId:        self.PeerId,
		Subscriptions: maps.Clone(self.Subscriptions),
	}
	return peer
}

type pendingSyncRequest struct {
	channelId Id
	version   Version
}

type ephemeralEntry struct {
	valueJson   json.RawMessage
	clockMillis int64
	at          time.Time
}

// EphemeralStore is the last known presence value per peer for one store
// name. Never persisted.
type EphemeralStore struct {
	values map[Id]*ephemeralEntry
}

func newEphemeralStore() *EphemeralStore {
	return &EphemeralStore{
		values: map[Id]*ephemeralEntry{},
	}
}

func (self *EphemeralStore) copy() *EphemeralStore {
	return &EphemeralStore{
		values: maps.Clone(self.values),
	}
}

func (self *EphemeralStore) Value(peerId Id) (json.RawMessage, bool) {
	entry, ok := self.values[peerId]
	if !ok {
		return nil, false
	}
	return entry.valueJson, true
}

func (self *EphemeralStore) PeerIds() []Id {
	peerIds := maps.Keys(self.values)
	slices.SortFunc(peerIds, compareIds)
	return peerIds
}

// DocState is one document's live synchronization state
type DocState struct {
	DocId DocId
	// owned by this doc state. mutated only by executed commands
	Doc       Document
	Ephemeral map[string]*EphemeralStore
	// storage channels not yet consulted for this doc
	PendingStorage map[Id]bool
	// sync requests deferred until storage has been consulted.
	// non-empty only while PendingStorage is non-empty or the storage
	// timeout is outstanding
	PendingRequests []*pendingSyncRequest
	// version as of the last change broadcast to subscribers
	LastBroadcastVersion Version
}

func (self *DocState) copy() *DocState {
	docState := &DocState{
		DocId:                self.DocId,
		Doc:                  self.Doc,
		Ephemeral:            maps.Clone(self.Ephemeral),
		PendingStorage:       maps.Clone(self.PendingStorage),
		PendingRequests:      slices.Clone(self.PendingRequests),
		LastBroadcastVersion: self.LastBroadcastVersion,
	}
	return docState
}

func (self *DocState) StoragePending() bool {
	return 0 < len(self.PendingStorage)
}

type ModelSettings struct {
	// creates the engine instance for a newly referenced doc
	NewDocFunc func(docId DocId) Document
	// bounded wait for storage answers before degrading to "unavailable"
	StorageWaitTimeout time.Duration
	// presence entries older than this are pruned and not rebroadcast
	EphemeralTtl time.Duration
}

func DefaultModelSettings() *ModelSettings {
	return &ModelSettings{
		NewDocFunc:         nil,
		StorageWaitTimeout: 10 * time.Second,
		EphemeralTtl:       30 * time.Second,
	}
}

// Model is the coordinator's entire state. Update handlers return a new
// model and never mutate a previous one, so every transition is diffable.
type Model struct {
	LocalPeerId Id
	Channels    map[Id]*Channel
	Peers       map[Id]*Peer
	Docs        map[DocId]*DocState

	settings *ModelSettings
}

func NewModel(localPeerId Id, settings *ModelSettings) *Model {
	newDocFunc := settings.NewDocFunc
	if newDocFunc == nil {
		newDocFunc = func(docId DocId) Document {
			return NewMapDoc(localPeerId)
		}
		settingsCopy := *settings
		settingsCopy.NewDocFunc = newDocFunc
		settings = &settingsCopy
	}
	return &Model{
		LocalPeerId: localPeerId,
		Channels:    map[Id]*Channel{},
		Peers:       map[Id]*Peer{},
		Docs:        map[DocId]*DocState{},
		settings:    settings,
	}
}

func (self *Model) copy() *Model {
	model := &Model{
		LocalPeerId: self.LocalPeerId,
		Channels:    maps.Clone(self.Channels),
		Peers:       maps.Clone(self.Peers),
		Docs:        maps.Clone(self.Docs),
		settings:    self.settings,
	}
	return model
}

func (self *Model) Channel(channelId Id) *Channel {
	return self.Channels[channelId]
}

func (self *Model) Peer(peerId Id) *Peer {
	return self.Peers[peerId]
}

func (self *Model) Doc(docId DocId) *DocState {
	return self.Docs[docId]
}

func (self *Model) EstablishedStorageChannelIds() []Id {
	channelIds := []Id{}
	for channelId, channel := range self.Channels {
		if channel.Kind == ChannelKindStorage && channel.State == ChannelStateEstablished {
			channelIds = append(channelIds, channelId)
		}
	}
	slices.SortFunc(channelIds, compareIds)
	return channelIds
}

// established network channels whose peer subscribes to the doc
func (self *Model) SubscribedNetworkChannelIds(docId DocId) []Id {
	channelIds := []Id{}
	for channelId, channel := range self.Channels {
		if channel.Kind != ChannelKindNetwork || channel.State != ChannelStateEstablished {
			continue
		}
		peer := self.Peers[channel.PeerId]
		if peer != nil && peer.Subscriptions[docId] {
			channelIds = append(channelIds, channelId)
		}
	}
	slices.SortFunc(channelIds, compareIds)
	return channelIds
}

func compareIds(a Id, b Id) int {
	if a.LessThan(b) {
		return -1
	} else if b.LessThan(a) {
		return 1
	} else {
		return 0
	}
}
