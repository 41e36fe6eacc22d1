package docmesh

import (
	"encoding/json"
	"time"
)

// Message is the inbound sum type consumed by Update. Every external
// event enters through one of these: transport frames, adapter lifecycle,
// local api calls, engine change callbacks, and timers all feed the same
// queue so that the state machine sees a single ordered stream.
type Message interface {
	isMessage()
}

type ChannelAdded struct {
	ChannelId Id
	Kind      ChannelKind
}

type ChannelRemoved struct {
	ChannelId Id
}

type EstablishRequestReceived struct {
	ChannelId Id
	PeerId    Id
}

type EstablishResponseReceived struct {
	ChannelId Id
	PeerId    Id
}

type SyncRequestReceived struct {
	ChannelId Id
	DocId     DocId
	Version   Version
}

type SyncResponseReceived struct {
	ChannelId    Id
	DocId        DocId
	Transmission *Transmission
}

type EphemeralStateReceived struct {
	ChannelId   Id
	DocId       DocId
	StoreName   string
	PeerId      Id
	ValueJson   json.RawMessage
	ClockMillis int64
	At          time.Time
}

// local setSelf via the repo facade
type EphemeralLocalChange struct {
	DocId     DocId
	StoreName string
	ValueJson json.RawMessage
	At        time.Time
}

// local get() via the repo facade. triggers lazy storage load
type DocRequested struct {
	DocId DocId
}

// local delete() via the repo facade
type DocDeleteRequested struct {
	DocId DocId
}

// the doc engine applied new ops. SourceChannelId is zero for local edits,
// otherwise the channel whose import produced the change
type DocChanged struct {
	DocId           DocId
	SourceChannelId Id
}

// fixed interval ephemeral rebroadcast
type Heartbeat struct {
	At time.Time
}

// the bounded storage wait for a doc elapsed
type StorageTimeout struct {
	DocId DocId
}

func (*ChannelAdded) isMessage()              {}
func (*ChannelRemoved) isMessage()            {}
func (*EstablishRequestReceived) isMessage()  {}
func (*EstablishResponseReceived) isMessage() {}
func (*SyncRequestReceived) isMessage()       {}
func (*SyncResponseReceived) isMessage()      {}
func (*EphemeralStateReceived) isMessage()    {}
func (*EphemeralLocalChange) isMessage()      {}
func (*DocRequested) isMessage()              {}
func (*DocDeleteRequested) isMessage()        {}
func (*DocChanged) isMessage()                {}
func (*Heartbeat) isMessage()                 {}
func (*StorageTimeout) isMessage()            {}

// maps a decoded wire frame to the inbound message for a channel.
// returns nil for frame types that do not map to a message
func frameMessage(channelId Id, wireMessage any, receiveTime time.Time) Message {
	switch v := wireMessage.(type) {
	case *EstablishRequest:
		return &EstablishRequestReceived{
			ChannelId: channelId,
			PeerId:    v.PeerId,
		}
	case *EstablishResponse:
		return &EstablishResponseReceived{
			ChannelId: channelId,
			PeerId:    v.PeerId,
		}
	case *SyncRequest:
		return &SyncRequestReceived{
			ChannelId: channelId,
			DocId:     v.DocId,
			Version:   v.Version,
		}
	case *SyncResponse:
		return &SyncResponseReceived{
			ChannelId:    channelId,
			DocId:        v.DocId,
			Transmission: v.Transmission,
		}
	case *EphemeralState:
		return &EphemeralStateReceived{
			ChannelId:   channelId,
			DocId:       v.DocId,
			StoreName:   v.StoreName,
			PeerId:      v.PeerId,
			ValueJson:   v.ValueJson,
			ClockMillis: v.ClockMillis,
			At:          receiveTime,
		}
	default:
		return nil
	}
}
