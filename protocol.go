package docmesh

import (
	"encoding/json"
	"fmt"
)

// The wire protocol is a small set of frames shared by every adapter:
// network transports and storage backends speak the same establish and
// sync messages. The envelope is json; adapters own any outer framing.

type MessageType string

const (
	MessageTypeEstablishRequest  MessageType = "establish_request"
	MessageTypeEstablishResponse MessageType = "establish_response"
	MessageTypeSyncRequest       MessageType = "sync_request"
	MessageTypeSyncResponse      MessageType = "sync_response"
	MessageTypeEphemeralState    MessageType = "ephemeral_state"
)

type Frame struct {
	MessageType MessageType     `json:"type"`
	MessageJson json.RawMessage `json:"message"`
}

type EstablishRequest struct {
	PeerId Id `json:"peer_id"`
}

type EstablishResponse struct {
	PeerId Id `json:"peer_id"`
}

type SyncRequest struct {
	DocId DocId `json:"doc_id"`
	// the requester's current version. the response carries what is newer
	Version Version `json:"version,omitempty"`
}

type TransmissionKind string

const (
	TransmissionKindSnapshot    TransmissionKind = "snapshot"
	TransmissionKindUpdate      TransmissionKind = "update"
	TransmissionKindUnavailable TransmissionKind = "unavailable"
)

type Transmission struct {
	Kind     TransmissionKind `json:"kind"`
	DocBytes []byte           `json:"doc_bytes,omitempty"`
	Version  Version          `json:"version,omitempty"`
}

type SyncResponse struct {
	DocId        DocId         `json:"doc_id"`
	Transmission *Transmission `json:"transmission"`
}

type EphemeralState struct {
	DocId       DocId           `json:"doc_id"`
	StoreName   string          `json:"store_name"`
	PeerId      Id              `json:"peer_id"`
	ValueJson   json.RawMessage `json:"value"`
	ClockMillis int64           `json:"clock_millis"`
}

func ToFrame(message any) (*Frame, error) {
	var messageType MessageType
	switch v := message.(type) {
	case *EstablishRequest:
		messageType = MessageTypeEstablishRequest
	case *EstablishResponse:
		messageType = MessageTypeEstablishResponse
	case *SyncRequest:
		messageType = MessageTypeSyncRequest
	case *SyncResponse:
		messageType = MessageTypeSyncResponse
	case *EphemeralState:
		messageType = MessageTypeEphemeralState
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	messageJson, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Frame{
		MessageType: messageType,
		MessageJson: messageJson,
	}, nil
}

func RequireToFrame(message any) *Frame {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (any, error) {
	var message any
	switch frame.MessageType {
	case MessageTypeEstablishRequest:
		message = &EstablishRequest{}
	case MessageTypeEstablishResponse:
		message = &EstablishResponse{}
	case MessageTypeSyncRequest:
		message = &SyncRequest{}
	case MessageTypeSyncResponse:
		message = &SyncResponse{}
	case MessageTypeEphemeralState:
		message = &EphemeralState{}
	default:
		return nil, fmt.Errorf("Unknown message type: %s", frame.MessageType)
	}
	err := json.Unmarshal(frame.MessageJson, message)
	if err != nil {
		return nil, err
	}
	return message, nil
}

func RequireFromFrame(frame *Frame) any {
	message, err := FromFrame(frame)
	if err != nil {
		panic(err)
	}
	return message
}

func EncodeFrame(message any) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(frame)
	return b, err
}

func DecodeFrame(b []byte) (any, error) {
	frame := &Frame{}
	err := json.Unmarshal(b, frame)
	if err != nil {
		return nil, err
	}
	return FromFrame(frame)
}
