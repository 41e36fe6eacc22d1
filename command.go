package docmesh

import (
	"encoding/json"
	"time"
)

// Command is the outbound sum type produced by Update and interpreted by
// the coordinator. Update never performs i/o; everything with a side
// effect is expressed as a command.
type Command interface {
	isCommand()
}

// send an encoded frame on each channel
type CommandSend struct {
	ChannelIds []Id
	Frame      *Frame
}

// compute a sync response per channel at execution time. Kept lazy so
// that a response drained in the same batch as an import reflects the
// post-import document state.
type CommandSendSyncResponse struct {
	ChannelIds []Id
	DocId      DocId
	// one entry per channel id: the requester version to diff against
	SinceVersions []Version
}

// import remote doc bytes into the engine. a change applied by the import
// re-enters the loop as DocChanged with the source channel attached
type CommandImport struct {
	DocId           DocId
	DocBytes        []byte
	SourceChannelId Id
}

// emit a local event to repo subscribers
type CommandEmit struct {
	Event *Event
}

// send the current ephemeral values for a doc to each channel.
// StoreName empty means all stores; a zero PeerId means all peers
type CommandBroadcastEphemeral struct {
	DocId      DocId
	StoreName  string
	PeerId     Id
	ChannelIds []Id
}

// schedule a StorageTimeout message for the doc
type CommandStartTimer struct {
	DocId DocId
	After time.Duration
}

type CommandBatch struct {
	Commands []Command
}

func (*CommandSend) isCommand()               {}
func (*CommandSendSyncResponse) isCommand()   {}
func (*CommandImport) isCommand()             {}
func (*CommandEmit) isCommand()               {}
func (*CommandBroadcastEphemeral) isCommand() {}
func (*CommandStartTimer) isCommand()         {}
func (*CommandBatch) isCommand()              {}

// flattens to nil, a single command, or a batch
func batchCommands(commands ...Command) Command {
	flat := []Command{}
	for _, command := range commands {
		switch v := command.(type) {
		case nil:
		case *CommandBatch:
			flat = append(flat, v.Commands...)
		default:
			flat = append(flat, command)
		}
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	default:
		return &CommandBatch{Commands: flat}
	}
}

const (
	EventDocReady        = "doc_ready"
	EventDocChange       = "doc_change"
	EventDocDeleted      = "doc_deleted"
	EventEphemeralChange = "ephemeral_change"
)

// Event is the payload delivered to local subscribers
type Event struct {
	Name      string
	DocId     DocId
	StoreName string
	PeerId    Id
	ValueJson json.RawMessage
}

type EventFunction func(event *Event)
