package docmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

type CoordinatorSettings struct {
	HeartbeatTimeout   time.Duration
	StorageWaitTimeout time.Duration
	EphemeralTtl       time.Duration
	// optional engine factory. defaults to the reference map engine
	NewDocFunc func(docId DocId) Document
}

func DefaultCoordinatorSettings() *CoordinatorSettings {
	return &CoordinatorSettings{
		HeartbeatTimeout:   10 * time.Second,
		StorageWaitTimeout: 10 * time.Second,
		EphemeralTtl:       30 * time.Second,
	}
}

// Coordinator runs the closed control loop around Update: a single
// goroutine owns the model, pulls messages off one queue, applies Update,
// and interprets the resulting commands. Async outcomes re-enter the
// queue as ordinary messages, so no handler ever sees a suspension point.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	localPeerId Id
	settings    *CoordinatorSettings

	queue *messageQueue

	stateLock sync.Mutex
	model     *Model

	conduitLock sync.Mutex
	conduits    map[Id]Conduit

	updateMonitor  *Monitor
	eventCallbacks *CallbackList[EventFunction]

	// set while Update runs. Update must never be re-entered; a violation
	// is a structural bug, not a runtime condition to recover from
	updating atomic.Bool
}

func NewCoordinatorWithDefaults(ctx context.Context, localPeerId Id) *Coordinator {
	return NewCoordinator(ctx, localPeerId, DefaultCoordinatorSettings())
}

func NewCoordinator(ctx context.Context, localPeerId Id, settings *CoordinatorSettings) *Coordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	coordinator := &Coordinator{
		ctx:            cancelCtx,
		cancel:         cancel,
		localPeerId:    localPeerId,
		settings:       settings,
		queue:          newMessageQueue(),
		conduits:       map[Id]Conduit{},
		updateMonitor:  NewMonitor(),
		eventCallbacks: NewCallbackList[EventFunction](),
	}

	newDocFunc := func(docId DocId) Document {
		var doc Document
		if settings.NewDocFunc != nil {
			doc = settings.NewDocFunc(docId)
		} else {
			doc = NewMapDoc(localPeerId)
		}
		// the engine's own change notifications feed the same inbound
		// queue as transport messages. remote-origin changes are already
		// reported by the import path with the source channel attached.
		doc.Subscribe(func(origin ChangeOrigin) {
			if origin == ChangeOriginLocal {
				coordinator.dispatch(&DocChanged{DocId: docId})
			}
		})
		return doc
	}
	coordinator.model = NewModel(localPeerId, &ModelSettings{
		NewDocFunc:         newDocFunc,
		StorageWaitTimeout: settings.StorageWaitTimeout,
		EphemeralTtl:       settings.EphemeralTtl,
	})

	go coordinator.run()
	return coordinator
}

func (self *Coordinator) LocalPeerId() Id {
	return self.localPeerId
}

// snapshot of the current model. safe to read concurrently since models
// are never mutated after publication
func (self *Coordinator) Model() *Model {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.model
}

func (self *Coordinator) run() {
	heartbeat := time.NewTicker(self.settings.HeartbeatTimeout)
	defer heartbeat.Stop()

	for {
		if message := self.queue.poll(); message != nil {
			self.apply(message)
			continue
		}
		select {
		case <-self.ctx.Done():
			return
		case <-self.queue.notify:
		case t := <-heartbeat.C:
			self.apply(&Heartbeat{At: t})
		}
	}
}

func (self *Coordinator) apply(message Message) {
	if !self.updating.CompareAndSwap(false, true) {
		panic("re-entrant update")
	}
	model := self.Model()
	next, command := Update(model, message)
	self.stateLock.Lock()
	self.model = next
	self.stateLock.Unlock()
	self.updating.Store(false)

	self.updateMonitor.NotifyAll()
	if command != nil {
		self.execute(command)
	}
}

func (self *Coordinator) execute(command Command) {
	switch v := command.(type) {
	case *CommandBatch:
		for _, batched := range v.Commands {
			self.execute(batched)
		}
	case *CommandSend:
		frameBytes, err := json.Marshal(v.Frame)
		if err != nil {
			glog.Infof("[x]drop unencodable frame = %s\n", err)
			return
		}
		for _, channelId := range v.ChannelIds {
			self.sendToConduit(channelId, frameBytes)
		}
	case *CommandSendSyncResponse:
		self.sendSyncResponses(v)
	case *CommandImport:
		self.importDocBytes(v)
	case *CommandEmit:
		for _, eventCallback := range self.eventCallbacks.Get() {
			func(eventCallback EventFunction) {
				HandleError(func() {
					eventCallback(v.Event)
				})
			}(eventCallback)
		}
	case *CommandBroadcastEphemeral:
		self.broadcastEphemeral(v)
	case *CommandStartTimer:
		docId := v.DocId
		time.AfterFunc(v.After, func() {
			self.dispatch(&StorageTimeout{DocId: docId})
		})
	default:
		glog.Infof("[x]drop unknown command %T\n", command)
	}
}

// the transmission is computed here, at execution time, so that responses
// drained in the same batch as an import see the post-import state
func (self *Coordinator) sendSyncResponses(command *CommandSendSyncResponse) {
	model := self.Model()
	docState := model.Doc(command.DocId)
	if docState == nil {
		glog.Infof("[x]drop sync response for unknown doc %s\n", command.DocId)
		return
	}
	for i, channelId := range command.ChannelIds {
		var since Version
		if i < len(command.SinceVersions) {
			since = command.SinceVersions[i]
		}
		transmission := syncTransmission(docState.Doc, since)
		frameBytes, err := EncodeFrame(&SyncResponse{
			DocId:        command.DocId,
			Transmission: transmission,
		})
		if err != nil {
			glog.Infof("[x]drop unencodable sync response = %s\n", err)
			continue
		}
		glog.V(2).Infof("[x]sync response doc=%s kind=%s %s->\n", command.DocId, transmission.Kind, channelId)
		self.sendToConduit(channelId, frameBytes)
	}
}

func syncTransmission(doc Document, since Version) *Transmission {
	docBytes, ok := doc.Export(since)
	if !ok {
		// nothing newer than what the requester has
		return &Transmission{
			Kind:    TransmissionKindUnavailable,
			Version: doc.CurrentVersion(),
		}
	}
	kind := TransmissionKindUpdate
	if len(since) == 0 {
		kind = TransmissionKindSnapshot
	}
	return &Transmission{
		Kind:     kind,
		DocBytes: docBytes,
		Version:  doc.CurrentVersion(),
	}
}

func (self *Coordinator) importDocBytes(command *CommandImport) {
	model := self.Model()
	docState := model.Doc(command.DocId)
	if docState == nil {
		glog.Infof("[x]drop import for unknown doc %s\n", command.DocId)
		return
	}
	applied, err := docState.Doc.Import(command.DocBytes)
	if err != nil {
		glog.Infof("[x]drop bad doc bytes for %s from %s = %s\n", command.DocId, command.SourceChannelId, err)
		return
	}
	if applied {
		self.dispatch(&DocChanged{
			DocId:           command.DocId,
			SourceChannelId: command.SourceChannelId,
		})
	}
}

func (self *Coordinator) broadcastEphemeral(command *CommandBroadcastEphemeral) {
	model := self.Model()
	docState := model.Doc(command.DocId)
	if docState == nil {
		return
	}
	for storeName, store := range docState.Ephemeral {
		if command.StoreName != "" && storeName != command.StoreName {
			continue
		}
		peerIds := store.PeerIds()
		if !command.PeerId.IsZero() {
			peerIds = []Id{command.PeerId}
		}
		for _, peerId := range peerIds {
			entry, ok := store.values[peerId]
			if !ok {
				continue
			}
			frameBytes, err := EncodeFrame(&EphemeralState{
				DocId:       command.DocId,
				StoreName:   storeName,
				PeerId:      peerId,
				ValueJson:   entry.valueJson,
				ClockMillis: entry.clockMillis,
			})
			if err != nil {
				continue
			}
			for _, channelId := range command.ChannelIds {
				// never echo a peer's own presence back at it
				if channel := model.Channel(channelId); channel != nil && channel.PeerId == peerId {
					continue
				}
				self.sendToConduit(channelId, frameBytes)
			}
		}
	}
}

func (self *Coordinator) sendToConduit(channelId Id, frameBytes []byte) {
	self.conduitLock.Lock()
	conduit := self.conduits[channelId]
	self.conduitLock.Unlock()
	if conduit == nil {
		glog.V(2).Infof("[x]drop send on removed channel %s\n", channelId)
		return
	}
	HandleError(func() {
		conduit.Send(frameBytes)
	})
}

// AddChannel attaches an adapter conduit and returns its channel id. The
// channel is inert until the establish handshake completes over the wire.
func (self *Coordinator) AddChannel(conduit Conduit, kind ChannelKind) Id {
	channelId := NewId()

	self.conduitLock.Lock()
	self.conduits[channelId] = conduit
	self.conduitLock.Unlock()

	conduit.SetReceiveCallback(func(frameBytes []byte) {
		wireMessage, err := DecodeFrame(frameBytes)
		if err != nil {
			glog.Infof("[x]drop bad frame on %s = %s\n", channelId, err)
			return
		}
		if message := frameMessage(channelId, wireMessage, time.Now()); message != nil {
			self.dispatch(message)
		}
	})
	conduit.SetRemovedCallback(func() {
		self.conduitLock.Lock()
		delete(self.conduits, channelId)
		self.conduitLock.Unlock()
		self.dispatch(&ChannelRemoved{ChannelId: channelId})
	})

	self.dispatch(&ChannelAdded{
		ChannelId: channelId,
		Kind:      kind,
	})
	return channelId
}

func (self *Coordinator) SubscribeEvents(eventCallback EventFunction) func() {
	return self.eventCallbacks.Add(eventCallback)
}

// blocks until the channel's establish handshake completes. returns false
// if the channel was removed or the context ended first
func (self *Coordinator) WaitForEstablished(ctx context.Context, channelId Id) bool {
	wait := func() bool {
		self.waitFor(ctx, func(model *Model) bool {
			channel := model.Channel(channelId)
			return channel == nil || channel.State == ChannelStateEstablished
		})
		channel := self.Model().Channel(channelId)
		return channel != nil && channel.State == ChannelStateEstablished
	}
	if glog.V(2) {
		return TraceWithReturn(fmt.Sprintf("[x]wait establish %s", channelId), wait)
	}
	return wait()
}

func (self *Coordinator) dispatch(message Message) {
	if self.ctx.Err() != nil {
		return
	}
	self.queue.add(message)
}

// blocks until the condition holds on the current model or the context is
// done. returns whether the condition held
func (self *Coordinator) waitFor(ctx context.Context, condition func(model *Model) bool) bool {
	for {
		notify := self.updateMonitor.NotifyChannel()
		if condition(self.Model()) {
			return true
		}
		select {
		case <-ctx.Done():
			return condition(self.Model())
		case <-self.ctx.Done():
			return condition(self.Model())
		case <-notify:
		}
	}
}

func (self *Coordinator) Close() {
	self.cancel()
	self.conduitLock.Lock()
	conduits := map[Id]Conduit{}
	for channelId, conduit := range self.conduits {
		conduits[channelId] = conduit
	}
	self.conduitLock.Unlock()
	for _, conduit := range conduits {
		conduit.Close()
	}
}

// unbounded fifo so that the loop itself can enqueue without deadlock
type messageQueue struct {
	mutex    sync.Mutex
	messages []Message
	notify   chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		notify: make(chan struct{}, 1),
	}
}

func (self *messageQueue) add(message Message) {
	self.mutex.Lock()
	self.messages = append(self.messages, message)
	self.mutex.Unlock()
	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *messageQueue) poll() Message {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.messages) == 0 {
		return nil
	}
	message := self.messages[0]
	self.messages = self.messages[1:]
	return message
}
