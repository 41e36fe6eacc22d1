package docmesh

import (
	"slices"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// Update is the protocol state machine: a synchronous, non-blocking
// function from (model, message) to (model, command). It never performs
// i/o and never mutates the document engine; imports and sends come back
// out as commands. The previous model is never mutated.
func Update(model *Model, message Message) (*Model, Command) {
	switch v := message.(type) {
	case *ChannelAdded:
		return updateChannelAdded(model, v)
	case *ChannelRemoved:
		return updateChannelRemoved(model, v)
	case *EstablishRequestReceived:
		return updateEstablishRequest(model, v)
	case *EstablishResponseReceived:
		return updateEstablishResponse(model, v)
	case *SyncRequestReceived:
		return updateSyncRequest(model, v)
	case *SyncResponseReceived:
		return updateSyncResponse(model, v)
	case *EphemeralStateReceived:
		return updateEphemeralState(model, v)
	case *EphemeralLocalChange:
		return updateEphemeralLocalChange(model, v)
	case *DocRequested:
		return updateDocRequested(model, v)
	case *DocDeleteRequested:
		return updateDocDeleteRequested(model, v)
	case *DocChanged:
		return updateDocChanged(model, v)
	case *Heartbeat:
		return updateHeartbeat(model, v)
	case *StorageTimeout:
		return updateStorageTimeout(model, v)
	default:
		glog.Infof("[u]drop unknown message %T\n", message)
		return model, nil
	}
}

func updateChannelAdded(model *Model, message *ChannelAdded) (*Model, Command) {
	if _, ok := model.Channels[message.ChannelId]; ok {
		glog.Infof("[u]drop duplicate channel %s\n", message.ChannelId)
		return model, nil
	}

	next := model.copy()
	next.Channels[message.ChannelId] = &Channel{
		ChannelId: message.ChannelId,
		Kind:      message.Kind,
		State:     ChannelStateConnecting,
	}
	glog.V(2).Infof("[u]channel added %s kind=%s\n", message.ChannelId, message.Kind)

	// greet. the handshake is symmetric, idempotent and order independent,
	// so both sides requesting is safe, and one side must request for the
	// exchange to start at all. no document traffic until established.
	greet := &CommandSend{
		ChannelIds: []Id{message.ChannelId},
		Frame:      RequireToFrame(&EstablishRequest{PeerId: model.LocalPeerId}),
	}
	return next, greet
}

func updateChannelRemoved(model *Model, message *ChannelRemoved) (*Model, Command) {
	channel, ok := model.Channels[message.ChannelId]
	if !ok {
		glog.V(2).Infof("[u]drop remove for unknown channel %s\n", message.ChannelId)
		return model, nil
	}

	next := model.copy()
	delete(next.Channels, message.ChannelId)

	// peer records are dropped with their last channel. subscriptions go
	// with them; a reconnecting peer re-subscribes by sync-requesting again
	if !channel.PeerId.IsZero() {
		referenced := false
		for _, otherChannel := range next.Channels {
			if otherChannel.PeerId == channel.PeerId {
				referenced = true
				break
			}
		}
		if !referenced {
			delete(next.Peers, channel.PeerId)
		}
	}

	commands := []Command{}
	for docId, docState := range model.Docs {
		pendingStorage := docState.PendingStorage[message.ChannelId]
		pendingRequest := false
		for _, request := range docState.PendingRequests {
			if request.channelId == message.ChannelId {
				pendingRequest = true
				break
			}
		}
		if !pendingStorage && !pendingRequest {
			continue
		}

		d := docState.copy()
		if pendingRequest {
			// a disconnected requester need not be answered
			requests := []*pendingSyncRequest{}
			for _, request := range d.PendingRequests {
				if request.channelId != message.ChannelId {
					requests = append(requests, request)
				}
			}
			d.PendingRequests = requests
		}
		if pendingStorage {
			delete(d.PendingStorage, message.ChannelId)
			if !d.StoragePending() {
				// the last outstanding storage channel went away.
				// proceed as if it had answered "unavailable"
				glog.V(2).Infof("[u]storage channel %s removed, drain doc=%s\n", message.ChannelId, docId)
				commands = append(commands, drainPendingRequests(next, d)...)
			}
		}
		next.Docs[docId] = d
	}

	glog.V(2).Infof("[u]channel removed %s peer=%s\n", message.ChannelId, channel.PeerId)
	return next, batchCommands(commands...)
}

func updateEstablishRequest(model *Model, message *EstablishRequestReceived) (*Model, Command) {
	next, requestCommand, ok := establishChannel(model, message.ChannelId, message.PeerId)
	if !ok {
		return model, nil
	}
	// reply with the local identity. resending the response is idempotent
	reply := &CommandSend{
		ChannelIds: []Id{message.ChannelId},
		Frame:      RequireToFrame(&EstablishResponse{PeerId: model.LocalPeerId}),
	}
	return next, batchCommands(reply, requestCommand)
}

func updateEstablishResponse(model *Model, message *EstablishResponseReceived) (*Model, Command) {
	next, requestCommand, ok := establishChannel(model, message.ChannelId, message.PeerId)
	if !ok {
		return model, nil
	}
	return next, requestCommand
}

// records the remote identity carried by an establish frame and marks the
// channel established. identity is only ever learned here, from a frame
// that actually crossed the channel.
func establishChannel(model *Model, channelId Id, peerId Id) (*Model, Command, bool) {
	channel, ok := model.Channels[channelId]
	if !ok {
		glog.Infof("[u]drop establish for unknown channel %s\n", channelId)
		return model, nil, false
	}
	if peerId.IsZero() {
		glog.Infof("[u]drop establish with zero peer on %s\n", channelId)
		return model, nil, false
	}
	if !channel.PeerId.IsZero() && channel.PeerId != peerId {
		glog.Infof("[u]drop establish with conflicting peer on %s: %s != %s\n", channelId, channel.PeerId, peerId)
		return model, nil, false
	}

	newlyEstablished := channel.State != ChannelStateEstablished

	next := model.copy()
	c := channel.copy()
	c.PeerId = peerId
	c.State = ChannelStateEstablished
	next.Channels[channelId] = c

	if _, ok := next.Peers[peerId]; !ok {
		next.Peers[peerId] = &Peer{
			PeerId:        peerId,
			Subscriptions: map[DocId]bool{},
		}
	}
	glog.V(2).Infof("[u]established %s peer=%s\n", channelId, peerId)

	// sync-request every open doc on a newly established network channel.
	// this subscribes us at the remote and pulls anything newer. storage
	// channels are left alone; they are only consulted on first reference
	var requestCommand Command
	if newlyEstablished && channel.Kind == ChannelKindNetwork {
		commands := []Command{}
		for _, docId := range sortedDocIds(next.Docs) {
			commands = append(commands, &CommandSend{
				ChannelIds: []Id{channelId},
				Frame: RequireToFrame(&SyncRequest{
					DocId:   docId,
					Version: next.Docs[docId].Doc.CurrentVersion(),
				}),
			})
		}
		requestCommand = batchCommands(commands...)
	}
	return next, requestCommand, true
}

func sortedDocIds(docs map[DocId]*DocState) []DocId {
	docIds := maps.Keys(docs)
	slices.Sort(docIds)
	return docIds
}

func updateSyncRequest(model *Model, message *SyncRequestReceived) (*Model, Command) {
	channel, ok := model.Channels[message.ChannelId]
	if !ok || channel.State != ChannelStateEstablished {
		glog.Infof("[u]drop sync request on non-established channel %s\n", message.ChannelId)
		return model, nil
	}

	next, docState, loadCommand := ensureDocState(model, message.DocId, message.ChannelId)

	// a sync request subscribes the peer to future updates for the doc
	if channel.Kind == ChannelKindNetwork {
		if peer, ok := next.Peers[channel.PeerId]; ok && !peer.Subscriptions[message.DocId] {
			if next == model {
				next = model.copy()
			}
			p := peer.copy()
			p.Subscriptions[message.DocId] = true
			next.Peers[channel.PeerId] = p
		}
	}

	if docState.StoragePending() {
		// storage has not been consulted yet. defer the answer so the
		// requester never sees a false "unavailable"
		if next == model {
			next = model.copy()
		}
		d := docState.copy()
		d.PendingRequests = append(d.PendingRequests, &pendingSyncRequest{
			channelId: message.ChannelId,
			version:   message.Version,
		})
		next.Docs[message.DocId] = d
		glog.V(2).Infof("[u]defer sync request doc=%s from=%s pending=%d\n", message.DocId, message.ChannelId, len(d.PendingStorage))
		return next, loadCommand
	}

	respond := &CommandSendSyncResponse{
		ChannelIds:    []Id{message.ChannelId},
		DocId:         message.DocId,
		SinceVersions: []Version{message.Version},
	}
	return next, batchCommands(loadCommand, respond)
}

func updateSyncResponse(model *Model, message *SyncResponseReceived) (*Model, Command) {
	channel, ok := model.Channels[message.ChannelId]
	if !ok || channel.State != ChannelStateEstablished {
		// no document traffic is trusted before the identity handshake
		glog.Infof("[u]drop sync response on non-established channel %s\n", message.ChannelId)
		return model, nil
	}
	docState, ok := model.Docs[message.DocId]
	if !ok {
		// a misbehaving or stale peer is expected input
		glog.Infof("[u]drop sync response for unknown doc %s from %s\n", message.DocId, message.ChannelId)
		return model, nil
	}

	commands := []Command{}
	if message.Transmission != nil && 0 < len(message.Transmission.DocBytes) {
		commands = append(commands, &CommandImport{
			DocId:           message.DocId,
			DocBytes:        message.Transmission.DocBytes,
			SourceChannelId: message.ChannelId,
		})
	}

	if channel.Kind == ChannelKindStorage && docState.PendingStorage[message.ChannelId] {
		next := model.copy()
		d := docState.copy()
		delete(d.PendingStorage, message.ChannelId)
		if !d.StoragePending() {
			// all storage settled. the drained responses are computed at
			// execution time, after the import above, so they reflect the
			// merged state
			commands = append(commands, drainPendingRequests(next, d)...)
		}
		next.Docs[message.DocId] = d
		return next, batchCommands(commands...)
	}

	// network responses, and late storage answers after a timeout, are
	// imported without any pending bookkeeping
	return model, batchCommands(commands...)
}

func updateStorageTimeout(model *Model, message *StorageTimeout) (*Model, Command) {
	docState, ok := model.Docs[message.DocId]
	if !ok || !docState.StoragePending() {
		// already settled. draining again is a no-op by construction
		return model, nil
	}

	glog.Infof("[u]storage wait timeout doc=%s remaining=%d\n", message.DocId, len(docState.PendingStorage))

	next := model.copy()
	d := docState.copy()
	// non-answering storage is treated as "unavailable". a late answer is
	// still imported, just not waited for
	d.PendingStorage = map[Id]bool{}
	commands := drainPendingRequests(next, d)
	next.Docs[message.DocId] = d
	return next, batchCommands(commands...)
}

// answers every deferred request from the settled document state and
// clears the queue. the caller must only invoke this on the transition to
// an empty pending storage set, which makes the drain fire exactly once.
func drainPendingRequests(model *Model, docState *DocState) []Command {
	commands := []Command{}
	if 0 < len(docState.PendingRequests) {
		channelIds := []Id{}
		sinceVersions := []Version{}
		for _, request := range docState.PendingRequests {
			// the requester may have disconnected while waiting
			if channel, ok := model.Channels[request.channelId]; ok && channel.State == ChannelStateEstablished {
				channelIds = append(channelIds, request.channelId)
				sinceVersions = append(sinceVersions, request.version)
			}
		}
		if 0 < len(channelIds) {
			commands = append(commands, &CommandSendSyncResponse{
				ChannelIds:    channelIds,
				DocId:         docState.DocId,
				SinceVersions: sinceVersions,
			})
		}
		docState.PendingRequests = nil
	}
	commands = append(commands, &CommandEmit{
		Event: &Event{
			Name:  EventDocReady,
			DocId: docState.DocId,
		},
	})
	return commands
}

func updateDocRequested(model *Model, message *DocRequested) (*Model, Command) {
	next, _, loadCommand := ensureDocState(model, message.DocId, Id{})
	return next, loadCommand
}

func updateDocDeleteRequested(model *Model, message *DocDeleteRequested) (*Model, Command) {
	if _, ok := model.Docs[message.DocId]; !ok {
		return model, nil
	}
	next := model.copy()
	delete(next.Docs, message.DocId)
	// peer subscriptions are left in place. a later sync request recreates
	// the doc through the normal lazy load
	emit := &CommandEmit{
		Event: &Event{
			Name:  EventDocDeleted,
			DocId: message.DocId,
		},
	}
	return next, emit
}

// returns the model containing a doc state for the doc, creating it lazily
// on first reference. creation consults every established storage channel
// exactly once; storage is never preloaded.
func ensureDocState(model *Model, docId DocId, excludeChannelId Id) (*Model, *DocState, Command) {
	if docState, ok := model.Docs[docId]; ok {
		return model, docState, nil
	}

	next := model.copy()
	docState := &DocState{
		DocId:                docId,
		Doc:                  next.settings.NewDocFunc(docId),
		Ephemeral:            map[string]*EphemeralStore{},
		PendingStorage:       map[Id]bool{},
		LastBroadcastVersion: Version{},
	}
	next.Docs[docId] = docState

	storageChannelIds := []Id{}
	for _, channelId := range next.EstablishedStorageChannelIds() {
		if channelId != excludeChannelId {
			storageChannelIds = append(storageChannelIds, channelId)
		}
	}

	// also ask the established network peers. this subscribes us to their
	// updates. network answers are imported as they arrive and are not
	// part of the storage wait
	networkChannelIds := []Id{}
	for channelId, channel := range next.Channels {
		if channel.Kind == ChannelKindNetwork && channel.State == ChannelStateEstablished {
			networkChannelIds = append(networkChannelIds, channelId)
		}
	}
	slices.SortFunc(networkChannelIds, compareIds)
	var networkRequest Command
	if 0 < len(networkChannelIds) {
		networkRequest = &CommandSend{
			ChannelIds: networkChannelIds,
			Frame: RequireToFrame(&SyncRequest{
				DocId:   docId,
				Version: docState.Doc.CurrentVersion(),
			}),
		}
	}

	if len(storageChannelIds) == 0 {
		// nothing to wait on. the doc starts from the empty engine state
		emit := &CommandEmit{
			Event: &Event{
				Name:  EventDocReady,
				DocId: docId,
			},
		}
		return next, docState, batchCommands(networkRequest, emit)
	}

	// ask every storage backend. any one of them might hold the data, so
	// the wait only settles once all have answered or the timeout fires
	for _, channelId := range storageChannelIds {
		docState.PendingStorage[channelId] = true
	}
	glog.V(2).Infof("[u]load doc=%s storage=%d\n", docId, len(storageChannelIds))

	request := &CommandSend{
		ChannelIds: storageChannelIds,
		Frame: RequireToFrame(&SyncRequest{
			DocId:   docId,
			Version: docState.Doc.CurrentVersion(),
		}),
	}
	timer := &CommandStartTimer{
		DocId: docId,
		After: next.settings.StorageWaitTimeout,
	}
	return next, docState, batchCommands(request, networkRequest, timer)
}

func updateDocChanged(model *Model, message *DocChanged) (*Model, Command) {
	docState, ok := model.Docs[message.DocId]
	if !ok {
		glog.V(2).Infof("[u]drop change for unknown doc %s\n", message.DocId)
		return model, nil
	}

	if docState.StoragePending() {
		// the doc is still assembling from storage: imports from the
		// consulted backends land here one at a time. every subscriber so
		// far is a deferred requester and is answered exactly once at
		// drain, so nothing is broadcast yet. LastBroadcastVersion stays
		// put and the first post-drain broadcast carries everything
		return model, &CommandEmit{
			Event: &Event{
				Name:  EventDocChange,
				DocId: message.DocId,
			},
		}
	}

	channelIds := []Id{}
	for _, channelId := range model.SubscribedNetworkChannelIds(message.DocId) {
		if channelId != message.SourceChannelId {
			channelIds = append(channelIds, channelId)
		}
	}
	// established storage channels persist updates as they happen
	for _, channelId := range model.EstablishedStorageChannelIds() {
		if channelId != message.SourceChannelId {
			channelIds = append(channelIds, channelId)
		}
	}

	since := docState.LastBroadcastVersion
	next := model.copy()
	d := docState.copy()
	d.LastBroadcastVersion = d.Doc.CurrentVersion()
	next.Docs[message.DocId] = d

	commands := []Command{
		&CommandEmit{
			Event: &Event{
				Name:  EventDocChange,
				DocId: message.DocId,
			},
		},
	}
	if 0 < len(channelIds) {
		sinceVersions := make([]Version, len(channelIds))
		for i := range channelIds {
			sinceVersions[i] = since
		}
		commands = append(commands, &CommandSendSyncResponse{
			ChannelIds:    channelIds,
			DocId:         message.DocId,
			SinceVersions: sinceVersions,
		})
	}
	return next, batchCommands(commands...)
}

func updateEphemeralLocalChange(model *Model, message *EphemeralLocalChange) (*Model, Command) {
	next, docState, loadCommand := ensureDocState(model, message.DocId, Id{})
	if next == model {
		next = model.copy()
	}

	d := docState.copy()
	store := d.Ephemeral[message.StoreName]
	if store == nil {
		store = newEphemeralStore()
	} else {
		store = store.copy()
	}
	store.values[next.LocalPeerId] = &ephemeralEntry{
		valueJson:   message.ValueJson,
		clockMillis: message.At.UnixMilli(),
		at:          message.At,
	}
	d.Ephemeral[message.StoreName] = store
	next.Docs[message.DocId] = d

	commands := []Command{
		loadCommand,
		&CommandEmit{
			Event: &Event{
				Name:      EventEphemeralChange,
				DocId:     message.DocId,
				StoreName: message.StoreName,
				PeerId:    next.LocalPeerId,
				ValueJson: message.ValueJson,
			},
		},
	}
	channelIds := next.SubscribedNetworkChannelIds(message.DocId)
	if 0 < len(channelIds) {
		commands = append(commands, &CommandBroadcastEphemeral{
			DocId:      message.DocId,
			StoreName:  message.StoreName,
			PeerId:     next.LocalPeerId,
			ChannelIds: channelIds,
		})
	}
	return next, batchCommands(commands...)
}

func updateEphemeralState(model *Model, message *EphemeralStateReceived) (*Model, Command) {
	channel, ok := model.Channels[message.ChannelId]
	if !ok || channel.State != ChannelStateEstablished {
		glog.Infof("[u]drop ephemeral on non-established channel %s\n", message.ChannelId)
		return model, nil
	}
	if message.PeerId == model.LocalPeerId {
		// echo of our own value
		return model, nil
	}
	docState, ok := model.Docs[message.DocId]
	if !ok {
		glog.V(2).Infof("[u]drop ephemeral for unloaded doc %s\n", message.DocId)
		return model, nil
	}

	d := docState.copy()
	store := d.Ephemeral[message.StoreName]
	if store == nil {
		store = newEphemeralStore()
	} else {
		store = store.copy()
	}
	if existing, ok := store.values[message.PeerId]; ok && message.ClockMillis < existing.clockMillis {
		// stale rebroadcast
		return model, nil
	}
	store.values[message.PeerId] = &ephemeralEntry{
		valueJson:   message.ValueJson,
		clockMillis: message.ClockMillis,
		at:          message.At,
	}
	d.Ephemeral[message.StoreName] = store

	next := model.copy()
	next.Docs[message.DocId] = d

	commands := []Command{
		&CommandEmit{
			Event: &Event{
				Name:      EventEphemeralChange,
				DocId:     message.DocId,
				StoreName: message.StoreName,
				PeerId:    message.PeerId,
				ValueJson: message.ValueJson,
			},
		},
	}
	// relay to the other subscribed peers. best effort; the heartbeat
	// self-heals anything missed
	relayChannelIds := []Id{}
	for _, channelId := range next.SubscribedNetworkChannelIds(message.DocId) {
		if channelId != message.ChannelId {
			relayChannelIds = append(relayChannelIds, channelId)
		}
	}
	if 0 < len(relayChannelIds) {
		commands = append(commands, &CommandBroadcastEphemeral{
			DocId:      message.DocId,
			StoreName:  message.StoreName,
			PeerId:     message.PeerId,
			ChannelIds: relayChannelIds,
		})
	}
	return next, batchCommands(commands...)
}

func updateHeartbeat(model *Model, message *Heartbeat) (*Model, Command) {
	next := model
	commands := []Command{}
	for docId, docState := range model.Docs {
		// prune expired presence entries so they are not rebroadcast
		var d *DocState
		for storeName, store := range docState.Ephemeral {
			expired := []Id{}
			for peerId, entry := range store.values {
				if model.settings.EphemeralTtl < message.At.Sub(entry.at) {
					expired = append(expired, peerId)
				}
			}
			if 0 < len(expired) {
				if next == model {
					next = model.copy()
				}
				if d == nil {
					d = docState.copy()
					next.Docs[docId] = d
				}
				s := d.Ephemeral[storeName].copy()
				for _, peerId := range expired {
					delete(s.values, peerId)
				}
				d.Ephemeral[storeName] = s
			}
		}

		live := docState
		if d != nil {
			live = d
		}
		hasValues := false
		for _, store := range live.Ephemeral {
			if 0 < len(store.values) {
				hasValues = true
				break
			}
		}
		if !hasValues {
			continue
		}
		channelIds := model.SubscribedNetworkChannelIds(docId)
		if 0 < len(channelIds) {
			// periodic full re-announcement is the only convergence
			// guarantee for presence, which carries no causal history
			commands = append(commands, &CommandBroadcastEphemeral{
				DocId:      docId,
				ChannelIds: channelIds,
			})
		}
	}
	return next, batchCommands(commands...)
}
