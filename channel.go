package docmesh

// A Conduit is a bidirectional, ordered, reliable byte-message link to
// exactly one remote party: a network peer or a storage backend. Adapters
// own the outer framing; the coordinator only sees encoded frames and the
// out-of-band removed signal.

type ReceiveFunction func(frameBytes []byte)

type RemovedFunction func()

type Conduit interface {
	// fire and forget. ordering is preserved by the adapter
	Send(frameBytes []byte)
	// set before any frame is delivered. frames must be delivered one at a
	// time, in arrival order
	SetReceiveCallback(receiveCallback ReceiveFunction)
	// fired at most once when the link is gone. terminal
	SetRemovedCallback(removedCallback RemovedFunction)
	Close()
}
