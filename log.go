package docmesh

// Logging convention in the `docmesh` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - protocol violations (dropped frames, unknown channels)
//     - storage wait timeouts
//     - abnormal exits
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// Debug (glog.V(2)):
//     key events for trace debugging
//     this includes:
//     - handshake and sync transitions, tagged with channel/peer/doc ids
//     - frequent events - e.g. send, receive, import, broadcast
//
// Tags used in this package:
//     [u]  update state machine
//     [x]  command executor
//     [t]  network transport
//     [s]  storage adapters
