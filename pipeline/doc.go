// Package pipeline turns user intent into an ordered, reconciled
// per-conversation message log with optimistic feedback.
//
// # Overview
//
// A submitted message appears in the log immediately with a fresh local
// ID and pending status; delivery runs asynchronously through the
// connection manager. Acknowledgements and server echoes are reconciled
// into the existing entry rather than appended as duplicates, so the
// local ID stays a stable identity across retries and reconnects.
//
// # Submitting
//
//	pipe := pipeline.New(mgr, scheduler, nil)
//	pipe.OnUpdate(func(msg pipeline.Message) {
//	    render(msg)
//	})
//
//	msg, err := pipe.Submit("conv_17", protocol.Content{
//	    Kind: protocol.KindText,
//	    Text: "Hello!",
//	})
//
// Submit validates the payload synchronously and returns the optimistic
// entry. Everything after that arrives through the update callback.
//
// # Delivery Semantics
//
// Delivery is at-least-once. Connectivity failures never fail a
// message: it stays pending and is flushed, in submission order, when
// the connection comes back. A message fails only on a server rejection
// or an expired acknowledgement wait, and a failed message keeps its
// place in the log with retry and delete affordances.
//
// # Reconciliation
//
// Inbound frames fall into three cases:
//
//   - Ack: the pending entry flips to sent and records its server ID
//   - Echo of our own message: matched by local ID (or server ID) and
//     merged, never appended
//   - Peer message: appended with a fresh local ID, already sent
//
// Deleted entries leave a tombstone so a late echo cannot resurrect
// them. Delivery state, ack timers, and the identity maps are owned by
// the pipeline alone; other components mutate the log only through its
// exported methods.
package pipeline
