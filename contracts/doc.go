// Package contracts defines the wire contracts shared by every food-saga service.
//
// The package contains:
//   - Envelope: the versioned wrapper carried by every broker message
//   - Routing keys and payload types for each event in the order flow
//   - Cancellation and refund reasons
//   - The error taxonomy used by commands and consumers
//
// Nothing in here depends on a transport; encoding is plain JSON.
package contracts
