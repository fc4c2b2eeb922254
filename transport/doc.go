// Package transport defines how messages enter and leave the runtime.
//
// A Destination listens on an address and hands each received message to
// its observer, normally an endpoint that runs the inbound chain. A Conduit
// sends messages from the calling side; the back channel of a destination
// is the conduit that carries the response to a received message.
//
// Transports that must acknowledge a delivery register a callback with
// OnComplete; the runtime calls Complete once the message has been fully
// processed, including paused chains resumed on another goroutine.
package transport
