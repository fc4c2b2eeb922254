// Package local provides an in-process transport.
//
// Addresses have the form local://name. Messages are copied on send, so
// sender and receiver never share a *contracts.Message, and each delivery is
// processed on its own goroutine.
package local
