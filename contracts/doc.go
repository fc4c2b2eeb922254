// Package contracts provides the core types shared by every part of the runtime.
//
// This package defines:
//   - Message: one in-flight request or response with headers, body, typed content and properties
//   - Exchange: the call-scoped object correlating the messages of one call
//   - Interceptor: a unit of processing bound to a phase
//   - InterceptorChain: the view of a running chain available to interceptors
//   - InterceptorProvider: an owner of in, out, in-fault and out-fault interceptor lists
//   - Fault and ConfigurationError: the processing and configuration error types
//
// Typed content is keyed by Go type:
//
//	contracts.SetContent(msg, order)
//	order, ok := contracts.ContentOf[*Order](msg)
package contracts
