// Package rpc implements request/reply between relay services over an
// asynchronous bus.
//
// A Client publishes a Request to the target's queue and waits for the Reply
// carrying the same correlation id, bounded by a hard deadline. A Server
// consumes its queue as a competing consumer and answers each request once.
// Broadcast commands are fire-and-forget and reach every instance of a service.
//
// Timeouts and remote failures are distinct outcomes (ErrTimeout vs *RemoteError)
// and neither is retried here; callers decide whether to retry or degrade.
package rpc
