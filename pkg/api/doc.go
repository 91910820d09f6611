// Package api defines the core types shared by every part of the sitehost
// request/response lifecycle core.
//
// It contains the canonical [Message] a raw request is turned into, the
// registered endpoint description [Site], the outgoing [Body] buffer, the
// [Cookie] type, the error taxonomy, and the contracts between the core and
// its collaborators:
//
//   - [Request] and [ResponseSink]: the Transport, which supplies raw request
//     data and response-writing primitives.
//   - [Handler], [StreamHandler] and [ChannelHandler]: site handlers invoked
//     for ordinary exchanges, event streams and WebSocket channels.
//   - [Responder], [Stream] and [Channel]: the capabilities a site handler
//     is given to answer.
//
// The package performs no I/O of its own.
package api
