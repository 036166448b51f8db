// Package oraclewire is the transport and correlation layer that lets a
// turn-based game engine delegate individual decision points to an external
// *decision oracle* process over TCP.
//
// The oracle may be slow, unreachable, or buggy, so the engine can never
// afford an unbounded wait. Everything in this package is built around that
// constraint:
//
//   - `Envelope` is the canonical protocol message. On the wire it is a
//     4-byte big-endian length prefix followed by compact JSON, capped at
//     100 KiB in both directions.
//   - `Validate` decides whether a decoded `Envelope` is structurally and
//     semantically sound, keyed off its kind and `data.type`. Invalid
//     messages are reported and dropped, never delivered as data.
//   - `Correlator` builds well-formed envelopes for every protocol
//     operation, mints correlation ids, and keeps advisory timeout
//     bookkeeping for outstanding requests.
//   - `Client` owns one TCP connection: a single background receive loop,
//     lock-serialized writes, callback delivery, and a synchronous
//     request/response helper with a caller-supplied deadline.
//
// ## How it works
//
// Create a `Client`, customise it with `Option`s, then `Client.Connect`.
// The oracle greets us with a `welcome` notification which arrives through
// the normal callback path; from there the engine typically calls
// `Client.RequestAction` at each decision point and falls back to a local
// heuristic whenever this layer reports a timeout, an I/O failure, or an
// oracle-side error.
//
// ## Design Principles
//
// The protocol assumes a trusted localhost/LAN channel: there is no
// authentication or encryption, no multi-hop routing, and no version
// negotiation beyond an exact protocol-version match. Correlation ids, not
// arrival order, pair a response with its request, so back-to-back requests
// may be answered in any order.
//
// Every call path that can block is bounded: `Connect` by a dial timeout,
// `Request` by the caller's deadline, and the receive loop by a socket read
// timeout so shutdown is always noticed. Callbacks run on the receive
// loop's goroutine; callers needing engine-thread affinity must hop threads
// themselves.
package oraclewire
