// Package kernel owns the live-interpreter connection.
//
// Ownership boundary:
// - connection descriptor loading and endpoint resolution
// - channel transports (real ZMQ, unavailable stub, SSH tunneling)
// - request/reply correlation over the broadcast stream
// - derived remote operations (validate, size, serialize)
//
// The session never mutates the live value; every generated snippet is
// responsible for cleaning up its own temporary bindings.
package kernel
