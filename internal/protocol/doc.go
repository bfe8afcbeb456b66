// Package protocol owns the kernel wire contract and parsing primitives.
//
// Ownership boundary:
// - signed multipart message framing (wire)
// - message header/content schemas
// - signature verification entry points
package protocol
