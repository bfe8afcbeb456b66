package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DelimiterToken separates routing identities from the signed message body.
// Routing frame count varies per transport hop, so parsers scan for the exact
// token instead of assuming a fixed offset.
const DelimiterToken = "<IDS|MSG>"

// SchemeHMACSHA256 is the only signature scheme the codec accepts for signed
// sessions. SchemeNone disables signing and is valid only with an empty key.
const (
	SchemeHMACSHA256 = "hmac-sha256"
	SchemeNone       = "none"
)

var (
	ErrUnknownScheme = errors.New("wire: unknown signature scheme")
	ErrNoDelimiter   = errors.New("wire: delimiter frame not found")
	ErrTruncated     = errors.New("wire: too few frames after delimiter")
	ErrBadSignature  = errors.New("wire: signature mismatch")
)

// Codec builds and parses the signed multipart message format.
type Codec struct {
	key    []byte
	scheme string
}

// NewCodec binds a codec to the session signing key. An empty key selects
// unsigned mode regardless of scheme text; a non-empty key requires
// hmac-sha256.
func NewCodec(key, scheme string) (*Codec, error) {
	scheme = strings.TrimSpace(scheme)
	if key == "" {
		return &Codec{scheme: SchemeNone}, nil
	}
	if scheme != SchemeHMACSHA256 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	return &Codec{key: []byte(key), scheme: scheme}, nil
}

// Signed reports whether the codec verifies and produces signatures.
func (c *Codec) Signed() bool {
	return len(c.key) > 0
}

// Encode serializes one message into wire frames: routing identities, the
// delimiter, a signature over the four JSON segments, the segments, then any
// binary buffers.
func (c *Codec) Encode(identities [][]byte, msg Message) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal header: %w", err)
	}
	parent := []byte("{}")
	if !msg.ParentHeader.IsZero() {
		parent, err = json.Marshal(msg.ParentHeader)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal parent header: %w", err)
		}
	}
	metadata := []byte("{}")
	if msg.Metadata != nil {
		metadata, err = json.Marshal(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal metadata: %w", err)
		}
	}
	content := []byte("{}")
	if len(msg.Content) > 0 {
		content = msg.Content
	}

	frames := make([][]byte, 0, len(identities)+6+len(msg.Buffers))
	frames = append(frames, identities...)
	frames = append(frames, []byte(DelimiterToken))
	frames = append(frames, []byte(c.sign(header, parent, metadata, content)))
	frames = append(frames, header, parent, metadata, content)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// Decode parses inbound wire frames. The signature is recomputed and verified
// before any header or content field is trusted; mismatches are rejected as
// malformed.
func (c *Codec) Decode(frames [][]byte) (Message, error) {
	delim := -1
	for i, f := range frames {
		if string(f) == DelimiterToken {
			delim = i
			break
		}
	}
	if delim < 0 {
		return Message{}, ErrNoDelimiter
	}
	if len(frames) < delim+6 {
		return Message{}, fmt.Errorf("%w: have %d", ErrTruncated, len(frames)-delim-1)
	}

	signature := frames[delim+1]
	header := frames[delim+2]
	parent := frames[delim+3]
	metadata := frames[delim+4]
	content := frames[delim+5]

	if c.Signed() {
		want := c.sign(header, parent, metadata, content)
		if !hmac.Equal([]byte(want), signature) {
			return Message{}, ErrBadSignature
		}
	}

	var msg Message
	if err := json.Unmarshal(header, &msg.Header); err != nil {
		return Message{}, fmt.Errorf("wire: parse header: %w", err)
	}
	if err := json.Unmarshal(parent, &msg.ParentHeader); err != nil {
		return Message{}, fmt.Errorf("wire: parse parent header: %w", err)
	}
	if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
		return Message{}, fmt.Errorf("wire: parse metadata: %w", err)
	}
	msg.Content = append(json.RawMessage(nil), content...)
	if extra := len(frames) - (delim + 6); extra > 0 {
		msg.Buffers = make([][]byte, 0, extra)
		for _, buf := range frames[delim+6:] {
			msg.Buffers = append(msg.Buffers, append([]byte(nil), buf...))
		}
	}
	return msg, nil
}

// sign computes the hex HMAC over the concatenated JSON segments. Unsigned
// sessions produce an empty signature frame.
func (c *Codec) sign(segments ...[]byte) string {
	if !c.Signed() {
		return ""
	}
	mac := hmac.New(sha256.New, c.key)
	for _, seg := range segments {
		mac.Write(seg)
	}
	return hex.EncodeToString(mac.Sum(nil))
}
