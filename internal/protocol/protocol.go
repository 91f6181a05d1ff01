// Package protocol defines the wire format and error taxonomy shared by the
// canopy client and the version-store server.
//
// Document payloads travel as opaque binary blobs. Responses that carry both
// a state marker and an update (or full snapshot) use a single framing:
//
//	[4-byte big-endian marker length][marker bytes][update bytes]
//
// The current version number always travels out of band in the X-Version
// header, and optimistic-concurrency preconditions in If-Match.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HTTP header names used by the document endpoints.
const (
	HeaderVersion = "X-Version"
	HeaderIfMatch = "If-Match"
)

// Payload is a decoded `[len][marker][update]` response body. Update holds
// either an incremental diff (diff and conflict responses) or a full
// document snapshot (successful PATCH responses).
type Payload struct {
	Marker []byte
	Update []byte
}

// EncodePayload frames a state marker and an update into a single body.
func EncodePayload(marker, update []byte) []byte {
	buf := make([]byte, 4+len(marker)+len(update))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(marker)))
	copy(buf[4:], marker)
	copy(buf[4+len(marker):], update)
	return buf
}

// DecodePayload parses a framed body. A malformed frame is a ProtocolError:
// it means client and server disagree about the wire format, which is a bug,
// not a retryable condition.
func DecodePayload(body []byte) (*Payload, error) {
	if len(body) < 4 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("payload too short: %d bytes", len(body))}
	}
	markerLen := binary.BigEndian.Uint32(body[:4])
	if int(markerLen) > len(body)-4 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("marker length %d exceeds payload size %d", markerLen, len(body))}
	}
	return &Payload{
		Marker: body[4 : 4+markerLen],
		Update: body[4+markerLen:],
	}, nil
}

// ErrNotFound reports an absent file, blob, or purged version. Non-retryable;
// surfaced to the caller.
var ErrNotFound = errors.New("not found")

// NotFound wraps ErrNotFound with a description of what was missing.
func NotFound(what string) error {
	return fmt.Errorf("%s: %w", what, ErrNotFound)
}

// ProtocolError reports undecodable wire data. Fatal: it indicates a
// client/server version mismatch bug rather than a transient condition.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// ConflictError reports a failed version precondition on a document push.
// The server attaches everything the client needs to catch up: its current
// version, state marker, and the diff from the client's stale version.
type ConflictError struct {
	Version int64
	Marker  []byte
	Update  []byte
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version precondition failed, server is at %d", e.Version)
}

// AsConflict checks whether err is a ConflictError and returns it.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
