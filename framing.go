package oraclewire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// frameHeaderSize is the 4-byte big-endian unsigned length prefix.
const frameHeaderSize = 4

// requiredWireFields are the top-level keys every body must carry.
// `request_id` is deliberately not among them: notifications omit it.
var requiredWireFields = [...]string{
	"protocol_version",
	"message_type",
	"timestamp",
	"data",
}

// EncodeFrame serializes env into a self-describing frame: length prefix
// followed by the compact JSON body.
//
// Oversized payloads are rejected here, before any byte reaches the socket,
// so a too-large outgoing message fails loudly instead of corrupting the
// stream.
func EncodeFrame(env *Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameParse, err)
	}

	if len(body) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(body), MaxMessageSize)
	}

	buf := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(body)))
	copy(buf[frameHeaderSize:], body)
	return buf, nil
}

// DecodeFrame reads exactly one frame from r and decodes its body.
//
// A clean peer close (EOF before any prefix byte) surfaces as io.EOF so the
// receive loop can distinguish it from a protocol error. Once a length
// prefix has been committed to, a short read is ErrFrameTruncated. The
// length prefix is checked against MaxMessageSize before the body is read.
func DecodeFrame(r io.Reader) (*Envelope, error) {
	var prefix [frameHeaderSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading length prefix: %w", ErrFrameTruncated, err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: declared %d bytes exceeds %d", ErrFrameTooLarge, length, MaxMessageSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: reading %d-byte body: %w", ErrFrameTruncated, length, err)
	}

	return DecodeBody(body)
}

// DecodeBody parses a frame body into an Envelope. Parse failures and
// missing top-level fields are distinct error classes.
func DecodeBody(body []byte) (*Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameParse, err)
	}

	for _, field := range requiredWireFields {
		if _, ok := probe[field]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrFrameMissingField, field)
		}
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameParse, err)
	}
	return &env, nil
}
