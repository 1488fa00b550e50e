// Package wire implements the websocket message envelopes exchanged with
// remote workers and forwarded across the cluster bus.
//
// Every message is a single binary websocket frame containing one
// msgpack-encoded envelope, discriminated by its type field.
package wire

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/imagewire/pacsbridge/types"
)

// Message size constants.
const (
	// MaxMessageSize is the maximum websocket message size (16 MiB).
	MaxMessageSize = 16 * 1024 * 1024
	// MaxChunkSize is the maximum chunk data size (8 MiB raw bytes).
	MaxChunkSize = 8 * 1024 * 1024
	// UploadChunkSize is the fixed chunk size for stow uploads (512 KiB).
	UploadChunkSize = 512 * 1024
)

// Type discriminants.
const (
	// CallType tags a call envelope (gateway to worker).
	CallType = "call"
	// ReplyType tags a reply envelope (worker to gateway).
	ReplyType = "reply"
	// ChunkType tags a binary chunk frame (either direction).
	ChunkType = "chunk"
)

// CallFrame is the call envelope sent to a worker.
// A fresh correlation id is assigned per attempt, so retries never
// collide with a late reply to an earlier attempt.
type CallFrame struct {
	Type          string            `msgpack:"type"`
	CorrelationID string            `msgpack:"correlation_id"`
	Kind          types.CallKind    `msgpack:"kind"`
	Level         types.QueryLevel  `msgpack:"level,omitempty"`
	Query         map[string]string `msgpack:"query,omitempty"`
	// ContentType is set for stow calls; the body follows as chunk
	// frames tagged with the same correlation id.
	ContentType string `msgpack:"content_type,omitempty"`
	// Attempt is 1-based and carried for worker-side logging only.
	Attempt int `msgpack:"attempt"`
}

// ReplyFrame is the reply envelope received from a worker.
type ReplyFrame struct {
	Type          string `msgpack:"type"`
	CorrelationID string `msgpack:"correlation_id"`
	Success       bool   `msgpack:"success"`
	// Data is the inline payload for metadata replies.
	Data any `msgpack:"data,omitempty"`
	// ContentType is the declared content type for binary replies.
	ContentType string `msgpack:"content_type,omitempty"`
	// Stream signals that the binary payload follows as chunk frames
	// rather than being carried inline.
	Stream bool `msgpack:"stream,omitempty"`
	// Error is the worker-side failure reason when Success is false.
	Error string `msgpack:"error,omitempty"`
}

// ChunkFrame carries one slice of a chunked binary transfer.
type ChunkFrame struct {
	Type          string `msgpack:"type"`
	CorrelationID string `msgpack:"correlation_id"`
	// Seq is 1-based and monotonic within one transfer.
	Seq    int64  `msgpack:"seq"`
	IsLast bool   `msgpack:"is_last"`
	Data   []byte `msgpack:"data"`
}

// ErrorKind classifies wire decoding errors.
type ErrorKind int

const (
	// ErrorDecode indicates a msgpack decoding failure.
	ErrorDecode ErrorKind = iota
	// ErrorTooLarge indicates a message or chunk exceeding its size cap.
	ErrorTooLarge
	// ErrorUnknownType indicates an unrecognized type discriminant.
	ErrorUnknownType
)

// Error represents a wire encoding or decoding error.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal returns true if this error should tear down the connection.
// Oversized messages are fatal; a single undecodable message is not.
func (e *Error) IsFatal() bool {
	return e.Kind == ErrorTooLarge
}

// IsFatalWireError returns true if the error is a fatal wire error.
func IsFatalWireError(err error) bool {
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr.IsFatal()
	}
	return false
}

// typeProbe peeks at the type field without a full decode.
type typeProbe struct {
	Type string `msgpack:"type"`
}

// EncodeCall encodes a call envelope.
func EncodeCall(frame *CallFrame) ([]byte, error) {
	frame.Type = CallType
	return encode(frame, "call")
}

// EncodeReply encodes a reply envelope.
func EncodeReply(frame *ReplyFrame) ([]byte, error) {
	frame.Type = ReplyType
	return encode(frame, "reply")
}

// EncodeChunk encodes a chunk frame, enforcing the chunk size cap.
func EncodeChunk(frame *ChunkFrame) ([]byte, error) {
	if len(frame.Data) > MaxChunkSize {
		return nil, &Error{
			Kind: ErrorTooLarge,
			Msg:  fmt.Sprintf("chunk size %d exceeds maximum %d", len(frame.Data), MaxChunkSize),
		}
	}
	frame.Type = ChunkType
	return encode(frame, "chunk")
}

func encode(v any, what string) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, &Error{Kind: ErrorDecode, Msg: "failed to encode " + what, Err: err}
	}
	if len(payload) > MaxMessageSize {
		return nil, &Error{
			Kind: ErrorTooLarge,
			Msg:  fmt.Sprintf("%s message size %d exceeds maximum %d", what, len(payload), MaxMessageSize),
		}
	}
	return payload, nil
}

// Decode decodes a message and returns a *CallFrame, *ReplyFrame or
// *ChunkFrame depending on the type discriminant.
func Decode(payload []byte) (any, error) {
	if len(payload) > MaxMessageSize {
		return nil, &Error{
			Kind: ErrorTooLarge,
			Msg:  fmt.Sprintf("message size %d exceeds maximum %d", len(payload), MaxMessageSize),
		}
	}

	var probe typeProbe
	if err := msgpack.Unmarshal(payload, &probe); err != nil {
		return nil, &Error{Kind: ErrorDecode, Msg: "failed to decode message type", Err: err}
	}

	switch probe.Type {
	case CallType:
		return DecodeCall(payload)
	case ReplyType:
		return DecodeReply(payload)
	case ChunkType:
		return DecodeChunk(payload)
	default:
		return nil, &Error{
			Kind: ErrorUnknownType,
			Msg:  fmt.Sprintf("unknown message type %q", probe.Type),
		}
	}
}

// DecodeCall decodes a payload as a call envelope.
func DecodeCall(payload []byte) (*CallFrame, error) {
	var frame CallFrame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return nil, &Error{Kind: ErrorDecode, Msg: "failed to decode call envelope", Err: err}
	}
	return &frame, nil
}

// DecodeReply decodes a payload as a reply envelope.
func DecodeReply(payload []byte) (*ReplyFrame, error) {
	var frame ReplyFrame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return nil, &Error{Kind: ErrorDecode, Msg: "failed to decode reply envelope", Err: err}
	}
	return &frame, nil
}

// DecodeChunk decodes a payload as a chunk frame.
func DecodeChunk(payload []byte) (*ChunkFrame, error) {
	var frame ChunkFrame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return nil, &Error{Kind: ErrorDecode, Msg: "failed to decode chunk frame", Err: err}
	}
	return &frame, nil
}
