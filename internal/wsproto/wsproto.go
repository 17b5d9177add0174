// Package wsproto implements the tagged-union decoding of inbound stream
// messages and the shapes of the server's outbound messages.
package wsproto

import (
	"encoding/json"
	"errors"
)

// Sentinel errors, surfaced verbatim as an error frame's "message" field.
var (
	ErrInvalidJSON     = errors.New("invalid_json")
	ErrMissingChunkSeq = errors.New("missing_chunk_seq")
	ErrMissingFrames   = errors.New("missing_frames")
)

// Kind identifies which inbound message variant was decoded.
type Kind int

const (
	KindChunk Kind = iota
	KindEnd
)

// Chunk is the payload of a KindChunk inbound message. Frames is kept as
// raw JSON so the ingestor can silently skip elements that aren't valid
// base64 strings, matching the reference implementation's tolerance for
// malformed list elements.
type Chunk struct {
	ChunkSeq int
	N        *int
	Frames   []json.RawMessage
}

// Inbound is the decoded tagged union: exactly one of KindChunk/KindEnd.
type Inbound struct {
	Kind  Kind
	Chunk Chunk
}

// Decode parses one inbound text frame per the message grammar. Any
// malformed-JSON input yields ErrInvalidJSON; a well-formed object that
// isn't an "end" message and is missing or mis-shaped chunk_seq/frames
// yields ErrMissingChunkSeq/ErrMissingFrames respectively — type=="end"
// is checked before either of those, since an end message carries
// neither field.
func Decode(data []byte) (Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Inbound{}, ErrInvalidJSON
	}

	if typeRaw, ok := fields["type"]; ok {
		var typ string
		if err := json.Unmarshal(typeRaw, &typ); err == nil && typ == "end" {
			return Inbound{Kind: KindEnd}, nil
		}
	}

	seqRaw, ok := fields["chunk_seq"]
	if !ok {
		return Inbound{}, ErrMissingChunkSeq
	}
	var seq int
	if err := json.Unmarshal(seqRaw, &seq); err != nil {
		return Inbound{}, ErrMissingChunkSeq
	}

	framesRaw, ok := fields["frames"]
	if !ok {
		return Inbound{}, ErrMissingFrames
	}
	var frames []json.RawMessage
	if err := json.Unmarshal(framesRaw, &frames); err != nil {
		return Inbound{}, ErrMissingFrames
	}

	var n *int
	if nRaw, ok := fields["n"]; ok {
		var nv int
		if err := json.Unmarshal(nRaw, &nv); err == nil {
			n = &nv
		}
	}

	return Inbound{Kind: KindChunk, Chunk: Chunk{ChunkSeq: seq, N: n, Frames: frames}}, nil
}

// Ack is the server's per-chunk acknowledgement.
type Ack struct {
	Type     string `json:"type"`
	ChunkSeq int    `json:"chunk_seq"`
	Received int    `json:"received"`
}

// NewAck builds an ack echoing chunkSeq with the given received count.
func NewAck(chunkSeq, received int) Ack {
	return Ack{Type: "ack", ChunkSeq: chunkSeq, Received: received}
}

// ErrorFrame is the server's error notification; stays on the stream
// unless the caller also closes the connection.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an error frame with the given wire kind string.
func NewError(kind string) ErrorFrame {
	return ErrorFrame{Type: "error", Message: kind}
}

// Progress is the optional informational message sent while finalizing.
type Progress struct {
	Type  string `json:"type"`
	Stage string `json:"stage"`
}

// NewProgress builds a progress frame for the given stage.
func NewProgress(stage string) Progress {
	return Progress{Type: "progress", Stage: stage}
}
