// Package protocol defines the JSON frames exchanged over the chat stream socket.
// This package is shared between the voxchat client and the development backend.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType identifies the type of a chat stream frame
type FrameType string

const (
	// Client → Backend
	TypeMessage FrameType = "message" // Chat request

	// Backend → Client
	TypeChunk FrameType = "chunk" // Streamed answer fragment
	TypeError FrameType = "error" // Mid-stream failure
)

// ErrMissingType is returned when a frame has no type discriminator.
var ErrMissingType = errors.New("protocol: frame has no type")

// =============================================================================
// Client → Backend
// =============================================================================

// ChatRequest is the outbound chat frame.
// Optional fields are pointers or nil slices so that zero values are
// distinguishable from "not set" and are omitted from the wire.
type ChatRequest struct {
	Type         FrameType `json:"type"`
	Content      string    `json:"content"`
	SessionID    string    `json:"session_id,omitempty"`
	PersonaID    *int      `json:"persona_id,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	FileIDs      []string  `json:"file_ids,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	MaxTokens    *int      `json:"max_tokens,omitempty"`
}

// =============================================================================
// Backend → Client
// =============================================================================

// Chunk is one fragment of a streamed answer.
// Non-terminal chunks omit MessageID and TokensUsed; the terminal chunk
// (Done) may omit Content.
type Chunk struct {
	Type       FrameType `json:"type"`
	Content    string    `json:"content,omitempty"`
	Done       bool      `json:"done"`
	MessageID  string    `json:"message_id,omitempty"`
	TokensUsed int       `json:"tokens_used,omitempty"`
}

// ErrorFrame reports a backend failure for the current exchange.
type ErrorFrame struct {
	Type  FrameType `json:"type"`
	Error string    `json:"error"`
}

// NewChunk builds a chunk frame.
func NewChunk(content string, done bool) *Chunk {
	return &Chunk{Type: TypeChunk, Content: content, Done: done}
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(msg string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Error: msg}
}

// =============================================================================
// Parsed inbound frames
// =============================================================================

// Frame is an inbound frame whose type has been identified but whose body
// is decoded lazily by the typed accessors.
type Frame struct {
	Type FrameType
	Raw  json.RawMessage
}

// ParseFrame parses a JSON frame from bytes.
// It rejects payloads that are not JSON objects or carry no type.
func ParseFrame(data []byte) (*Frame, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("protocol: parse frame: %w", err)
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return &Frame{Type: head.Type, Raw: raw}, nil
}

// Is reports whether the frame has one of the given types.
func (f *Frame) Is(types ...FrameType) bool {
	for _, t := range types {
		if f.Type == t {
			return true
		}
	}
	return false
}

// Decode unmarshals the whole frame into v.
func (f *Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// Chunk returns the frame as a chunk.
func (f *Frame) Chunk() (*Chunk, error) {
	if f.Type != TypeChunk {
		return nil, fmt.Errorf("protocol: frame type %q is not %q", f.Type, TypeChunk)
	}
	var c Chunk
	if err := f.Decode(&c); err != nil {
		return nil, fmt.Errorf("protocol: decode chunk: %w", err)
	}
	return &c, nil
}

// Err returns the frame as an error frame.
func (f *Frame) Err() (*ErrorFrame, error) {
	if f.Type != TypeError {
		return nil, fmt.Errorf("protocol: frame type %q is not %q", f.Type, TypeError)
	}
	var e ErrorFrame
	if err := f.Decode(&e); err != nil {
		return nil, fmt.Errorf("protocol: decode error frame: %w", err)
	}
	return &e, nil
}

// ChatRequest returns the frame as an outbound chat request.
// Used by the backend side of the socket.
func (f *Frame) ChatRequest() (*ChatRequest, error) {
	if f.Type != TypeMessage {
		return nil, fmt.Errorf("protocol: frame type %q is not %q", f.Type, TypeMessage)
	}
	var r ChatRequest
	if err := f.Decode(&r); err != nil {
		return nil, fmt.Errorf("protocol: decode chat request: %w", err)
	}
	return &r, nil
}
