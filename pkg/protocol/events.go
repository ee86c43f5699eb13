// Package protocol defines the block-event algebra shared by the session
// pipeline, the SSE surface, and the messaging publishers.
package protocol

import "github.com/google/uuid"

// SSE event names pushed from server to client.
const (
	EventAddBlock     = "add_block"
	EventUpdateBlock  = "update_block"
	EventClearAll     = "clear_all"
	EventSessionEnded = "session_ended"
)

// Session-ended reasons (payload.reason).
const (
	EndReasonFileDeleted = "file_deleted"
	EndReasonDetached    = "detached"
	EndReasonShutdown    = "shutdown"
)

// Event is the closed union of pipeline events. Exactly three concrete
// types implement it: AddBlock, UpdateBlock and ClearAll.
type Event interface {
	EventName() string
}

// AddBlock introduces a new block with a fresh identity.
type AddBlock struct {
	BlockID   string       `json:"block_id"`
	Content   BlockContent `json:"content"`
	RequestID string       `json:"request_id,omitempty"`
}

// UpdateBlock replaces the content of an existing block. The target id must
// refer to a block added since the last ClearAll.
type UpdateBlock struct {
	BlockID string       `json:"block_id"`
	Content BlockContent `json:"content"`
}

// ClearAll drops every block. Emitted on a compaction boundary.
type ClearAll struct{}

func (AddBlock) EventName() string    { return EventAddBlock }
func (UpdateBlock) EventName() string { return EventUpdateBlock }
func (ClearAll) EventName() string    { return EventClearAll }

// NewBlockID returns an opaque random 128-bit block identifier.
func NewBlockID() string {
	return uuid.NewString()
}
