package protocol

import (
	"encoding/json"
	"fmt"
)

// addBlockWire is the add_block data payload.
type addBlockWire struct {
	BlockID   string          `json:"block_id"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	RequestID *string         `json:"request_id"`
}

// updateBlockWire is the update_block data payload.
type updateBlockWire struct {
	BlockID string          `json:"block_id"`
	Content json.RawMessage `json:"content"`
}

// sessionEndedWire is the session_ended data payload.
type sessionEndedWire struct {
	Reason string `json:"reason"`
}

// MarshalEvent renders an event as a single-line JSON object suitable for an
// SSE data field.
func MarshalEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case AddBlock:
		content, err := json.Marshal(e.Content)
		if err != nil {
			return nil, fmt.Errorf("marshal block content: %w", err)
		}
		var reqID *string
		if e.RequestID != "" {
			reqID = &e.RequestID
		}
		return json.Marshal(addBlockWire{
			BlockID:   e.BlockID,
			Type:      e.Content.BlockType(),
			Content:   content,
			RequestID: reqID,
		})
	case UpdateBlock:
		content, err := json.Marshal(e.Content)
		if err != nil {
			return nil, fmt.Errorf("marshal block content: %w", err)
		}
		return json.Marshal(updateBlockWire{BlockID: e.BlockID, Content: content})
	case ClearAll:
		return []byte("{}"), nil
	}
	return nil, fmt.Errorf("unknown event type %T", ev)
}

// MarshalSessionEnded renders the session_ended data payload.
func MarshalSessionEnded(reason string) []byte {
	b, _ := json.Marshal(sessionEndedWire{Reason: reason})
	return b
}

// UnmarshalContent decodes a content payload given its block type tag.
func UnmarshalContent(blockType string, data []byte) (BlockContent, error) {
	var (
		c   BlockContent
		err error
	)
	switch blockType {
	case BlockUser:
		var v UserContent
		err = json.Unmarshal(data, &v)
		c = v
	case BlockAssistant:
		var v AssistantContent
		err = json.Unmarshal(data, &v)
		c = v
	case BlockToolCall:
		var v ToolCallContent
		err = json.Unmarshal(data, &v)
		c = v
	case BlockQuestion:
		var v QuestionContent
		err = json.Unmarshal(data, &v)
		c = v
	case BlockThinking:
		var v ThinkingContent
		err = json.Unmarshal(data, &v)
		c = v
	case BlockDuration:
		var v DurationContent
		err = json.Unmarshal(data, &v)
		c = v
	case BlockSystem:
		var v SystemContent
		err = json.Unmarshal(data, &v)
		c = v
	default:
		return nil, fmt.Errorf("unknown block type %q", blockType)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
