// Package messaging groups block events into turn-based messages per
// destination and coalesces rapid edits before they reach a platform.
package messaging

import "github.com/nextlevelbuilder/sessionrelay/pkg/protocol"

// Message kinds, carried through to the publishers for platform-specific
// framing.
const (
	KindUser       = "user"
	KindTurn       = "turn"
	KindSystem     = "system"
	KindQuestion   = "question"
	KindCompaction = "compaction_notice"
)

// Content is the platform-neutral body of one outgoing message.
type Content struct {
	Kind string
	// Text is the rendered body.
	Text string
	// Question is set for kind=question so publishers can build buttons.
	Question *protocol.QuestionContent
	// RemoveKeyboard asks the publisher to drop buttons on edit, used when
	// a question is answered.
	RemoveKeyboard bool
}

// Action tells the dispatcher what to do for one event.
type Action struct {
	// MessageKey identifies the logical message (turn id or question id)
	// for platform-message-id bookkeeping.
	MessageKey string
	// ForceNew always sends a fresh message; otherwise the dispatcher
	// edits when it has a recorded platform id and sends when it does not.
	ForceNew bool
	Content  Content
}
