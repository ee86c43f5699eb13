// Package destinations tracks which messaging targets are attached to each
// session and drives session start/stop through a keep-alive window.
package destinations

import (
	"errors"
	"fmt"
	"strconv"
)

// Destination kinds.
const (
	KindTelegram = "telegram"
	KindSlack    = "slack"
)

// Thread id 1 addresses the Telegram "General" topic, which the API reaches
// with a null thread instead.
const telegramGeneralTopicID = 1

var (
	ErrInvalidDestination = errors.New("invalid destination")
	ErrReservedThread     = errors.New("thread_id 1 is reserved for the General topic; omit thread_id instead")
	ErrNotAttached        = errors.New("destination not attached")
)

// Destination is one messaging target. Telegram uses ChatID plus an optional
// forum ThreadID; Slack uses Channel.
type Destination struct {
	Kind     string `json:"kind"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// Validate checks kind-specific identifier shape.
func (d Destination) Validate() error {
	switch d.Kind {
	case KindTelegram:
		if d.ChatID == 0 {
			return fmt.Errorf("%w: telegram chat_id required", ErrInvalidDestination)
		}
		if d.ThreadID == telegramGeneralTopicID {
			return ErrReservedThread
		}
		if d.ThreadID < 0 {
			return fmt.Errorf("%w: negative thread_id", ErrInvalidDestination)
		}
	case KindSlack:
		if d.Channel == "" {
			return fmt.Errorf("%w: slack channel required", ErrInvalidDestination)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDestination, d.Kind)
	}
	return nil
}

// Identifier returns the platform-specific identity string. Detach matches
// on the full identifier, thread included.
func (d Destination) Identifier() string {
	if d.Kind == KindTelegram {
		id := strconv.FormatInt(d.ChatID, 10)
		if d.ThreadID != 0 {
			id += ":" + strconv.Itoa(d.ThreadID)
		}
		return id
	}
	return d.Channel
}

// Key is the fully qualified identity including kind, used for message-state
// and debounce maps.
func (d Destination) Key() string {
	return d.Kind + ":" + d.Identifier()
}
