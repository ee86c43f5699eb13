// Package channels defines the publisher contract the messaging pipeline
// speaks and the helpers shared by the platform adapters. Publishers are the
// only place platform SDKs touch the core.
package channels

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/sessionrelay/internal/destinations"
	"github.com/nextlevelbuilder/sessionrelay/internal/messaging"
)

var (
	// ErrAuth means credential validation failed against the platform.
	ErrAuth = errors.New("credential validation failed")
	// ErrMessageNotFound means the platform no longer knows the message;
	// the caller forgets the id and moves on.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNoPublisher means no publisher is configured for the requested
	// destination kind (missing bot token).
	ErrNoPublisher = errors.New("no publisher configured for destination kind")
)

// Publisher is the semantic adapter for one platform.
type Publisher interface {
	// Kind returns the destination kind this publisher serves.
	Kind() string
	// Validate performs the platform identity check.
	Validate(ctx context.Context) error
	// Send posts a new message and returns its platform message id.
	Send(ctx context.Context, dest destinations.Destination, content messaging.Content) (string, error)
	// Edit replaces an existing message. "not modified" responses are
	// success; a vanished message surfaces as ErrMessageNotFound.
	Edit(ctx context.Context, dest destinations.Destination, messageID string, content messaging.Content) error
	// Close releases platform resources.
	Close() error
}

// SendWithRetry sends with a single retry. A destination that keeps failing
// is logged and skipped so the pipeline never stalls on it.
func SendWithRetry(ctx context.Context, p Publisher, dest destinations.Destination, content messaging.Content) (string, bool) {
	id, err := p.Send(ctx, dest, content)
	if err == nil {
		return id, true
	}
	slog.Debug("send failed, retrying once", "kind", p.Kind(), "destination", dest.Identifier(), "error", err)
	id, err = p.Send(ctx, dest, content)
	if err != nil {
		slog.Warn("send failed, skipping destination", "kind", p.Kind(), "destination", dest.Identifier(), "error", err)
		return "", false
	}
	return id, true
}

// EditWithRetry edits with a single retry. ErrMessageNotFound is reported to
// the caller without retrying so it can forget the stale id.
func EditWithRetry(ctx context.Context, p Publisher, dest destinations.Destination, messageID string, content messaging.Content) error {
	err := p.Edit(ctx, dest, messageID, content)
	if err == nil || errors.Is(err, ErrMessageNotFound) {
		return err
	}
	slog.Debug("edit failed, retrying once", "kind", p.Kind(), "destination", dest.Identifier(), "error", err)
	err = p.Edit(ctx, dest, messageID, content)
	if err != nil && !errors.Is(err, ErrMessageNotFound) {
		slog.Warn("edit failed, skipping", "kind", p.Kind(), "destination", dest.Identifier(), "error", err)
		return nil
	}
	return err
}
