// Package notify defines the outbound notification port used by the core
// after lifecycle transitions commit.
package notify

import "context"

// MessageRef identifies a delivered message so later transitions can edit
// or reply to it.
type MessageRef struct {
	ChatID    int64
	MessageID int64
}

// Button is one inline action attached to a card.
type Button struct {
	Label string
	Data  string
}

// Card is a rendered notification. Text is already escaped for the target
// transport; Buttons become a single-row inline keyboard.
type Card struct {
	Text    string
	Buttons []Button
}

// Notifier delivers cards and plain texts. Implementations own rate limiting
// and per-call timeouts; callers treat every method as blocking and every
// failure as non-fatal.
type Notifier interface {
	PostToChannel(ctx context.Context, channelID int64, card Card) (MessageRef, error)
	EditCard(ctx context.Context, ref MessageRef, card Card) error
	PostReply(ctx context.Context, ref MessageRef, text string) (MessageRef, error)
	SendPrivateText(ctx context.Context, chatID int64, text string) error
}

// Noop discards every message. Used when no bot token is configured.
type Noop struct{}

func (Noop) PostToChannel(context.Context, int64, Card) (MessageRef, error) {
	return MessageRef{}, nil
}

func (Noop) EditCard(context.Context, MessageRef, Card) error { return nil }

func (Noop) PostReply(context.Context, MessageRef, string) (MessageRef, error) {
	return MessageRef{}, nil
}

func (Noop) SendPrivateText(context.Context, int64, string) error { return nil }
