package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/zipdrop/internal/telemetry"
)

// RenewalSubject is the subject of the message sent when a token is replaced.
const RenewalSubject = "HI-pfs Token Renewed"

// ErrNoRecipient is returned by channels that need an address when none was given.
var ErrNoRecipient = errors.New("notification recipient is not set")

// Message is a channel-agnostic notification.
type Message struct {
	Recipient string
	Subject   string
	Body      string
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// RenewalMessage builds the message announcing a freshly issued token.
func RenewalMessage(recipient, filename, link string) Message {
	return Message{
		Recipient: recipient,
		Subject:   RenewalSubject,
		Body: fmt.Sprintf("Your download token has expired and was renewed.\n\nFile: %s\nLink: %s\n",
			filename, link),
	}
}

// Channel names a notifier for metrics and logs.
type Channel struct {
	Name     string
	Notifier Notifier
}

// Multi fans a message out to every channel. Delivery to one channel does
// not depend on the others.
type Multi struct {
	channels  []Channel
	telemetry *telemetry.Telemetry
}

func NewMulti(tel *telemetry.Telemetry, channels ...Channel) *Multi {
	return &Multi{channels: channels, telemetry: tel}
}

func (m *Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error

	for _, ch := range m.channels {
		err := m.telemetry.InstrumentNotification(ctx, ch.Name, func(ctx context.Context) error {
			return ch.Notifier.Notify(ctx, msg)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
		}
	}

	return errors.Join(errs...)
}

// Len returns the number of configured channels.
func (m *Multi) Len() int {
	return len(m.channels)
}

// Noop drops every message.
type Noop struct{}

func (Noop) Notify(context.Context, Message) error { return nil }
