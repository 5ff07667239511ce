package notifier

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

const smtpTimeout = 30 * time.Second

type sendFunc func(ctx context.Context, m *mail.Msg) error

// SMTPNotifier delivers messages by email. The recipient is parsed into the
// To header and envelope by go-mail, never passed to a shell.
type SMTPNotifier struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	send sendFunc
	now  func() time.Time
}

func NewSMTPNotifier(host string, port int, username, password, from string) *SMTPNotifier {
	s := &SMTPNotifier{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		now:      time.Now,
	}
	s.send = s.dialAndSend

	return s
}

func (s *SMTPNotifier) Notify(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.Recipient) == "" {
		return ErrNoRecipient
	}

	m := mail.NewMsg()

	if err := m.From(s.From); err != nil {
		return fmt.Errorf("invalid sender %q: %w", s.From, err)
	}

	if err := m.To(msg.Recipient); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", msg.Recipient, err)
	}

	m.Subject(msg.Subject)
	m.SetDateWithValue(s.now())
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.send(ctx, m); err != nil {
		return fmt.Errorf("failed to send mail via %s: %w", s.addr(), err)
	}

	return nil
}

func (s *SMTPNotifier) dialAndSend(ctx context.Context, m *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(s.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(smtpTimeout),
	}

	if s.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.Username),
			mail.WithPassword(s.Password),
		)
	}

	client, err := mail.NewClient(s.Host, opts...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}

	return client.DialAndSendWithContext(ctx, m)
}

func (s *SMTPNotifier) addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
