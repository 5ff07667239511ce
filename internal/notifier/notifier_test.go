package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
)

func TestRenewalMessage(t *testing.T) {
	msg := RenewalMessage("ops@example.com", "demo_20240101-000000.zip", "https://node:8082/download?token=abc")

	assert.Equal(t, "ops@example.com", msg.Recipient)
	assert.Equal(t, RenewalSubject, msg.Subject)
	assert.Contains(t, msg.Body, "File: demo_20240101-000000.zip\n")
	assert.Contains(t, msg.Body, "Link: https://node:8082/download?token=abc\n")
}

func TestSMTPNotifier(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	newNotifier := func(got **mail.Msg, sendErr error) *SMTPNotifier {
		n := NewSMTPNotifier("mail.example.com", 587, "user", "secret", "zipdrop <noreply@example.com>")
		n.now = func() time.Time { return now }
		n.send = func(_ context.Context, m *mail.Msg) error {
			*got = m
			return sendErr
		}

		return n
	}

	t.Run("sends to the recipient", func(t *testing.T) {
		var got *mail.Msg
		n := newNotifier(&got, nil)

		err := n.Notify(context.Background(), RenewalMessage("ops@example.com", "a.zip", "http://x/download?token=t"))
		require.NoError(t, err)
		require.NotNil(t, got)

		from, err := got.GetSender(false)
		require.NoError(t, err)
		assert.Equal(t, "noreply@example.com", from)

		rcpts, err := got.GetRecipients()
		require.NoError(t, err)
		assert.Equal(t, []string{"ops@example.com"}, rcpts)

		assert.Equal(t, []string{RenewalSubject}, got.GetGenHeader(mail.HeaderSubject))
		assert.Equal(t, []string{now.Format(time.RFC1123Z)}, got.GetGenHeader(mail.HeaderDate))
		assert.NotEmpty(t, got.GetGenHeader(mail.HeaderMessageID))

		parts := got.GetParts()
		require.Len(t, parts, 1)
		body, err := parts[0].GetContent()
		require.NoError(t, err)
		assert.Contains(t, string(body), "File: a.zip\nLink: http://x/download?token=t\n")
	})

	t.Run("rejects header injection", func(t *testing.T) {
		var got *mail.Msg
		n := newNotifier(&got, nil)

		err := n.Notify(context.Background(), Message{Recipient: "a@example.com\r\nBcc: evil@example.com", Subject: "s"})
		require.Error(t, err)
		assert.Nil(t, got)
	})

	t.Run("requires a recipient", func(t *testing.T) {
		var got *mail.Msg
		n := newNotifier(&got, nil)

		err := n.Notify(context.Background(), Message{Subject: "s"})
		require.ErrorIs(t, err, ErrNoRecipient)
	})

	t.Run("wraps send errors", func(t *testing.T) {
		var got *mail.Msg
		sendErr := errors.New("connection refused")
		n := newNotifier(&got, sendErr)

		err := n.Notify(context.Background(), Message{Recipient: "ops@example.com", Subject: "s"})
		require.ErrorIs(t, err, sendErr)
		assert.ErrorContains(t, err, "mail.example.com:587")
	})

	t.Run("canceled context sends nothing", func(t *testing.T) {
		var got *mail.Msg
		n := newNotifier(&got, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := n.Notify(ctx, Message{Recipient: "ops@example.com", Subject: "s"})
		require.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, got)
	})
}

func TestDiscordNotifier(t *testing.T) {
	t.Run("posts the message content", func(t *testing.T) {
		var payload map[string]string

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		err := NewDiscordNotifier(srv.URL).Notify(context.Background(), RenewalMessage("", "a.zip", "http://x"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(payload["content"], "**HI-pfs Token Renewed**\n"))
		assert.Contains(t, payload["content"], "File: a.zip")
	})

	t.Run("non 2xx is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		err := NewDiscordNotifier(srv.URL).Notify(context.Background(), Message{Subject: "s"})
		require.ErrorContains(t, err, "status 429")
	})

	t.Run("missing webhook", func(t *testing.T) {
		err := NewDiscordNotifier("").Notify(context.Background(), Message{})
		require.Error(t, err)
	})
}

type fakeNotifier struct {
	got []Message
	err error
}

func (f *fakeNotifier) Notify(_ context.Context, msg Message) error {
	f.got = append(f.got, msg)
	return f.err
}

func TestMulti(t *testing.T) {
	ok := &fakeNotifier{}
	failing := &fakeNotifier{err: errors.New("boom")}

	m := NewMulti(nil, Channel{Name: "smtp", Notifier: failing}, Channel{Name: "discord", Notifier: ok})
	assert.Equal(t, 2, m.Len())

	err := m.Notify(context.Background(), Message{Subject: "s"})
	require.ErrorContains(t, err, "smtp: boom")

	assert.Len(t, failing.got, 1)
	assert.Len(t, ok.got, 1, "a failing channel must not stop the others")

	require.NoError(t, NewMulti(nil).Notify(context.Background(), Message{}))
	require.NoError(t, Noop{}.Notify(context.Background(), Message{}))
}
