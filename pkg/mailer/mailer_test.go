package mailer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailbridge/pkg/attachments"
	"mailbridge/pkg/config"
	"mailbridge/pkg/mailbox"
)

type fakeTransport struct {
	name  string
	err   error
	calls int
	raw   []byte
	to    []string
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Send(_ context.Context, _ string, to []string, raw []byte) error {
	f.calls++
	f.to = to
	f.raw = raw
	return f.err
}

func TestComposeRoundTripsThroughParser(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n"), 0o644))

	raw, err := Compose(Message{
		From:    "bridge@example.com",
		To:      "reader@example.com",
		Subject: "(Рассылка) Новости",
		Body:    "Привет\n------------------------\nfooter",
		Files:   []attachments.File{{Path: path, Name: "report.pdf"}},
	}, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	msg, err := mailbox.Parse(raw)
	require.NoError(t, err)
	require.Contains(t, msg.From, "bridge@example.com")
	require.Equal(t, "(Рассылка) Новости", msg.Subject)
	require.Contains(t, msg.Text, "Привет")
	require.Len(t, msg.Attachments, 1)
	require.Equal(t, "report.pdf", msg.Attachments[0].Name)
	require.Equal(t, []byte("%PDF-1.4\n"), msg.Attachments[0].Data)
}

func TestComposeMissingAttachment(t *testing.T) {
	_, err := Compose(Message{
		From:  "bridge@example.com",
		To:    "reader@example.com",
		Files: []attachments.File{{Path: filepath.Join(t.TempDir(), "gone"), Name: "gone"}},
	}, time.Now())
	require.Error(t, err)
}

func TestSenderFallsBackToNextTransport(t *testing.T) {
	first := &fakeTransport{name: "smtp", err: errors.New("connection refused")}
	second := &fakeTransport{name: "mailbox"}

	sender := NewSender("bridge@example.com", nil, first, second)
	require.NoError(t, sender.Send(context.Background(), "reader@example.com", "subject", "body", nil))

	require.Equal(t, 1, first.calls)
	require.Equal(t, 1, second.calls)
	require.Equal(t, []string{"reader@example.com"}, second.to)
	require.NotEmpty(t, second.raw)
}

func TestSenderStopsAtFirstSuccess(t *testing.T) {
	first := &fakeTransport{name: "smtp"}
	second := &fakeTransport{name: "mailbox"}

	sender := NewSender("bridge@example.com", nil, first, second)
	require.NoError(t, sender.Send(context.Background(), "reader@example.com", "subject", "body", nil))
	require.Equal(t, 0, second.calls)
}

func TestSenderJoinsErrors(t *testing.T) {
	sender := NewSender("bridge@example.com", nil,
		&fakeTransport{name: "smtp", err: errors.New("refused")},
		&fakeTransport{name: "mailbox", err: errors.New("auth failed")},
	)

	err := sender.Send(context.Background(), "reader@example.com", "subject", "body", nil)
	require.ErrorContains(t, err, "smtp: refused")
	require.ErrorContains(t, err, "mailbox: auth failed")

	err = NewSender("bridge@example.com", nil).Send(context.Background(), "reader@example.com", "s", "b", nil)
	require.ErrorIs(t, err, ErrNoTransport)
}

func TestSMTPTransportDefaultPorts(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SMTPConfig
		want string
	}{
		{name: "plain", cfg: config.SMTPConfig{Host: "smtp.example.com"}, want: "smtp.example.com:25"},
		{name: "ssl", cfg: config.SMTPConfig{Host: "smtp.example.com", SSL: config.TLSOptions{Enabled: true}}, want: "smtp.example.com:465"},
		{name: "starttls", cfg: config.SMTPConfig{Host: "smtp.example.com", TLS: config.TLSOptions{Enabled: true}}, want: "smtp.example.com:587"},
		{name: "explicit", cfg: config.SMTPConfig{Host: "smtp.example.com", Port: 2525, SSL: config.TLSOptions{Enabled: true}}, want: "smtp.example.com:2525"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewSMTPTransport(tt.cfg).addr(); got != tt.want {
				t.Fatalf("addr = %q, want %q", got, tt.want)
			}
		})
	}
}
