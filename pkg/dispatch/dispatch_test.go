package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailbridge/pkg/attachments"
	"mailbridge/pkg/bus"
)

type fakeAdapter struct {
	name     string
	textOK   bool
	reject   map[string]bool
	panics   bool
	calls    []string
	audience [][]string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) BroadcastText(_ context.Context, subject string, body string, recipients []string) bool {
	if f.panics {
		panic("adapter exploded")
	}
	f.calls = append(f.calls, "text:"+subject+" "+body)
	f.audience = append(f.audience, recipients)
	return f.textOK
}

func (f *fakeAdapter) BroadcastFile(_ context.Context, file attachments.File, _ []string) bool {
	f.calls = append(f.calls, "file:"+file.Name)
	return !f.reject[file.Name]
}

type fakeComposer struct {
	subject    string
	body       string
	files      []attachments.File
	recipients []string
}

func (f *fakeComposer) BroadcastMessage(_ context.Context, subject string, body string, files []attachments.File, recipients []string) int {
	f.subject, f.body, f.files, f.recipients = subject, body, files, recipients
	return len(recipients)
}

func content() Content {
	return Content{
		Subject: "(News) Weekly",
		Text:    "hello",
		Files: []attachments.File{
			{Name: "photo.jpg"},
			{Name: "report.pdf"},
			{Name: "attachment-1.zip", Archive: true},
		},
	}
}

func TestDispatchFallsBackToArchive(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram", textOK: true, reject: map[string]bool{"report.pdf": true}}

	report := New(nil, nil).Dispatch(context.Background(), "news", content(), []Target{{Adapter: adapter, Recipients: []string{"1"}}}, nil)

	require.Equal(t, []string{
		"text:(News) Weekly hello",
		"file:photo.jpg",
		"file:report.pdf",
		"file:attachment-1.zip",
	}, adapter.calls)
	require.Len(t, report.Channels, 1)
	ch := report.Channels[0]
	require.Equal(t, 1, ch.FilesSent)
	require.Equal(t, 2, ch.FilesTotal)
	require.True(t, ch.ArchiveUsed)
	require.True(t, ch.ArchiveSent)
	require.True(t, ch.OK())
}

func TestDispatchSkipsArchiveWhenAllFilesSent(t *testing.T) {
	adapter := &fakeAdapter{name: "viber-bot", textOK: true}

	report := New(nil, nil).Dispatch(context.Background(), "news", content(), []Target{{Adapter: adapter}}, nil)

	require.NotContains(t, adapter.calls, "file:attachment-1.zip")
	require.False(t, report.Channels[0].ArchiveUsed)
	require.Empty(t, report.Failed())
}

func TestDispatchOrderAndIsolation(t *testing.T) {
	first := &fakeAdapter{name: "viber-bot", panics: true}
	second := &fakeAdapter{name: "viber-chat", textOK: false}
	third := &fakeAdapter{name: "telegram", textOK: true}
	composer := &fakeComposer{}

	report := New(nil, nil).Dispatch(context.Background(), "news", Content{Subject: "s", Text: "body"},
		[]Target{{Adapter: first}, {Adapter: second}, {Adapter: nil}, {Adapter: third, Recipients: []string{"7"}}},
		&MailTarget{Composer: composer, Recipients: []string{"a@example.com", "b@example.com"}})

	names := make([]string, 0, len(report.Channels))
	for _, ch := range report.Channels {
		names = append(names, ch.Channel)
	}
	require.Equal(t, []string{"viber-bot", "viber-chat", "telegram"}, names)
	require.Contains(t, report.Channels[0].Err, "adapter exploded")
	require.Equal(t, [][]string{{"7"}}, third.audience)
	require.Equal(t, []string{"viber-bot", "viber-chat"}, report.Failed())

	require.Equal(t, "s", composer.subject)
	require.Equal(t, "body"+UnsubscribeFooter, composer.body)
	require.Equal(t, 2, report.Mail.Delivered)
}

func TestDispatchMailGetsAllFiles(t *testing.T) {
	composer := &fakeComposer{}

	New(nil, nil).Dispatch(context.Background(), "news", content(), nil, &MailTarget{Composer: composer, Recipients: []string{"a@example.com"}})

	require.Len(t, composer.files, 3)
	require.True(t, strings.HasSuffix(composer.body, "\"отписаться\""))
}

func TestDispatchPublishesEvents(t *testing.T) {
	eb := bus.New()
	t.Cleanup(eb.Close)
	events, unsubscribe := eb.SubscribeEvents(context.Background(), 10)
	defer unsubscribe()

	adapter := &fakeAdapter{name: "telegram", textOK: false}
	New(eb, nil).Dispatch(context.Background(), "news", Content{Subject: "s"}, []Target{{Adapter: adapter}}, nil)

	var got []bus.EventType
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case event := <-events:
			require.Equal(t, "news", event.Dispatcher)
			got = append(got, event.Type)
		case <-timeout:
			t.Fatalf("received %v before timeout", got)
		}
	}
	require.Equal(t, []bus.EventType{bus.EventChannelFailed, bus.EventDispatchCompleted}, got)
}
