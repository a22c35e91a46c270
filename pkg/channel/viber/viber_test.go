package viber

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"mailbridge/pkg/attachments"
)

type request struct {
	Method string
	Token  string
	Body   map[string]any
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []request
	replies  map[string][]string
}

func (f *fakeAPI) reply(method string) string {
	queue := f.replies[method]
	if len(queue) == 0 {
		return `{"status":0,"status_message":"ok"}`
	}
	if len(queue) > 1 {
		f.replies[method] = queue[1:]
	}
	return queue[0]
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	if raw, err := io.ReadAll(r.Body); err == nil {
		_ = json.Unmarshal(raw, &body)
	}
	method := strings.TrimPrefix(r.URL.Path, "/")

	f.mu.Lock()
	f.requests = append(f.requests, request{Method: method, Token: r.Header.Get(authHeader), Body: body})
	reply := f.reply(method)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, reply)
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()

	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	return NewClient(server.URL, server.Client(), nil)
}

func recipients(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%03d", i)
	}
	return ids
}

func TestBotBroadcastChunksRecipients(t *testing.T) {
	api := &fakeAPI{replies: map[string][]string{
		"broadcast_message": {`{"status":2,"status_message":"invalidAuthToken"}`, `{"status":0}`},
	}}
	bot := newTestClient(t, api).Bot("bot-token", "news")

	ok := bot.BroadcastText(context.Background(), "(News)", "hello", recipients(301))
	require.True(t, ok)

	require.Len(t, api.requests, 2)
	first := api.requests[0]
	require.Equal(t, "broadcast_message", first.Method)
	require.Equal(t, "bot-token", first.Token)
	require.Len(t, first.Body["broadcast_list"], broadcastLimit)
	require.Equal(t, "text", first.Body["type"])
	require.Equal(t, "(News) hello", first.Body["text"])
	require.Equal(t, map[string]any{"name": "news"}, first.Body["sender"])
	require.Len(t, api.requests[1].Body["broadcast_list"], 1)
}

func TestBotBroadcastFailsWhenEveryChunkFails(t *testing.T) {
	api := &fakeAPI{replies: map[string][]string{
		"broadcast_message": {`{"status":2,"status_message":"invalidAuthToken"}`},
	}}
	bot := newTestClient(t, api).Bot("bot-token", "news")

	require.False(t, bot.BroadcastText(context.Background(), "s", "b", recipients(2)))
}

func TestBotBroadcastWithoutRecipientsOrToken(t *testing.T) {
	api := &fakeAPI{}
	client := newTestClient(t, api)

	require.True(t, client.Bot("bot-token", "news").BroadcastText(context.Background(), "s", "b", nil))
	require.True(t, client.Bot("", "news").BroadcastText(context.Background(), "s", "b", recipients(1)))
	require.Empty(t, api.requests)
}

func TestBotBroadcastFile(t *testing.T) {
	tests := []struct {
		file attachments.File
		want map[string]any
	}{
		{
			file: attachments.File{Name: "a.png", URL: "https://x/a.png", Size: 10},
			want: map[string]any{"type": "picture", "media": "https://x/a.png"},
		},
		{
			file: attachments.File{Name: "a.mp4", URL: "https://x/a.mp4", Size: 20},
			want: map[string]any{"type": "video", "media": "https://x/a.mp4", "size": float64(20)},
		},
		{
			file: attachments.File{Name: "a.zip", URL: "https://x/a.zip", Size: 30},
			want: map[string]any{"type": "file", "media": "https://x/a.zip", "size": float64(30), "file_name": "a.zip"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.file.Name, func(t *testing.T) {
			api := &fakeAPI{}
			bot := newTestClient(t, api).Bot("bot-token", "news")

			require.True(t, bot.BroadcastFile(context.Background(), tt.file, []string{"u1"}))
			require.Len(t, api.requests, 1)
			for key, value := range tt.want {
				require.Equal(t, value, api.requests[0].Body[key], key)
			}
		})
	}
}

func TestBotRejectsAudio(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestClient(t, api).Bot("bot-token", "news")

	require.False(t, bot.BroadcastFile(context.Background(), attachments.File{Name: "a.mp3"}, []string{"u1"}))
	require.Empty(t, api.requests)
}

func TestChatUsesConfiguredAdmin(t *testing.T) {
	api := &fakeAPI{}
	chat := newTestClient(t, api).Chat("chat-token", "admin-1", "https://bridge.example.com/viber_webhook")

	require.True(t, chat.BroadcastText(context.Background(), "(News)", "hello", nil))
	require.Len(t, api.requests, 1)

	post := api.requests[0]
	require.Equal(t, "post", post.Method)
	require.Empty(t, post.Token)
	require.Equal(t, "chat-token", post.Body["auth_token"])
	require.Equal(t, "admin-1", post.Body["from"])
	require.Equal(t, "(News) hello", post.Body["text"])
}

func TestChatResolvesSuperAdminAfterWebhook(t *testing.T) {
	api := &fakeAPI{replies: map[string][]string{
		"get_account_info": {
			`{"status":1,"status_message":"webhook not set"}`,
			`{"status":0,"members":[{"id":"m1","role":"admin"},{"id":"m2","role":"superadmin"}]}`,
		},
	}}
	chat := newTestClient(t, api).Chat("chat-token", "", "https://bridge.example.com/viber_webhook")

	from, err := chat.ResolveSender(context.Background())
	require.NoError(t, err)
	require.Equal(t, "m2", from)

	methods := make([]string, 0, len(api.requests))
	for _, req := range api.requests {
		methods = append(methods, req.Method)
	}
	require.Equal(t, []string{"get_account_info", "set_webhook", "get_account_info"}, methods)
	require.Equal(t, "https://bridge.example.com/viber_webhook", api.requests[1].Body["url"])
	require.Equal(t, "chat-token", api.requests[0].Body["auth_token"])
	require.NotContains(t, api.requests[0].Body, "url")

	// cached
	require.True(t, chat.BroadcastFile(context.Background(), attachments.File{Name: "a.jpg", URL: "https://x/a.jpg"}, nil))
	require.Len(t, api.requests, 4)
	require.Equal(t, "m2", api.requests[3].Body["from"])
}

func TestChatWithoutSuperAdmin(t *testing.T) {
	api := &fakeAPI{replies: map[string][]string{
		"get_account_info": {`{"status":0,"members":[{"id":"m1","role":"admin"}]}`},
	}}
	chat := newTestClient(t, api).Chat("chat-token", "", "")

	_, err := chat.ResolveSender(context.Background())
	require.ErrorIs(t, err, ErrNoSuperAdmin)
	require.False(t, chat.BroadcastText(context.Background(), "s", "b", nil))
}

func TestSetWebhookStatus(t *testing.T) {
	api := &fakeAPI{replies: map[string][]string{
		"set_webhook": {`{"status":0}`, `{"status":1,"status_message":"invalidUrl"}`},
	}}
	client := newTestClient(t, api)

	status, err := client.Bot("bot-token", "news").SetWebhook(context.Background(), "https://bridge.example.com/viber_webhook")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)

	status, err = client.Chat("chat-token", "", "").SetWebhook(context.Background(), "https://bridge.example.com/viber_webhook")
	require.NoError(t, err)
	require.Equal(t, 1, status)
	require.Equal(t, "chat-token", api.requests[1].Body["auth_token"])
}

func TestCallReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	status, err := NewClient(server.URL, server.Client(), nil).Bot("t", "n").SetWebhook(context.Background(), "https://x")
	require.Error(t, err)
	require.Equal(t, -1, status)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"subscribed","user":{"id":"u1"}}`)
	signature := Sign(body, "bot-token")

	require.True(t, VerifySignature(body, "bot-token", signature))
	require.True(t, VerifySignature(body, "bot-token", strings.ToUpper(signature)))
	require.False(t, VerifySignature(body, "other-token", signature))
	require.False(t, VerifySignature(body, "bot-token", ""))
	require.False(t, VerifySignature(body, "", signature))
}

func TestCallbackSubject(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{body: `{"event":"subscribed","user":{"id":"u1","name":"Ann"}}`, want: "u1"},
		{body: `{"event":"unsubscribed","user_id":"u2"}`, want: "u2"},
		{body: `{"event":"conversation_started","user":{"id":"u3"}}`, want: "u3"},
	}

	for _, tt := range tests {
		cb, err := ParseCallback([]byte(tt.body))
		require.NoError(t, err)
		if got := cb.Subject(); got != tt.want {
			t.Fatalf("Subject(%s) = %q, want %q", tt.body, got, tt.want)
		}
	}

	_, err := ParseCallback([]byte("not json"))
	require.Error(t, err)
}

func TestChatAccountLookupRejected(t *testing.T) {
	api := &fakeAPI{replies: map[string][]string{
		"get_account_info": {`{"status":2,"status_message":"invalidAuthToken"}`},
	}}
	chat := newTestClient(t, api).Chat("chat-token", "", "https://bridge.example.com/viber_webhook")

	_, err := chat.ResolveSender(context.Background())
	require.ErrorIs(t, err, ErrStatus)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 2, statusErr.Status)
	require.Equal(t, "invalidAuthToken", statusErr.Message)
}
