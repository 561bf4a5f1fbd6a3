package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/domain"

	"github.com/bwmarrin/discordgo"
)

func testDiscordLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestDiscord(t *testing.T) *Discord {
	t.Helper()
	d, err := NewDiscord(DiscordConfig{Token: "test-token", Logger: testDiscordLogger()})
	if err != nil {
		t.Fatalf("new discord: %v", err)
	}
	return d
}

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestNewDiscord_Intents(t *testing.T) {
	d := newTestDiscord(t)
	if d.session.Identify.Intents&discordgo.IntentsGuildMessages == 0 {
		t.Error("guild messages intent missing")
	}
	if d.session.Identify.Intents&discordgo.IntentsMessageContent == 0 {
		t.Error("message content intent missing")
	}
	if d.session.Client.Timeout != defaultHTTPTimeout {
		t.Errorf("expected default timeout, got %v", d.session.Client.Timeout)
	}
}

func TestNewDiscord_HTTPTimeout(t *testing.T) {
	d, err := NewDiscord(DiscordConfig{Token: "t", HTTPTimeout: 5 * time.Second, Logger: testDiscordLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if d.session.Client.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", d.session.Client.Timeout)
	}
}

func TestToInbound_FullMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "100",
		GuildID:   "g1",
		Content:   "hello",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "u1", Username: "alice", Avatar: "abc123"},
		Member:    &discordgo.Member{Nick: "Al"},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn.discordapp.com/attachments/100/1/a.png"},
			nil,
			{URL: "https://cdn.discordapp.com/attachments/100/2/b.txt"},
		},
	}}

	msg := ToInbound(m)

	if msg.ID != "m1" || msg.ChannelID != "100" || msg.GuildID != "g1" || msg.Content != "hello" {
		t.Errorf("ids/content not copied: %+v", msg)
	}
	if !msg.Timestamp.Equal(ts) {
		t.Errorf("timestamp not copied: %v", msg.Timestamp)
	}
	if msg.Author.Username != "alice" || msg.Author.Nick != "Al" || !msg.Author.HasMember {
		t.Errorf("author not copied: %+v", msg.Author)
	}
	if !strings.Contains(msg.Author.AvatarURL, "u1") || !strings.Contains(msg.Author.AvatarURL, "abc123") {
		t.Errorf("unexpected avatar URL %q", msg.Author.AvatarURL)
	}
	if len(msg.Attachments) != 2 || !strings.HasSuffix(msg.Attachments[1], "b.txt") {
		t.Errorf("attachments should keep order and skip nil: %v", msg.Attachments)
	}
}

func TestToInbound_NoAvatarNoMember(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m2",
		ChannelID: "100",
		Author:    &discordgo.User{ID: "u2", Username: "bob"},
	}}

	msg := ToInbound(m)

	if msg.Author.AvatarURL != "" {
		t.Errorf("default avatar should not be used, got %q", msg.Author.AvatarURL)
	}
	if msg.Author.HasMember || msg.Author.Nick != "" {
		t.Errorf("no member data expected: %+v", msg.Author)
	}
	if len(msg.Attachments) != 0 {
		t.Errorf("expected no attachments, got %v", msg.Attachments)
	}
}

func TestNickname_FromEvent(t *testing.T) {
	d := newTestDiscord(t)

	nick, err := d.Nickname(context.Background(), domain.InboundMessage{
		GuildID: "g1",
		Author:  domain.Author{ID: "u1", Nick: "Al", HasMember: true},
	})
	if err != nil || nick != "Al" {
		t.Fatalf("expected Al, got %q (%v)", nick, err)
	}

	// Member data present without a nickname means there is none.
	nick, err = d.Nickname(context.Background(), domain.InboundMessage{
		GuildID: "g1",
		Author:  domain.Author{ID: "u1", HasMember: true},
	})
	if err != nil || nick != "" {
		t.Fatalf("expected empty nickname, got %q (%v)", nick, err)
	}
}

func TestNickname_FromState(t *testing.T) {
	d := newTestDiscord(t)
	guild := &discordgo.Guild{ID: "g1"}
	if err := d.session.State.GuildAdd(guild); err != nil {
		t.Fatal(err)
	}
	if err := d.session.State.MemberAdd(&discordgo.Member{
		GuildID: "g1",
		Nick:    "Cached",
		User:    &discordgo.User{ID: "u1"},
	}); err != nil {
		t.Fatal(err)
	}

	nick, err := d.Nickname(context.Background(), domain.InboundMessage{
		GuildID: "g1",
		Author:  domain.Author{ID: "u1"},
	})
	if err != nil || nick != "Cached" {
		t.Fatalf("expected Cached, got %q (%v)", nick, err)
	}
}

func TestFileName(t *testing.T) {
	for in, want := range map[string]string{
		"https://cdn.example.com/attachments/1/2/photo.png?ex=1&is=2": "photo.png",
		"https://cdn.example.com/dir/":                                "dir",
		"https://cdn.example.com":                                     "attachment",
		"https://cdn.example.com/my%20file.txt":                       "my file.txt",
	} {
		if got := fileName(mustURL(t, in)); got != want {
			t.Errorf("fileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildParams_DownloadsAndDrops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("png-bytes"))
		case "/plain":
			w.Write([]byte("hello world"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := newTestDiscord(t)
	del := domain.OutboundDelivery{
		Content:   "hi",
		Username:  "alice",
		AvatarURL: "https://example.com/a.png",
		Files: []*url.URL{
			mustURL(t, srv.URL+"/ok.png"),
			mustURL(t, srv.URL+"/missing.png"),
			mustURL(t, srv.URL+"/plain"),
		},
	}

	params, res := d.buildParams(context.Background(), del)

	if params.Content != "hi" || params.Username != "alice" || params.AvatarURL != "https://example.com/a.png" {
		t.Errorf("delivery fields not copied: %+v", params)
	}
	if res.FilesSent != 2 || len(params.Files) != 2 {
		t.Fatalf("expected 2 files, got sent=%d files=%d", res.FilesSent, len(params.Files))
	}
	if len(res.Dropped) != 1 || !strings.HasSuffix(res.Dropped[0], "/missing.png") {
		t.Fatalf("expected the 404 to be dropped, got %v", res.Dropped)
	}

	f := params.Files[0]
	if f.Name != "ok.png" || f.ContentType != "image/png" {
		t.Errorf("unexpected file meta: %s %s", f.Name, f.ContentType)
	}
	body, _ := io.ReadAll(f.Reader)
	if string(body) != "png-bytes" {
		t.Errorf("unexpected body %q", body)
	}
	if !strings.HasPrefix(params.Files[1].ContentType, "text/plain") {
		t.Errorf("content type should be detected, got %q", params.Files[1].ContentType)
	}
}

// fakeDiscordAPI serves the two webhook endpoints the relay uses.
type fakeDiscordAPI struct {
	mu       sync.Mutex
	executed []url.Values
	payloads []map[string]any
	files    []string
}

func (f *fakeDiscordAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/webhooks/555/secret":
		json.NewEncoder(w).Encode(map[string]any{
			"id": "555", "token": "secret", "channel_id": "42", "name": "relay",
		})
	case r.Method == http.MethodPost && r.URL.Path == "/webhooks/555/secret":
		f.mu.Lock()
		defer f.mu.Unlock()
		f.executed = append(f.executed, r.URL.Query())
		payload := map[string]any{}
		mediaType, mparams, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "multipart/form-data" {
			mr := multipart.NewReader(r.Body, mparams["boundary"])
			for {
				part, err := mr.NextPart()
				if err != nil {
					break
				}
				if part.FormName() == "payload_json" {
					json.NewDecoder(part).Decode(&payload)
					continue
				}
				f.files = append(f.files, part.FileName())
			}
		} else {
			json.NewDecoder(r.Body).Decode(&payload)
		}
		f.payloads = append(f.payloads, payload)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Unknown Webhook","code":10015}`))
	}
}

// withFakeAPI points discordgo's webhook endpoints at a test server.
func withFakeAPI(t *testing.T, api http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(api)
	orig := discordgo.EndpointWebhooks
	discordgo.EndpointWebhooks = srv.URL + "/webhooks/"
	t.Cleanup(func() {
		discordgo.EndpointWebhooks = orig
		srv.Close()
	})
	return srv
}

func TestResolveAndExecuteWebhook(t *testing.T) {
	api := &fakeDiscordAPI{}
	srv := withFakeAPI(t, api)
	d := newTestDiscord(t)
	ctx := context.Background()

	wh, err := d.ResolveWebhook(ctx, domain.DeliveryTarget{WebhookID: "555", Token: "secret"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if wh.ID != "555" || wh.Token != "secret" || wh.ChannelID != "42" {
		t.Fatalf("unexpected webhook: %+v", wh)
	}

	res, err := d.ExecuteWebhook(ctx, wh, domain.OutboundDelivery{
		Content:   "hello",
		Username:  "alice",
		AvatarURL: "https://example.com/a.png",
		Files:     []*url.URL{mustURL(t, srv.URL+"/files/pic.png")},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.executed) != 1 {
		t.Fatalf("expected 1 execute call, got %d", len(api.executed))
	}
	if api.executed[0].Get("wait") == "true" {
		t.Error("execute must not wait for the created message")
	}
	p := api.payloads[0]
	if p["content"] != "hello" || p["username"] != "alice" || p["avatar_url"] != "https://example.com/a.png" {
		t.Errorf("unexpected payload: %v", p)
	}
	// The file endpoint 404s on the fake API, so it is dropped and the message still goes out.
	if res.FilesSent != 0 || len(res.Dropped) != 1 {
		t.Errorf("expected the unreachable file to be dropped, got %+v", res)
	}
}

func TestResolveWebhook_NotFound(t *testing.T) {
	withFakeAPI(t, &fakeDiscordAPI{})
	d := newTestDiscord(t)

	_, err := d.ResolveWebhook(context.Background(), domain.DeliveryTarget{WebhookID: "999", Token: "nope"})
	if err == nil {
		t.Fatal("expected error for unknown webhook")
	}
	if !strings.Contains(err.Error(), "999") {
		t.Errorf("error should name the webhook: %v", err)
	}
}

func TestExecuteWebhook_MissingTokenSkipsDownloads(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Write([]byte("data"))
	}))
	defer files.Close()

	d := newTestDiscord(t)
	res, err := d.ExecuteWebhook(context.Background(), &domain.Webhook{ID: "555"}, domain.OutboundDelivery{
		Content: "x",
		Files:   []*url.URL{mustURL(t, files.URL+"/a.png"), mustURL(t, files.URL+"/b.png")},
	})
	if err == nil {
		t.Fatal("expected error for webhook without token")
	}
	if res.FilesSent != 0 || len(res.Dropped) != 0 {
		t.Errorf("expected an empty result, got %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 0 {
		t.Errorf("attachments should not be downloaded, got %d requests", hits)
	}
}
