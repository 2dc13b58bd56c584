package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/delivery"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Token: "secret"}, zap.NewNop())
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantPerm      bool
		wantRetryable bool
		wantNotFound  bool
	}{
		{"forbidden", http.StatusForbidden, true, false, false},
		{"unauthorized", http.StatusUnauthorized, true, false, false},
		{"not found", http.StatusNotFound, false, false, true},
		{"rate limited", http.StatusTooManyRequests, false, true, false},
		{"server error", http.StatusBadGateway, false, true, false},
		{"bad request", http.StatusBadRequest, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			})

			err := c.CreateMessage(context.Background(), 1, "hi")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := delivery.IsPermissionDenied(err); got != tt.wantPerm {
				t.Errorf("IsPermissionDenied = %v, want %v", got, tt.wantPerm)
			}
			if got := delivery.IsRetryable(err); got != tt.wantRetryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.wantRetryable)
			}
			if got := errors.Is(err, ErrNotFound); got != tt.wantNotFound {
				t.Errorf("errors.Is(ErrNotFound) = %v, want %v", got, tt.wantNotFound)
			}
		})
	}
}

func TestClient_SendsBotAuthorization(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bot secret" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/channels/42/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["content"] != "ping" {
			t.Errorf("content = %q", body["content"])
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"1"}`))
	})

	if err := c.CreateMessage(context.Background(), 42, "ping"); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
}

func TestClient_NetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(Config{BaseURL: url, Token: "x"}, zap.NewNop())
	err := c.CreateMessage(context.Background(), 1, "hi")
	if !delivery.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestLookupUser_PrefersNickThenGlobalName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/guilds/1/members/10":
			_, _ = w.Write([]byte(`{"nick":"Captain","user":{"id":"10","username":"alice","global_name":"Alice","avatar":"abc"}}`))
		case "/guilds/1/members/11":
			_, _ = w.Write([]byte(`{"nick":null,"user":{"id":"11","username":"bob","global_name":"Bobby","avatar":null}}`))
		case "/guilds/1/members/12":
			w.WriteHeader(http.StatusNotFound)
		case "/users/12":
			_, _ = w.Write([]byte(`{"id":"12","username":"carol","global_name":null}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	ctx := context.Background()

	name, avatar, err := c.LookupUser(ctx, 1, 10)
	if err != nil || name != "Captain" {
		t.Fatalf("got %q, %v", name, err)
	}
	if avatar != "https://cdn.discordapp.com/avatars/10/abc.png" {
		t.Errorf("avatar = %q", avatar)
	}

	name, avatar, err = c.LookupUser(ctx, 1, 11)
	if err != nil || name != "Bobby" || avatar != "" {
		t.Fatalf("got %q %q, %v", name, avatar, err)
	}

	name, _, err = c.LookupUser(ctx, 1, 12)
	if err != nil || name != "carol" {
		t.Fatalf("got %q, %v", name, err)
	}
}

func TestLookupChannelAndGuild(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/channels/5":
			_, _ = w.Write([]byte(`{"id":"5","guild_id":"1","name":"general"}`))
		case "/guilds/1":
			_, _ = w.Write([]byte(`{"id":"1","name":"Home"}`))
		}
	})

	ch, err := c.LookupChannel(context.Background(), 5)
	if err != nil || ch != "general" {
		t.Fatalf("channel = %q, %v", ch, err)
	}
	g, err := c.LookupGuild(context.Background(), 1)
	if err != nil || g != "Home" {
		t.Fatalf("guild = %q, %v", g, err)
	}
}

func TestWebhookSender_ReusesExistingWebhook(t *testing.T) {
	var listed, executed atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/channels/7/webhooks":
			listed.Add(1)
			_, _ = w.Write([]byte(`[{"id":"1","name":"other","token":"t1"},{"id":"2","name":"NotiWebhook","token":"t2"}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/webhooks/2/t2":
			executed.Add(1)
			if r.URL.Query().Get("wait") != "true" {
				t.Error("expected wait=true")
			}
			if r.Header.Get("Authorization") != "" {
				t.Error("webhook execution must not carry the bot token")
			}
			var body webhookMessage
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Username != "alice" || body.Content != "standup" {
				t.Errorf("body = %+v", body)
			}
			_, _ = w.Write([]byte(`{"id":"99"}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})

	s := NewWebhookSender(c, "", zap.NewNop())
	dst := delivery.Destination{GuildID: 1, ChannelID: 7}
	msg := delivery.Message{NotificationID: 3, Content: "standup", Username: "alice"}

	if err := s.Prefetch(context.Background(), dst); err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Send(context.Background(), dst, msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	if listed.Load() != 1 {
		t.Errorf("webhooks listed %d times, want 1", listed.Load())
	}
	if executed.Load() != 2 {
		t.Errorf("webhook executed %d times, want 2", executed.Load())
	}
}

func TestWebhookSender_CreatesMissingWebhook(t *testing.T) {
	var created atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`[]`))
		case r.URL.Path == "/channels/7/webhooks":
			created.Add(1)
			_, _ = w.Write([]byte(`{"id":"5","name":"NotiWebhook","token":"fresh"}`))
		case strings.HasPrefix(r.URL.Path, "/webhooks/5/fresh"):
			_, _ = w.Write([]byte(`{}`))
		}
	})

	s := NewWebhookSender(c, "", zap.NewNop())
	err := s.Send(context.Background(), delivery.Destination{ChannelID: 7}, delivery.Message{Content: "x"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if created.Load() != 1 {
		t.Errorf("created %d webhooks, want 1", created.Load())
	}
}

func TestWebhookSender_VanishedWebhookIsRetryable(t *testing.T) {
	var listed atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			listed.Add(1)
			_, _ = w.Write([]byte(`[{"id":"2","name":"NotiWebhook","token":"t"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	s := NewWebhookSender(c, "", zap.NewNop())
	dst := delivery.Destination{ChannelID: 7}

	err := s.Send(context.Background(), dst, delivery.Message{Content: "x"})
	if !delivery.IsRetryable(err) {
		t.Fatalf("expected retryable, got %v", err)
	}
	_ = s.Send(context.Background(), dst, delivery.Message{Content: "x"})
	if listed.Load() != 2 {
		t.Errorf("expected cache eviction to force a second listing, got %d", listed.Load())
	}
}

func TestWebhookSender_ForbiddenIsPermissionDenied(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	s := NewWebhookSender(c, "", zap.NewNop())
	err := s.Send(context.Background(), delivery.Destination{ChannelID: 7}, delivery.Message{})
	if !delivery.IsPermissionDenied(err) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestChannelSender_Send(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/channels/8/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{}`))
	})

	s := NewChannelSender(c, zap.NewNop())
	if err := s.Send(context.Background(), delivery.Destination{ChannelID: 8}, delivery.Message{Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d", hits.Load())
	}
}
