// Package discord is a small REST client for the handful of Discord endpoints
// the scheduler needs: webhooks and channel messages for delivery, and user,
// member, channel and guild lookups for display names.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/noti/internal/delivery"
)

const (
	DefaultBaseURL = "https://discord.com/api/v10"
	cdnBaseURL     = "https://cdn.discordapp.com"
	userAgent      = "DiscordBot (https://github.com/lalithlochan/noti, 1.0)"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("discord: not found")

// APIError is a non-2xx response that is neither transient nor a permission
// problem.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api returned %d: %s", e.Status, e.Body)
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RequestsPerSecond caps outgoing calls across all goroutines.
	RequestsPerSecond float64
}

// Client talks to the Discord REST API with a bot token
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a Discord REST client
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   cfg.Token,
		limiter: rate.NewLimiter(limit, 5),
		logger:  logger,
	}
}

// do sends one request. in is JSON-encoded when non-nil; out is decoded from a
// 2xx body when non-nil. Webhook execution authenticates with the URL token, so
// botAuth is false there.
func (c *Client) do(ctx context.Context, method, path string, botAuth bool, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if botAuth {
		req.Header.Set("Authorization", "Bot "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return delivery.Retryable(0, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	c.logger.Debug("discord request failed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("body", string(preview)),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", method, path, delivery.ErrPermissionDenied)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return delivery.Retryable(resp.StatusCode, &APIError{Status: resp.StatusCode, Body: string(preview)})
	default:
		return &APIError{Status: resp.StatusCode, Body: string(preview)}
	}
}

// Snowflake decodes Discord's string-encoded ids.
type Snowflake int64

func (s *Snowflake) UnmarshalJSON(b []byte) error {
	str := string(b)
	if str == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(str); err == nil {
		str = unq
	}
	v, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid snowflake %q: %w", str, err)
	}
	*s = Snowflake(v)
	return nil
}

type User struct {
	ID         Snowflake `json:"id"`
	Username   string    `json:"username"`
	GlobalName *string   `json:"global_name"`
	Avatar     *string   `json:"avatar"`
}

// DisplayName prefers the global display name over the username.
func (u *User) DisplayName() string {
	if u.GlobalName != nil && *u.GlobalName != "" {
		return *u.GlobalName
	}
	return u.Username
}

// AvatarURL is empty when the user has the default avatar.
func (u *User) AvatarURL() string {
	if u.Avatar == nil || *u.Avatar == "" {
		return ""
	}
	return fmt.Sprintf("%s/avatars/%d/%s.png", cdnBaseURL, u.ID, *u.Avatar)
}

type Member struct {
	Nick *string `json:"nick"`
	User *User   `json:"user"`
}

type Channel struct {
	ID      Snowflake `json:"id"`
	GuildID Snowflake `json:"guild_id"`
	Name    string    `json:"name"`
}

type Guild struct {
	ID   Snowflake `json:"id"`
	Name string    `json:"name"`
}

type Webhook struct {
	ID        Snowflake `json:"id"`
	ChannelID Snowflake `json:"channel_id"`
	Name      string    `json:"name"`
	Token     string    `json:"token"`
}

type webhookMessage struct {
	Content   string `json:"content"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type channelMessage struct {
	Content string `json:"content"`
}

func (c *Client) GetUser(ctx context.Context, userID int64) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d", userID), true, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) GetMember(ctx context.Context, guildID, userID int64) (*Member, error) {
	var m Member
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%d/members/%d", guildID, userID), true, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) GetChannel(ctx context.Context, channelID int64) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/channels/%d", channelID), true, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) GetGuild(ctx context.Context, guildID int64) (*Guild, error) {
	var g Guild
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%d", guildID), true, nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) ChannelWebhooks(ctx context.Context, channelID int64) ([]Webhook, error) {
	var hooks []Webhook
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/channels/%d/webhooks", channelID), true, nil, &hooks); err != nil {
		return nil, err
	}
	return hooks, nil
}

func (c *Client) CreateWebhook(ctx context.Context, channelID int64, name string) (*Webhook, error) {
	var wh Webhook
	in := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%d/webhooks", channelID), true, in, &wh); err != nil {
		return nil, err
	}
	return &wh, nil
}

// ExecuteWebhook posts through a webhook and waits for Discord to confirm.
func (c *Client) ExecuteWebhook(ctx context.Context, wh Webhook, content, username, avatarURL string) error {
	path := fmt.Sprintf("/webhooks/%d/%s?wait=true", wh.ID, wh.Token)
	in := webhookMessage{Content: content, Username: username, AvatarURL: avatarURL}
	return c.do(ctx, http.MethodPost, path, false, in, nil)
}

func (c *Client) CreateMessage(ctx context.Context, channelID int64, content string) error {
	in := channelMessage{Content: content}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%d/messages", channelID), true, in, nil)
}
