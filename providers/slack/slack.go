// Package slack implements the Slack provider. Slack's Events API pushes
// unconditionally once the app is installed, so watch registration is a
// formality; history is served by conversations.history keyed by message ts.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	slackoauth "golang.org/x/oauth2/slack"

	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/providers"
)

const (
	defaultBaseURL = "https://slack.com/api"

	// Slack pushes for as long as the app stays installed; the watch row
	// still needs an expiration, so use one far enough out that the renewal
	// job never touches it.
	watchLifetime = 10 * 365 * 24 * time.Hour

	recentPageSize = 100
)

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// BaseURL overrides the Slack API origin, used by tests.
	BaseURL string
}

func (c Config) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("slack: missing client credentials")
	}

	return nil
}

type Client struct {
	cfg   Config
	oauth *oauth2.Config
	base  string
}

var _ providers.Provider = (*Client)(nil)

func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	return &Client{
		cfg:  cfg,
		base: strings.TrimRight(base, "/"),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"channels:history", "channels:read", "users:read"},
			Endpoint:     slackoauth.Endpoint,
		},
	}
}

func (c *Client) Name() models.Provider    { return models.ProviderSlack }
func (c *Client) Kind() models.GenericType { return models.GenericTypeChat }
func (c *Client) OAuth() *oauth2.Config    { return c.oauth }

// Envelope is the outer shape of an Events API request body.
type Envelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
	Event     *Event `json:"event,omitempty"`
}

// Event is the inner message event.
type Event struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// DecodeEnvelope parses an Events API body. URL-verification handshakes are
// detected by the caller via Envelope.Type before any integration lookup.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("slack: invalid event envelope: %w", err)
	}

	if env.Type == "" {
		return Envelope{}, fmt.Errorf("slack: event envelope missing type")
	}

	return env, nil
}

// Notification resolves an event_callback envelope to the addressed team and
// the change cursor the event implies.
func Notification(env Envelope) (providers.Notification, error) {
	if env.TeamID == "" {
		return providers.Notification{}, fmt.Errorf("slack: envelope missing team_id")
	}

	if env.Event == nil || env.Event.Channel == "" || env.Event.TS == "" {
		return providers.Notification{}, fmt.Errorf("slack: envelope missing message event")
	}

	return providers.Notification{
		AccountKey: env.TeamID,
		Cursor:     Cursor(env.Event.Channel, env.Event.TS),
	}, nil
}

// Cursor builds the composite slack cursor. Slack's ts values are scoped to a
// channel, so the channel id travels with the position.
func Cursor(channel, ts string) string {
	return channel + ":" + ts
}

func splitCursor(cursor string) (channel, ts string, err error) {
	channel, ts, ok := strings.Cut(cursor, ":")
	if !ok || channel == "" {
		return "", "", fmt.Errorf("slack: malformed cursor %q", cursor)
	}

	return channel, ts, nil
}

type authTestResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	TeamID string `json:"team_id"`
}

func (c *Client) Identity(ctx context.Context, client *http.Client) (string, error) {
	var resp authTestResponse
	if err := c.call(ctx, client, "auth.test", nil, &resp); err != nil {
		return "", err
	}

	if !resp.OK {
		return "", fmt.Errorf("slack: auth.test failed: %s", resp.Error)
	}

	return resp.TeamID, nil
}

// RegisterWatch is a no-op subscription: the Events API delivers for the whole
// installation without a per-account watch resource.
func (c *Client) RegisterWatch(_ context.Context, _ *http.Client) (time.Time, error) {
	return time.Now().Add(watchLifetime).UTC(), nil
}

type historyResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Messages []struct {
		Type string `json:"type"`
		User string `json:"user"`
		Text string `json:"text"`
		TS   string `json:"ts"`
	} `json:"messages"`
	HasMore bool `json:"has_more"`
}

func (c *Client) FetchHistory(ctx context.Context, client *http.Client, cursor string) (providers.HistoryPage, error) {
	channel, ts, err := splitCursor(cursor)
	if err != nil {
		return providers.HistoryPage{}, err
	}

	params := url.Values{
		"channel": {channel},
		"limit":   {strconv.Itoa(recentPageSize)},
	}
	if ts != "" {
		params.Set("oldest", ts)
	}

	var resp historyResponse
	if err := c.call(ctx, client, "conversations.history", params, &resp); err != nil {
		return providers.HistoryPage{}, err
	}

	if !resp.OK {
		return providers.HistoryPage{}, fmt.Errorf("slack: conversations.history failed: %s", resp.Error)
	}

	page := providers.HistoryPage{LatestCursor: cursor}

	// Slack returns newest first.
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		if m.Type != "message" || m.TS == "" || m.TS == ts {
			continue
		}

		page.ItemIDs = append(page.ItemIDs, Cursor(channel, m.TS))
		page.LatestCursor = Cursor(channel, maxTS(ts, m.TS))
		ts = maxTS(ts, m.TS)
	}

	return page, nil
}

// FetchRecent exists to satisfy the cursor-too-old fallback. Slack history is
// addressed by timestamp, which never truncates the way an opaque change id
// does, so an empty page is returned.
func (c *Client) FetchRecent(_ context.Context, _ *http.Client) (providers.HistoryPage, error) {
	return providers.HistoryPage{}, nil
}

func (c *Client) FetchItem(ctx context.Context, client *http.Client, nativeID string) (providers.Item, error) {
	channel, ts, err := splitCursor(nativeID)
	if err != nil {
		return providers.Item{}, err
	}

	params := url.Values{
		"channel":   {channel},
		"latest":    {ts},
		"inclusive": {"true"},
		"limit":     {"1"},
	}

	var resp historyResponse
	if err := c.call(ctx, client, "conversations.history", params, &resp); err != nil {
		return providers.Item{}, err
	}

	if !resp.OK {
		return providers.Item{}, fmt.Errorf("slack: conversations.history failed: %s", resp.Error)
	}

	if len(resp.Messages) == 0 || resp.Messages[0].TS != ts {
		return providers.Item{}, fmt.Errorf("slack: message %s not found in %s", ts, channel)
	}

	m := resp.Messages[0]

	return providers.Item{
		NativeID:   nativeID,
		Sender:     m.User,
		Channel:    channel,
		Body:       m.Text,
		OccurredAt: tsToTime(ts),
	}, nil
}

// maxTS compares slack timestamps ("1712345678.000100") numerically.
func maxTS(a, b string) string {
	av, aerr := strconv.ParseFloat(a, 64)
	bv, berr := strconv.ParseFloat(b, 64)

	switch {
	case aerr != nil:
		return b
	case berr != nil:
		return a
	case bv > av:
		return b
	default:
		return a
	}
}

func tsToTime(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")

	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}

	var micros int64
	if frac != "" {
		if v, err := strconv.ParseInt(frac, 10, 64); err == nil {
			micros = v
		}
	}

	return time.Unix(s, micros*1000).UTC()
}

func (c *Client) call(ctx context.Context, client *http.Client, method string, params url.Values, out any) error {
	u := c.base + "/" + method
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("slack: api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return json.Unmarshal(raw, out)
}
