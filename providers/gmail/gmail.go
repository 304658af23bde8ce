// Package gmail implements the Gmail provider: OAuth configuration, push
// watch registration against a Pub/Sub topic, incremental history listing and
// message detail fetching.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/providers"
)

const (
	defaultBaseURL = "https://gmail.googleapis.com"

	// recentPageSize bounds the full-resync fallback when the stored history
	// cursor has been truncated by Gmail.
	recentPageSize = 100
)

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Topic is the fully qualified Pub/Sub topic Gmail publishes to. A single
	// topic serves all users; fan-out happens when the notification payload
	// is resolved back to an integration.
	Topic string
	// BaseURL overrides the Gmail API origin, used by tests.
	BaseURL string
}

func (c Config) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("gmail: missing client credentials")
	}

	if c.Topic == "" {
		return fmt.Errorf("gmail: missing pub/sub topic")
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
			Scopes: []string{
				"https://www.googleapis.com/auth/gmail.readonly",
				"https://www.googleapis.com/auth/userinfo.email",
			},
			Endpoint: google.Endpoint,
		},
	}
}

func (c *Client) Name() models.Provider    { return models.ProviderGmail }
func (c *Client) Kind() models.GenericType { return models.GenericTypeEmail }
func (c *Client) OAuth() *oauth2.Config    { return c.oauth }

// pushEnvelope is the Pub/Sub push wrapper Gmail notifications arrive in.
type pushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type pushPayload struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// DecodeNotification unwraps a Pub/Sub push body into the addressed account
// and the history cursor it carries.
func DecodeNotification(body []byte) (providers.Notification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return providers.Notification{}, fmt.Errorf("gmail: invalid push envelope: %w", err)
	}

	if env.Message.Data == "" {
		return providers.Notification{}, fmt.Errorf("gmail: push envelope missing message data")
	}

	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		// Pub/Sub emits URL-safe base64 in some delivery paths.
		raw, err = base64.URLEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return providers.Notification{}, fmt.Errorf("gmail: invalid push data encoding: %w", err)
		}
	}

	var payload pushPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return providers.Notification{}, fmt.Errorf("gmail: invalid push payload: %w", err)
	}

	if payload.EmailAddress == "" {
		return providers.Notification{}, fmt.Errorf("gmail: push payload missing email address")
	}

	return providers.Notification{
		AccountKey: payload.EmailAddress,
		Cursor:     strings.Trim(string(payload.HistoryID), `"`),
	}, nil
}

type profileResponse struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"historyId"`
}

func (c *Client) Identity(ctx context.Context, client *http.Client) (string, error) {
	var profile profileResponse
	if err := c.getJSON(ctx, client, "/gmail/v1/users/me/profile", nil, &profile); err != nil {
		return "", err
	}

	return profile.EmailAddress, nil
}

type watchResponse struct {
	HistoryID  string `json:"historyId"`
	Expiration string `json:"expiration"` // milliseconds since epoch
}

func (c *Client) RegisterWatch(ctx context.Context, client *http.Client) (time.Time, error) {
	body := map[string]any{
		"topicName": c.cfg.Topic,
		"labelIds":  []string{"INBOX"},
	}

	var resp watchResponse
	if err := c.postJSON(ctx, client, "/gmail/v1/users/me/watch", body, &resp); err != nil {
		return time.Time{}, err
	}

	ms, err := strconv.ParseInt(resp.Expiration, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("gmail: invalid watch expiration %q: %w", resp.Expiration, err)
	}

	return time.UnixMilli(ms).UTC(), nil
}

type historyResponse struct {
	History []struct {
		ID            string `json:"id"`
		MessagesAdded []struct {
			Message struct {
				ID string `json:"id"`
			} `json:"message"`
		} `json:"messagesAdded"`
	} `json:"history"`
	HistoryID     string `json:"historyId"`
	NextPageToken string `json:"nextPageToken"`
}

func (c *Client) FetchHistory(ctx context.Context, client *http.Client, cursor string) (providers.HistoryPage, error) {
	page := providers.HistoryPage{LatestCursor: cursor}
	seen := make(map[string]struct{})
	pageToken := ""

	for {
		params := url.Values{
			"startHistoryId": {cursor},
			"historyTypes":   {"messageAdded"},
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var resp historyResponse

		err := c.getJSON(ctx, client, "/gmail/v1/users/me/history", params, &resp)
		if err != nil {
			var apiErr *apiError
			// Gmail answers 404 when the start history id has been truncated.
			if errors.As(err, &apiErr) && apiErr.status == http.StatusNotFound {
				return providers.HistoryPage{}, providers.ErrCursorTooOld
			}

			return providers.HistoryPage{}, err
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				id := added.Message.ID
				if id == "" {
					continue
				}

				if _, dup := seen[id]; dup {
					continue
				}

				seen[id] = struct{}{}
				page.ItemIDs = append(page.ItemIDs, id)
			}
		}

		if resp.HistoryID != "" {
			page.LatestCursor = maxHistoryID(page.LatestCursor, resp.HistoryID)
		}

		if resp.NextPageToken == "" {
			return page, nil
		}

		pageToken = resp.NextPageToken
	}
}

type listResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (c *Client) FetchRecent(ctx context.Context, client *http.Client) (providers.HistoryPage, error) {
	params := url.Values{"maxResults": {strconv.Itoa(recentPageSize)}}

	var resp listResponse
	if err := c.getJSON(ctx, client, "/gmail/v1/users/me/messages", params, &resp); err != nil {
		return providers.HistoryPage{}, err
	}

	page := providers.HistoryPage{}
	for _, m := range resp.Messages {
		page.ItemIDs = append(page.ItemIDs, m.ID)
	}

	// The fresh cursor is the mailbox's current history id.
	var profile profileResponse
	if err := c.getJSON(ctx, client, "/gmail/v1/users/me/profile", nil, &profile); err != nil {
		return providers.HistoryPage{}, err
	}

	page.LatestCursor = profile.HistoryID

	return page, nil
}

type messageResponse struct {
	ID      string `json:"id"`
	Payload struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		MimeType string        `json:"mimeType"`
		Body     messageBody   `json:"body"`
		Parts    []messagePart `json:"parts"`
	} `json:"payload"`
	InternalDate string `json:"internalDate"` // milliseconds since epoch
}

type messagePart struct {
	MimeType string        `json:"mimeType"`
	Body     messageBody   `json:"body"`
	Parts    []messagePart `json:"parts"`
}

type messageBody struct {
	Data string `json:"data"`
}

func (c *Client) FetchItem(ctx context.Context, client *http.Client, nativeID string) (providers.Item, error) {
	params := url.Values{"format": {"full"}}

	var resp messageResponse
	if err := c.getJSON(ctx, client, "/gmail/v1/users/me/messages/"+url.PathEscape(nativeID), params, &resp); err != nil {
		return providers.Item{}, err
	}

	item := providers.Item{NativeID: resp.ID}
	if item.NativeID == "" {
		item.NativeID = nativeID
	}

	for _, h := range resp.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			item.Title = h.Value
		case "from":
			item.Sender = h.Value
		case "date":
			if t, err := mail.ParseDate(h.Value); err == nil {
				item.OccurredAt = t.UTC()
			}
		}
	}

	if item.OccurredAt.IsZero() && resp.InternalDate != "" {
		if ms, err := strconv.ParseInt(resp.InternalDate, 10, 64); err == nil {
			item.OccurredAt = time.UnixMilli(ms).UTC()
		}
	}

	item.Body = extractBody(resp.Payload.MimeType, resp.Payload.Body, resp.Payload.Parts)

	return item, nil
}

// extractBody walks the MIME tree preferring text/plain parts.
func extractBody(mimeType string, body messageBody, parts []messagePart) string {
	if strings.HasPrefix(mimeType, "text/plain") && body.Data != "" {
		if raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(body.Data, "=")); err == nil {
			return string(raw)
		}
	}

	for _, p := range parts {
		if ans := extractBody(p.MimeType, p.Body, p.Parts); ans != "" {
			return ans
		}
	}

	return ""
}

// maxHistoryID compares Gmail history ids numerically.
func maxHistoryID(a, b string) string {
	av, aerr := strconv.ParseUint(a, 10, 64)
	bv, berr := strconv.ParseUint(b, 10, 64)

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

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gmail: api status %d: %s", e.status, e.body)
}

func (c *Client) getJSON(ctx context.Context, client *http.Client, path string, params url.Values, out any) error {
	u := c.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	return c.do(client, req, out)
}

func (c *Client) postJSON(ctx context.Context, client *http.Client, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(string(raw)))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	return c.do(client, req, out)
}

func (c *Client) do(client *http.Client, req *http.Request, out any) error {
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
		return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		return nil
	}

	return json.Unmarshal(raw, out)
}
