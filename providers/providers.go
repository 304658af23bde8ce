// Package providers defines the capability interface every connected
// third-party service implements. The synchronizer, the watch registrar and
// the OAuth handlers all dispatch through this interface so there is exactly
// one control flow per concern regardless of provider.
package providers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/inlethq/inlet/models"
)

var (
	// ErrCursorTooOld means the provider truncated its change stream before
	// the requested cursor. Callers fall back to FetchRecent.
	ErrCursorTooOld = errors.New("history cursor too old")

	ErrUnknownProvider = errors.New("unknown provider")
)

// Item is a normalized provider-side item before persistence.
type Item struct {
	NativeID   string
	Title      string
	Sender     string
	Channel    string
	Body       string
	OccurredAt time.Time
}

// HistoryPage is one incremental-history result: the native ids of changed
// items plus the most recent cursor observed while listing them.
type HistoryPage struct {
	ItemIDs      []string
	LatestCursor string
}

// Notification is a decoded push notification resolved to the natural key of
// the account it addresses.
type Notification struct {
	AccountKey string // email address, team id, ...
	Cursor     string // change cursor carried by the notification, if any
}

// Provider is the capability set of one third-party service.
type Provider interface {
	Name() models.Provider
	Kind() models.GenericType

	// OAuth returns the explicitly constructed OAuth2 configuration for this
	// provider. There is no process-wide client; every call site receives the
	// config it needs.
	OAuth() *oauth2.Config

	// Identity resolves the natural provider key (email address, team id) of
	// the authenticated account.
	Identity(ctx context.Context, client *http.Client) (string, error)

	// RegisterWatch subscribes the account to push notifications and returns
	// the watch expiration. Providers that push unconditionally return a
	// far-future expiration.
	RegisterWatch(ctx context.Context, client *http.Client) (time.Time, error)

	// FetchHistory lists items changed since cursor. Returns ErrCursorTooOld
	// when the provider no longer retains history at that position.
	FetchHistory(ctx context.Context, client *http.Client, cursor string) (HistoryPage, error)

	// FetchRecent lists the most recent items with a fresh cursor; used as
	// the fallback when the stored cursor is too old.
	FetchRecent(ctx context.Context, client *http.Client) (HistoryPage, error)

	// FetchItem fetches one item's detail and normalizes it.
	FetchItem(ctx context.Context, client *http.Client, nativeID string) (Item, error)
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	byName map[models.Provider]Provider
}

func NewRegistry(list ...Provider) *Registry {
	reg := Registry{byName: make(map[models.Provider]Provider, len(list))}

	for _, p := range list {
		reg.byName[p.Name()] = p
	}

	return &reg
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.byName[p.Name()] = p
}

func (r *Registry) Get(name models.Provider) (Provider, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, ErrUnknownProvider
	}

	return p, nil
}

func (r *Registry) All() []Provider {
	ans := make([]Provider, 0, len(r.byName))
	for _, p := range r.byName {
		ans = append(ans, p)
	}

	return ans
}
