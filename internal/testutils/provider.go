package testutils

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/providers"
)

// FakeProvider is a scriptable providers.Provider for tests. History pages
// are keyed by the requested cursor.
type FakeProvider struct {
	ProviderName models.Provider
	ProviderKind models.GenericType
	OAuthConfig  *oauth2.Config

	IdentityKey     string
	WatchExpiration time.Time
	WatchErr        error

	HistoryPages map[string]providers.HistoryPage
	HistoryErrs  map[string]error
	RecentPage   providers.HistoryPage
	RecentErr    error
	Items        map[string]providers.Item
	ItemErrs     map[string]error

	mu           sync.Mutex
	WatchCalls   int
	HistoryCalls int
	RecentCalls  int
}

var _ providers.Provider = (*FakeProvider)(nil)

func NewFakeProvider(name models.Provider, kind models.GenericType) *FakeProvider {
	return &FakeProvider{
		ProviderName: name,
		ProviderKind: kind,
		OAuthConfig:  &oauth2.Config{ClientID: "test-client"},
		HistoryPages: make(map[string]providers.HistoryPage),
		HistoryErrs:  make(map[string]error),
		Items:        make(map[string]providers.Item),
		ItemErrs:     make(map[string]error),
	}
}

func (f *FakeProvider) Name() models.Provider    { return f.ProviderName }
func (f *FakeProvider) Kind() models.GenericType { return f.ProviderKind }
func (f *FakeProvider) OAuth() *oauth2.Config    { return f.OAuthConfig }

func (f *FakeProvider) Identity(context.Context, *http.Client) (string, error) {
	return f.IdentityKey, nil
}

func (f *FakeProvider) RegisterWatch(context.Context, *http.Client) (time.Time, error) {
	f.mu.Lock()
	f.WatchCalls++
	f.mu.Unlock()

	if f.WatchErr != nil {
		return time.Time{}, f.WatchErr
	}

	return f.WatchExpiration, nil
}

func (f *FakeProvider) FetchHistory(_ context.Context, _ *http.Client, cursor string) (providers.HistoryPage, error) {
	f.mu.Lock()
	f.HistoryCalls++
	f.mu.Unlock()

	if err, ok := f.HistoryErrs[cursor]; ok {
		return providers.HistoryPage{}, err
	}

	return f.HistoryPages[cursor], nil
}

func (f *FakeProvider) FetchRecent(context.Context, *http.Client) (providers.HistoryPage, error) {
	f.mu.Lock()
	f.RecentCalls++
	f.mu.Unlock()

	if f.RecentErr != nil {
		return providers.HistoryPage{}, f.RecentErr
	}

	return f.RecentPage, nil
}

func (f *FakeProvider) FetchItem(_ context.Context, _ *http.Client, nativeID string) (providers.Item, error) {
	if err, ok := f.ItemErrs[nativeID]; ok {
		return providers.Item{}, err
	}

	item, ok := f.Items[nativeID]
	if !ok {
		return providers.Item{NativeID: nativeID}, nil
	}

	return item, nil
}
