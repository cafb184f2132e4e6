package cache

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/draftsync/internal/netx"
)

// HTTPFetcher reads payloads from the asset endpoint at
// {BaseURL}/assets/{tier}/{key}.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	// MaxBytes caps a single payload; zero means unlimited.
	MaxBytes int64
}

func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

func (f *HTTPFetcher) URL(t Tier, key string) string {
	return f.BaseURL + "/assets/" + url.PathEscape(string(t)) + "/" + url.PathEscape(key)
}

func (f *HTTPFetcher) Fetch(ctx context.Context, t Tier, key string) ([]byte, error) {
	return netx.Download(ctx, f.Client, f.URL(t, key), f.MaxBytes)
}
