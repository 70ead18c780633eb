package storage

import (
	"context"
	"fmt"
	"net/http"

	"filmgen/internal/provider"
)

// Fetcher downloads provider-hosted artifacts and re-homes them in the
// object store. Provider output URLs expire; ours do not.
type Fetcher struct {
	store  ObjectStore
	client *http.Client
}

func NewFetcher(store ObjectStore, client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{store: store, client: client}
}

// Mirror downloads srcURL and stores it under key, streaming without
// buffering the whole artifact in memory.
func (f *Fetcher) Mirror(ctx context.Context, srcURL, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return &provider.Error{Provider: "artifact", Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.NewHTTPError("artifact", resp.StatusCode, fmt.Sprintf("download returned %s", resp.Status))
	}
	if err := f.store.Put(ctx, key, resp.Body, resp.ContentLength); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	return nil
}
