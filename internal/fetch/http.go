package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"beaconkit/internal/layout"
)

// NetworkError wraps a transport-level failure (connection refused,
// timeout). Callers retry these with backoff.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-success status from the layout backend.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string { return fmt.Sprintf("http status %d", e.Status) }

const defaultTimeout = 30 * time.Second

// HTTPFetcher retrieves the layout document over HTTP. It implements
// layout.Fetcher.
type HTTPFetcher struct {
	url    string
	apiKey string
	client *http.Client
}

var _ layout.Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher for the given layout URL. apiKey may be
// empty when the backend does not require authentication.
func NewHTTPFetcher(url, apiKey string) *HTTPFetcher {
	return &HTTPFetcher{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: defaultTimeout},
	}
}

// Fetch performs one GET against the layout endpoint. Errors are classified
// as *NetworkError (transport) or *HTTPError (status); body read failures
// count as network errors.
func (f *HTTPFetcher) Fetch(ctx context.Context) (*layout.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building layout request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("X-Api-Key", f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	return &layout.Document{
		CacheControl: resp.Header.Get("Cache-Control"),
		Body:         body,
	}, nil
}
