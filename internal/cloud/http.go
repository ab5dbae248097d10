package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// HTTPBackend implements Backend against the FestivAir REST API.
type HTTPBackend struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewHTTPBackend creates a client for the given API root. timeout bounds
// every individual call; zero picks the default.
func NewHTTPBackend(baseURL, authToken string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPBackend{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

// Push applies one mutation: POST for creates, PUT for updates, DELETE for
// deletes, all under /v1/<kind>.
func (b *HTTPBackend) Push(ctx context.Context, m Mutation) error {
	var method, path string
	var body io.Reader

	switch m.Operation {
	case OpCreate:
		method = http.MethodPost
		path = "/v1/" + m.EntityKind
		body = bytes.NewReader(m.Payload)
	case OpUpdate:
		method = http.MethodPut
		path = "/v1/" + m.EntityKind + "/" + url.PathEscape(m.EntityID)
		body = bytes.NewReader(m.Payload)
	case OpDelete:
		method = http.MethodDelete
		path = "/v1/" + m.EntityKind + "/" + url.PathEscape(m.EntityID)
	default:
		return &StatusError{Status: http.StatusBadRequest, Body: "unknown operation " + m.Operation}
	}

	resp, err := b.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// FetchSince pulls the squad's delta feed.
func (b *HTTPBackend) FetchSince(ctx context.Context, squadID string, since int64) (Delta, error) {
	path := fmt.Sprintf("/v1/squads/%s/delta?since=%d", url.PathEscape(squadID), since)
	resp, err := b.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Delta{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return Delta{}, err
	}

	var delta Delta
	if err := json.NewDecoder(resp.Body).Decode(&delta); err != nil {
		return Delta{}, fmt.Errorf("cloud: decode delta: %w", err)
	}
	return delta, nil
}

// FetchNearbyParties queries the geo index for public parties.
func (b *HTTPBackend) FetchNearbyParties(ctx context.Context, lat, lon, radiusKm float64) ([]Record, error) {
	path := fmt.Sprintf("/v1/parties/near?lat=%f&lon=%f&radius_km=%f", lat, lon, radiusKm)
	resp, err := b.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("cloud: decode parties: %w", err)
	}
	return records, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("cloud: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.authToken)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// checkStatus maps HTTP status codes onto the backend error taxonomy: 2xx ok,
// 5xx transient, anything else a permanent per-record rejection.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
