// Package mirror pushes pipeline records to a realtime database so that
// dashboards can follow events and allocations as they happen.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ShayCichocki/swarmops/internal/version"
)

// Paths under which records are pushed.
const (
	PathEvents      = "events"
	PathAllocations = "allocations"
)

// Mirror appends a record under path.
type Mirror interface {
	Push(ctx context.Context, path string, v any) error
}

// Nop discards everything.
type Nop struct{}

// Push implements Mirror.
func (Nop) Push(context.Context, string, any) error { return nil }

// Firebase pushes to a Firebase Realtime Database over its REST API.
type Firebase struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewFirebase creates a client for the database at baseURL
// (https://<project>.firebaseio.com). authToken may be empty for open rules.
func NewFirebase(baseURL, authToken string, timeout time.Duration) *Firebase {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Firebase{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: strings.TrimSpace(authToken),
		client:    &http.Client{Timeout: timeout},
	}
}

// Push POSTs v to <baseURL>/<path>.json, which appends it under a generated key.
func (f *Firebase) Push(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("firebase: encode: %w", err)
	}

	u := f.baseURL + "/" + strings.Trim(path, "/") + ".json"
	if f.authToken != "" {
		u += "?" + url.Values{"auth": {f.authToken}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("firebase: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("firebase: push %s: http %d", path, resp.StatusCode)
	}
	return nil
}
