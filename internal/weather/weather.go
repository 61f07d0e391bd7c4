// Package weather fetches current conditions for an observation's location.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ShayCichocki/swarmops/internal/version"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

// DefaultBaseURL is the OpenWeather current weather endpoint.
const DefaultBaseURL = "https://api.openweathermap.org/data/2.5"

// Provider returns current conditions at a position as raw JSON.
type Provider interface {
	Current(ctx context.Context, pos models.Coordinates) (json.RawMessage, error)
}

// OpenWeather is an OpenWeather-compatible HTTP client.
type OpenWeather struct {
	baseURL string
	apiKey  string
	units   string
	client  *http.Client
}

// NewOpenWeather creates a client. An empty baseURL uses DefaultBaseURL.
func NewOpenWeather(baseURL, apiKey string, timeout time.Duration) *OpenWeather {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &OpenWeather{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		units:   "metric",
		client:  &http.Client{Timeout: timeout, Transport: tr},
	}
}

// Current calls GET /weather?lat=..&lon=..&appid=..&units=metric.
func (o *OpenWeather) Current(ctx context.Context, pos models.Coordinates) (json.RawMessage, error) {
	if o.apiKey == "" {
		return nil, errors.New("openweather: no api key configured")
	}
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(pos.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(pos.Lon, 'f', -1, 64))
	q.Set("appid", o.apiKey)
	q.Set("units", o.units)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/weather?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openweather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("openweather: rate limited (%d)", resp.StatusCode)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("openweather: http %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("openweather: decode: %w", err)
	}
	return raw, nil
}
