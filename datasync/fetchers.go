package datasync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const fetchTimeout = 10 * time.Second

// PriceFetcher pulls global quotes from the market data API.
type PriceFetcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewPriceFetcher(baseURL, apiKey string, client *http.Client) *PriceFetcher {
	return &PriceFetcher{baseURL: baseURL, apiKey: apiKey, client: orDefault(client)}
}

func (f *PriceFetcher) Fetch(ctx context.Context, symbol string) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/query?function=GLOBAL_QUOTE&symbol=%s&apikey=%s",
		f.baseURL, url.QueryEscape(symbol), url.QueryEscape(f.apiKey))

	body, err := getJSON(ctx, f.client, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("datasync: market quote %s: %w", symbol, err)
	}

	quote, ok := body["Global Quote"].(map[string]any)
	if !ok || len(quote) == 0 {
		return nil, fmt.Errorf("datasync: market quote %s: empty response", symbol)
	}
	return quote, nil
}

// DeviceFetcher pulls the reported state of a device from the telemetry API.
type DeviceFetcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewDeviceFetcher(baseURL, apiKey string, client *http.Client) *DeviceFetcher {
	return &DeviceFetcher{baseURL: baseURL, apiKey: apiKey, client: orDefault(client)}
}

func (f *DeviceFetcher) Fetch(ctx context.Context, deviceID string) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/applications/%s/state", f.baseURL, url.PathEscape(deviceID))

	headers := map[string]string{"Authorization": "Bearer " + f.apiKey}
	body, err := getJSON(ctx, f.client, endpoint, headers)
	if err != nil {
		return nil, fmt.Errorf("datasync: device state %s: %w", deviceID, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("datasync: device state %s: empty response", deviceID)
	}
	return body, nil
}

// WeatherFetcher pulls current conditions for a location.
type WeatherFetcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewWeatherFetcher(baseURL, apiKey string, client *http.Client) *WeatherFetcher {
	return &WeatherFetcher{baseURL: baseURL, apiKey: apiKey, client: orDefault(client)}
}

func (f *WeatherFetcher) Fetch(ctx context.Context, location string) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/data/2.5/weather?q=%s&units=metric&appid=%s",
		f.baseURL, url.QueryEscape(location), url.QueryEscape(f.apiKey))

	body, err := getJSON(ctx, f.client, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("datasync: weather %s: %w", location, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("datasync: weather %s: empty response", location)
	}
	return body, nil
}

func orDefault(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: fetchTimeout}
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return body, nil
}
