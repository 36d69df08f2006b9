package meterapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Daniele-Cangi/CryoFlux/internal/meter"
)

// Client talks to a metering server over loopback HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL
// (e.g. "http://127.0.0.1:8787"). Timeouts are short: callers poll at
// sample rate and a hung agent must read as an empty bucket, not a stall.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 500 * time.Millisecond,
		},
	}
}

// Sample fetches the current meter snapshot. On any transport or decode
// failure it returns a zero-bucket snapshot so schedulers fail closed.
func (c *Client) Sample(ctx context.Context) meter.Snapshot {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sample", nil)
	if err != nil {
		return meter.Snapshot{}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return meter.Snapshot{}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return meter.Snapshot{}
	}
	var snap meter.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return meter.Snapshot{}
	}
	return snap
}

// Take withdraws joules from the agent's bucket.
func (c *Client) Take(ctx context.Context, joules float64) (TakeResponse, error) {
	body, err := json.Marshal(TakeRequest{Joules: joules})
	if err != nil {
		return TakeResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/take", bytes.NewReader(body))
	if err != nil {
		return TakeResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TakeResponse{}, fmt.Errorf("take request failed: %w", err)
	}
	defer resp.Body.Close()

	var out TakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TakeResponse{}, fmt.Errorf("decode take response: %w", err)
	}
	return out, nil
}

// Health checks the agent's health endpoint.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthResponse{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthResponse{}, fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthResponse{}, fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	var out HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return HealthResponse{}, err
	}
	return out, nil
}

// Watch connects to the snapshot stream and invokes fn for each sample
// until the context is cancelled or the connection drops.
func (c *Client) Watch(ctx context.Context, fn func(meter.Snapshot)) error {
	wsURL, err := c.watchURL()
	if err != nil {
		return fmt.Errorf("build watch URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("watch connection failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("watch connection failed: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var snap meter.Snapshot
		if err := json.Unmarshal(message, &snap); err != nil {
			continue
		}
		fn(snap)
	}
}

func (c *Client) watchURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/watch"
	return u.String(), nil
}
