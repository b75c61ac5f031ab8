package device

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/bardlex/poolaudit/pkg/errors"
)

// InfoPath is the BitAxe endpoint that reports live metrics
const InfoPath = "/api/system/info"

const maxInfoBytes = 1 << 20

// Client fetches SystemInfo from devices on the local network
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient returns a client that gives each device timeout to answer
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// Fetch reads the system info of the device at addr (ip or ip:port)
func (c *Client) Fetch(ctx context.Context, addr string) (*SystemInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+InfoPath, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDevice, "fetch_metrics", "invalid device address").
			WithContext("device", addr)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDevice, "fetch_metrics", "failed to fetch metrics").
			WithContext("device", addr)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxInfoBytes))
		return nil, errors.Newf(errors.ErrorTypeDevice, "fetch_metrics", "unexpected status %d", resp.StatusCode).
			WithContext("device", addr).
			WithContext("status", resp.StatusCode)
	}

	var info SystemInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxInfoBytes)).Decode(&info); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDevice, "decode_metrics", "invalid system info").
			WithContext("device", addr)
	}
	return &info, nil
}
