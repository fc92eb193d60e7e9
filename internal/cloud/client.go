// Package cloud is the single HTTP surface of the agent: the inverter
// frame proxy, telemetry ingest, configuration fetch, command queue,
// diagnostics, power reports, and firmware downloads. Callers serialize
// access through the task manager's network mutex; the client itself only
// knows endpoints, retries, and connectivity accounting.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"ecowatt/telemetry/logging"
)

var (
	ErrStatus  = errors.New("cloud: unexpected status")
	ErrNoBody  = errors.New("cloud: empty body")
	ErrOffline = errors.New("cloud: transport failure")
)

const (
	frameRetries   = 3
	frameBackoff   = 500 * time.Millisecond
	defaultTimeout = 10 * time.Second
)

// Options configures the client.
type Options struct {
	BaseURL  string
	DeviceID string
	Timeout  time.Duration
	// HTTPClient overrides the default client (tests inject httptest).
	HTTPClient *http.Client
}

// Client talks to the cloud ingest service and the inverter gateway.
type Client struct {
	base     string
	deviceID string
	http     *http.Client
	log      logging.Logger

	online     atomic.Bool
	wentOnline atomic.Bool // set on offline->online transition, cleared by watchdog
}

func New(opts Options, log logging.Logger) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	c := &Client{base: opts.BaseURL, deviceID: opts.DeviceID, http: hc, log: log}
	c.online.Store(true)
	return c
}

// Online reports last-known connectivity.
func (c *Client) Online() bool { return c.online.Load() }

// TakeReconnected reports-and-clears the offline->online edge; the watchdog
// uses it to forgive network-related deadline misses.
func (c *Client) TakeReconnected() bool { return c.wentOnline.Swap(false) }

func (c *Client) noteResult(err error) {
	if err != nil {
		c.online.Store(false)
		return
	}
	if !c.online.Swap(true) {
		c.wentOnline.Store(true)
	}
}

type frameBody struct {
	Frame string `json:"frame"`
}

// ExchangeFrame posts one hex frame to the inverter gateway and returns the
// response frame. Transport failures retry with exponential backoff
// starting at 500 ms, doubling, at most three attempts.
func (c *Client) ExchangeFrame(ctx context.Context, frameHex string) (string, error) {
	var lastErr error
	delay := frameBackoff
	for attempt := 0; attempt < frameRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}
		var resp frameBody
		err := c.postJSON(ctx, "/api/inverter/exchange", frameBody{Frame: frameHex}, &resp)
		if err == nil {
			return resp.Frame, nil
		}
		lastErr = err
		if !errors.Is(err, ErrOffline) && !errors.Is(err, ErrStatus) {
			break
		}
	}
	return "", lastErr
}

// PostBatch uploads one sealed telemetry envelope.
func (c *Client) PostBatch(ctx context.Context, envelope []byte) error {
	return c.postRaw(ctx, "/api/ingest/"+c.deviceID, envelope)
}

// PostDiagnostics uploads a sealed health report.
func (c *Client) PostDiagnostics(ctx context.Context, envelope []byte) error {
	return c.postRaw(ctx, "/api/diagnostics/"+c.deviceID, envelope)
}

// PostPowerReport uploads a sealed energy-accounting record.
func (c *Client) PostPowerReport(ctx context.Context, envelope []byte) error {
	return c.postRaw(ctx, "/api/power/"+c.deviceID, envelope)
}

// RemoteConfig is the per-field versioned configuration record served by
// the cloud.
type RemoteConfig struct {
	Fields map[string]ConfigField `json:"fields"`
}

// ConfigField is one independently-versioned tunable.
type ConfigField struct {
	Version int64  `json:"version"`
	Value   string `json:"value"`
}

// FetchConfig pulls the remote configuration record.
func (c *Client) FetchConfig(ctx context.Context) (*RemoteConfig, error) {
	var rc RemoteConfig
	if err := c.getJSON(ctx, "/api/config/"+c.deviceID, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

// PollCommand fetches at most one pending command; (false, nil) when the
// queue is empty.
func (c *Client) PollCommand(ctx context.Context, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/commands/"+c.deviceID+"/next", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	c.noteResult(err)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, err
	}
	return true, nil
}

// PostCommandResult reports a command outcome.
func (c *Client) PostCommandResult(ctx context.Context, result any) error {
	return c.postJSON(ctx, "/api/commands/"+c.deviceID+"/result", result, nil)
}

// Manifest describes the latest published firmware.
type Manifest struct {
	Version string `json:"version"`
	SHA256  string `json:"sha256"`
	Size    int64  `json:"size"`
	URL     string `json:"url"`
}

// FetchManifest pulls the OTA manifest.
func (c *Client) FetchManifest(ctx context.Context) (*Manifest, error) {
	var m Manifest
	if err := c.getJSON(ctx, "/api/ota/"+c.deviceID+"/manifest", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FetchChunk reads size bytes of firmware at offset via an HTTP range
// request against the manifest URL.
func (c *Client) FetchChunk(ctx context.Context, url string, offset, size int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
	resp, err := c.http.Do(req)
	c.noteResult(err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, size))
}

func (c *Client) postRaw(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	c.noteResult(err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	c.noteResult(err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	c.noteResult(err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	if resp.Body == nil {
		return ErrNoBody
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
