// Package gm is the client for the upstream game-master content service.
// Besides one-shot JSON calls it consumes the service's event streams:
// chunked text/event-stream bodies whose records drive session broadcasts.
package gm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// OnEvent receives each parsed, non-heartbeat stream record.
type OnEvent func(event map[string]any)

// Client talks to the game master over HTTP. The zero timeout on the
// http.Client is deliberate: streams run for minutes, so only dialing and
// response headers are bounded, and per-call contexts bound the rest.
type Client struct {
	baseURL string
	http    *http.Client
	closed  atomic.Bool
	logger  *slog.Logger
}

func NewClient(baseURL string, connectTimeout time.Duration, logger *slog.Logger) *Client {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		ResponseHeaderTimeout: connectTimeout,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: transport},
		logger:  logger,
	}
}

// Ready reports whether the client is usable (it is until Close). Read by
// the health handler while shutdown may be calling Close, hence atomic.
func (c *Client) Ready() bool {
	return !c.closed.Load()
}

// Close releases idle connections. In-flight streams are aborted through
// their own contexts.
func (c *Client) Close() {
	c.closed.Store(true)
	c.http.CloseIdleConnections()
}

// StartGame asks the game master to start a new game and returns its
// response, which carries the upstream session id.
func (c *Client) StartGame(ctx context.Context, lang string) (map[string]any, error) {
	return c.getJSON(ctx, "/api/start", url.Values{"lang": {lang}})
}

// State fetches the current upstream game state.
func (c *Client) State(ctx context.Context) (map[string]any, error) {
	return c.getJSON(ctx, "/api/state", nil)
}

// StreamPropose consumes the propose event stream, invoking onEvent per
// record until the stream ends or ctx is cancelled.
func (c *Client) StreamPropose(ctx context.Context, lang string, onEvent OnEvent) error {
	return c.consumeStream(ctx, "/api/stream/propose", url.Values{"lang": {lang}}, onEvent)
}

// StreamChoose consumes the choose event stream for one candidate kind.
func (c *Client) StreamChoose(ctx context.Context, kind, lang string, onEvent OnEvent) error {
	return c.consumeStream(ctx, "/api/stream/choose", url.Values{"kind": {kind}, "lang": {lang}}, onEvent)
}

// Image fetches a generated image. The caller owns the body and must close
// it; the content type is passed through unchanged.
func (c *Client) Image(ctx context.Context, path string) (body io.ReadCloser, contentType string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/images/"+path, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching image %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("fetching image %s: status %d", path, resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "image/png"
	}
	return resp.Body, ct, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, params), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calling %s: status %d", path, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", path, err)
	}
	return out, nil
}

// consumeStream reads the chunked body, reassembling blank-line-delimited
// records that may be split across chunk boundaries, and hands each parsed
// record to parseRecord. A non-whitespace partial buffer left at stream end
// is flushed as a final record.
func (c *Client) consumeStream(ctx context.Context, path string, params url.Values, onEvent OnEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, params), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("opening stream %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opening stream %s: status %d", path, resp.StatusCode)
	}

	var buffer string
	chunk := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			buffer += string(chunk[:n])
			for {
				idx := strings.Index(buffer, "\n\n")
				if idx < 0 {
					break
				}
				record := buffer[:idx]
				buffer = buffer[idx+2:]
				c.parseRecord(record, onEvent)
			}
		}
		if readErr != nil {
			if strings.TrimSpace(buffer) != "" {
				c.parseRecord(buffer, onEvent)
			}
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("reading stream %s: %w", path, readErr)
		}
	}
}

// parseRecord joins the record's data lines and decodes them as one JSON
// object. Undecodable records are logged and dropped; heartbeats are
// dropped silently.
func (c *Client) parseRecord(raw string, onEvent OnEvent) {
	var dataLines []string
	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, line[6:])
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, line[5:])
		}
	}
	if len(dataLines) == 0 {
		return
	}

	payload := strings.Join(dataLines, "\n")
	var event map[string]any
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		c.logger.Warn("dropping non-JSON stream record", "data", truncate(payload, 200))
		return
	}
	if event["type"] == "heartbeat" {
		return
	}
	onEvent(event)
}

func (c *Client) endpoint(path string, params url.Values) string {
	if len(params) == 0 {
		return c.baseURL + path
	}
	return c.baseURL + path + "?" + params.Encode()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
