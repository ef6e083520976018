// Package webhook is a connection that posts JSON payloads to an HTTP
// endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NexusSwitchboard/nexus-core/internal/config"
	"github.com/NexusSwitchboard/nexus-core/internal/connection"
	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
)

// Name is the catalog key.
const Name = "webhook"

const defaultTimeout = 10 * time.Second

var ErrNotConnected = errors.New("webhook: not connected")

// StatusError is returned when the endpoint answers outside 2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("webhook: unexpected status %d: %s", e.Code, e.Body)
}

// Conn posts to one URL. The instance config key "url" wins over the global
// one; "timeout" is a Go duration and "headers" a string map, both taken
// from either level.
type Conn struct {
	connection.Base

	client  *http.Client
	target  *url.URL
	headers map[string]string
}

// New is the connection factory.
func New(cfg, global modconfig.Config) (connection.Connection, error) {
	return &Conn{Base: connection.NewBase(Name, cfg, global)}, nil
}

func (c *Conn) setting(key string) string {
	if v := strings.TrimSpace(c.Config().String(key)); v != "" {
		return v
	}
	return strings.TrimSpace(c.GlobalConfig().String(key))
}

// Connect validates the target URL and builds the client.
func (c *Conn) Connect(context.Context) error {
	raw := c.setting("url")
	if raw == "" {
		return errors.New("webhook: url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook: invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook: url must be absolute http(s), got %q", u.Redacted())
	}
	timeout, err := config.ParseDurationField("webhook.timeout", c.setting("timeout"))
	if err != nil {
		return err
	}
	if timeout == 0 {
		timeout = defaultTimeout
	}

	c.headers = map[string]string{}
	for _, src := range []modconfig.Config{c.GlobalConfig(), c.Config()} {
		v, ok := modconfig.Get(src, "headers")
		if !ok {
			continue
		}
		var m map[string]any
		switch x := v.(type) {
		case modconfig.Config:
			m = x
		case map[string]any:
			m = x
		}
		for k, hv := range m {
			if s, isStr := hv.(string); isStr {
				c.headers[k] = s
			}
		}
	}

	c.target = u
	c.client = &http.Client{Timeout: timeout}
	return nil
}

// URL is the validated target, or "" before Connect.
func (c *Conn) URL() string {
	if c.target == nil {
		return ""
	}
	return c.target.String()
}

// Post sends payload as a JSON body.
func (c *Conn) Post(ctx context.Context, payload any) error {
	if c.client == nil {
		return ErrNotConnected
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.target.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Conn) Disconnect(context.Context) error {
	if c.client != nil {
		c.client.CloseIdleConnections()
	}
	return nil
}
