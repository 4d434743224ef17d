package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dialer opens the upstream leg of a session.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Client dials the upstream realtime gateway. The API key is passed through
// as a bearer token; nothing else about the caller is checked.
type Client struct {
	logger         shared.LoggerAdapter
	baseUrl        *url.URL
	model          string
	apiKey         string
	protocolHeader string
	protocolValue  string
	dialer         *websocket.Dialer
}

var _ Dialer = (*Client)(nil)

func NewClient(logger shared.LoggerAdapter, cfg shared.UpstreamConfig) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: upstream url is empty", shared.ErrInvalidConfig)
	}
	baseUrl, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream URL: %w", err)
	}
	switch baseUrl.Scheme {
	case "ws", "wss":
	case "http":
		baseUrl.Scheme = "ws"
	case "https":
		baseUrl.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: unsupported upstream scheme %q", shared.ErrInvalidConfig, baseUrl.Scheme)
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		logger:         logger.With(zap.String("component", "upstream")),
		baseUrl:        baseUrl,
		model:          cfg.Model,
		apiKey:         cfg.APIKey,
		protocolHeader: cfg.ProtocolHeader,
		protocolValue:  cfg.ProtocolValue,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
	}, nil
}

// URL is the upstream endpoint including the model query parameter.
func (c *Client) URL() string {
	u := *c.baseUrl
	if c.model != "" {
		q := u.Query()
		q.Set("model", c.model)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) Header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.apiKey)
	if c.protocolHeader != "" && c.protocolValue != "" {
		h.Set(c.protocolHeader, c.protocolValue)
	}
	return h
}

func (c *Client) Dial(ctx context.Context) (Conn, error) {
	target := c.URL()
	conn, resp, err := c.dialer.DialContext(ctx, target, c.Header())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: status %d: %w", shared.ErrUpstreamDial, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %w", shared.ErrUpstreamDial, err)
	}
	c.logger.Debug("upstream connected", zap.String("url", target))
	return conn, nil
}
