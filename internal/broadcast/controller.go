package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrDisabled is returned when no control URL is configured
var ErrDisabled = errors.New("broadcast control disabled")

type rpcClient interface {
	call(ctx context.Context, requestType string, data any, out any) error
	Close() error
}

// Controller talks to the broadcast app over its websocket control
// interface. It connects lazily and drops the connection on any error so
// the next call reconnects.
type Controller struct {
	url      string
	password string
	logger   zerolog.Logger
	connect  func(ctx context.Context, url, password string) (rpcClient, error)

	mu     sync.Mutex
	client rpcClient
}

// StreamStatus is the state of the outgoing stream
type StreamStatus struct {
	Active       bool  `json:"outputActive"`
	Reconnecting bool  `json:"outputReconnecting"`
	DurationMS   int64 `json:"outputDuration"`
	Bytes        int64 `json:"outputBytes"`
}

// New creates a Controller. An empty url disables it.
func New(url, password string, logger zerolog.Logger) *Controller {
	return &Controller{
		url:      url,
		password: password,
		logger:   logger.With().Str("component", "broadcast").Logger(),
		connect: func(ctx context.Context, url, password string) (rpcClient, error) {
			client, err := dial(ctx, url, password)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	}
}

// Enabled reports whether a control URL is configured
func (c *Controller) Enabled() bool {
	return c.url != ""
}

// Connected reports whether a control connection is currently open
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// Connect opens the control connection if it is not already open
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.ensure(ctx)
	return err
}

func (c *Controller) ensure(ctx context.Context) (rpcClient, error) {
	if c.url == "" {
		return nil, ErrDisabled
	}
	if c.client != nil {
		return c.client, nil
	}

	client, err := c.connect(ctx, c.url, c.password)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.logger.Info().Str("url", c.url).Msg("Connected to broadcast control")
	return client, nil
}

func (c *Controller) do(ctx context.Context, requestType string, data any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := c.ensure(ctx)
	if err != nil {
		return err
	}

	err = client.call(ctx, requestType, data, out)
	var reqErr *RequestError
	if err != nil && !errors.As(err, &reqErr) {
		// Transport failure: reconnect next time
		c.logger.Debug().Err(err).Str("request", requestType).Msg("Broadcast control connection lost")
		_ = client.Close()
		c.client = nil
	}
	return err
}

// StreamStatus queries the outgoing stream state
func (c *Controller) StreamStatus(ctx context.Context) (StreamStatus, error) {
	var st StreamStatus
	err := c.do(ctx, "GetStreamStatus", nil, &st)
	return st, err
}

// StartStream asks the broadcast app to begin streaming
func (c *Controller) StartStream(ctx context.Context) error {
	return c.do(ctx, "StartStream", nil, nil)
}

// StopStream asks the broadcast app to stop streaming
func (c *Controller) StopStream(ctx context.Context) error {
	return c.do(ctx, "StopStream", nil, nil)
}

// Close drops the control connection
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
}
