package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/knx-process/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 // seconds
)

// Stats holds write counters.
type Stats struct {
	Connected    bool      `json:"connected"`
	PointsQueued uint64    `json:"points_queued"`
	WriteErrors  uint64    `json:"write_errors"`
	LastError    string    `json:"last_error,omitempty"`
	LastErrorAt  time.Time `json:"last_error_at,omitzero"`
}

// Client records group events in an InfluxDB v2 bucket through the
// non-blocking, batching write API.
//
// All methods are safe for concurrent use.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	closed atomic.Bool
	queued atomic.Uint64
	failed atomic.Uint64

	mu        sync.Mutex
	onError   func(error)
	lastErr   error
	lastErrAt time.Time
}

// Connect pings the server at cfg.URL and opens a write API for cfg.Org and
// cfg.Bucket.
//
// Returns ErrDisabled if cfg is not enabled and ErrConnectionFailed if the
// server does not answer the ping or reports itself unhealthy.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batch, flush := cfg.BatchSize, cfg.FlushInterval
	if batch <= 0 {
		batch = defaultBatchSize
	}
	if flush <= 0 {
		flush = defaultFlushInterval
	}
	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)).           //nolint:gosec // positive
		SetFlushInterval(uint(flush) * 1000) //nolint:gosec // seconds to milliseconds
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	go c.collectErrors()
	return c, nil
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !healthy {
		return fmt.Errorf("server not healthy")
	}
	return nil
}

// collectErrors counts asynchronous batch failures and hands them to the
// SetOnError callback.
func (c *Client) collectErrors() {
	for err := range c.writeAPI.Errors() {
		c.mu.Lock()
		c.lastErr, c.lastErrAt = err, time.Now()
		callback := c.onError
		c.mu.Unlock()
		c.failed.Add(1)

		if callback != nil {
			callback(err)
		}
	}
}

// SetOnError sets a callback for batch write failures, which are never
// returned to the writer.
func (c *Client) SetOnError(callback func(error)) {
	c.mu.Lock()
	c.onError = callback
	c.mu.Unlock()
}

// Flush sends everything buffered. It is a no-op after Close.
func (c *Client) Flush() {
	if c.closed.Load() {
		return
	}
	c.writeAPI.Flush()
}

// Close flushes pending points and shuts the client down.
func (c *Client) Close() error {
	if c.client == nil || c.closed.Swap(true) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is open. It does not contact the
// server; use HealthCheck for that.
func (c *Client) IsConnected() bool {
	return c.client != nil && !c.closed.Load()
}

// Stats returns current counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Connected:    c.IsConnected(),
		PointsQueued: c.queued.Load(),
		WriteErrors:  c.failed.Load(),
		LastErrorAt:  c.lastErrAt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}
