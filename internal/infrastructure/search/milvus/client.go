// Package milvus indexes molecule fingerprints as binary vectors so that
// similarity queries can prefilter candidates by Tanimoto (Jaccard) distance
// before the store is consulted.
package milvus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"

	"github.com/molforge/molforge/internal/config"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
)

// milvusNewClient is a variable so tests can substitute a mock factory.
var milvusNewClient = client.NewClient

var (
	ErrConnectionFailed = errors.New(errors.ErrCodeServiceUnavailable, "milvus connection failed")
	ErrUnhealthy        = errors.New(errors.ErrCodeServiceUnavailable, "milvus unhealthy")
	ErrDisabled         = errors.New(errors.ErrCodeServiceUnavailable, "vector search is disabled")
)

// Client manages the Milvus connection.
type Client struct {
	milvusClient client.Client
	cfg          config.MilvusConfig
	logger       logging.Logger
	healthy      atomic.Bool
	mu           sync.RWMutex
	closed       bool
}

// NewClient connects to Milvus and verifies the connection.
func NewClient(cfg config.MilvusConfig, log logging.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New(errors.ErrCodeBadRequest, "milvus address required")
	}
	if cfg.DBName == "" {
		cfg.DBName = "default"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mc, err := milvusNewClient(ctx, client.Config{
		Address: cfg.Addr,
		DBName:  cfg.DBName,
	})
	if err != nil {
		return nil, ErrConnectionFailed.WithCause(err)
	}

	c := NewClientWithMilvus(mc, cfg, log)
	if err := c.CheckHealth(ctx); err != nil {
		c.Close()
		return nil, err
	}

	log.Info("Milvus client connected",
		logging.String("addr", cfg.Addr),
		logging.String("db", cfg.DBName))
	return c, nil
}

// NewClientWithMilvus wraps an existing SDK client (for testing).
func NewClientWithMilvus(mc client.Client, cfg config.MilvusConfig, log logging.Logger) *Client {
	return &Client{
		milvusClient: mc,
		cfg:          cfg,
		logger:       log.Named("milvus"),
	}
}

// CheckHealth pings the cluster and updates the health flag.
func (c *Client) CheckHealth(ctx context.Context) error {
	c.mu.RLock()
	mc := c.milvusClient
	c.mu.RUnlock()
	if mc == nil {
		return ErrConnectionFailed
	}

	if _, err := mc.CheckHealth(ctx); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("Milvus health check failed", logging.Err(err))
		return ErrUnhealthy.WithCause(err)
	}
	c.healthy.Store(true)
	return nil
}

// IsHealthy reports the last observed health state.
func (c *Client) IsHealthy() bool {
	return c.healthy.Load()
}

// Milvus exposes the underlying SDK client.
func (c *Client) Milvus() client.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.milvusClient
}

// Close shuts the connection down.  Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.milvusClient != nil {
		c.milvusClient.Close()
	}
	c.logger.Info("Milvus client closed")
	return nil
}
