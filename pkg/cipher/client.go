package cipher

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Client is the store for one cipher instance. Every key and channel it
// touches lives under cipher:{instance}:. Safe for concurrent use.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient connects lazily to Redis with redisOpts; nothing is dialed until
// the first command. The instance name must be non-empty and free of the
// ':' key separator and whitespace.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	switch {
	case instanceName == "":
		return nil, fmt.Errorf("instance name cannot be empty")
	case strings.ContainsAny(instanceName, ": \t\n"):
		return nil, fmt.Errorf("instance name %q must not contain ':' or whitespace", instanceName)
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close releases the connection pool. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping round-trips to Redis; used by /healthz and CLI startup.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return persistErr("ping", err)
	}
	return nil
}

// InstanceName returns the namespace used for every key.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Redis exposes the underlying connection for packages that keep their own
// keys under the instance namespace, such as the rate limiter.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}
