package redisbroker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBrokerUnavailable is returned when a connection to the broker could not
// be established within the configured retry budget, or was lost.
var ErrBrokerUnavailable = fmt.Errorf("broker unavailable")

// Config holds broker connection configuration
type Config struct {
	Host          string
	Port          int
	Password      string
	DB            int
	DialTimeout   time.Duration
	RetryAttempts int
	RetryInterval time.Duration
}

// Addr returns the broker address in host:port form
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client wraps a Redis connection used as message broker and result backend
type Client struct {
	config *Config
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient creates a new broker client and verifies connectivity with a
// bounded number of ping attempts. Callers must fail fast when this errors
// rather than retrying indefinitely.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        config.Addr(),
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
	})

	client := &Client{
		config: config,
		rdb:    rdb,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		rdb.Close()
		return nil, err
	}

	return client, nil
}

// connect verifies the connection with retry logic
func (c *Client) connect() error {
	var err error

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to broker",
			slog.String("addr", c.config.Addr()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
		err = c.rdb.Ping(ctx).Err()
		cancel()

		if err == nil {
			c.logger.Info("Successfully connected to broker",
				slog.String("addr", c.config.Addr()),
			)
			return nil
		}

		c.logger.Error("Failed to connect to broker",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	return fmt.Errorf("%w: %d attempts failed: %v", ErrBrokerUnavailable, attempts, err)
}

// Redis returns the underlying go-redis client
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping checks the broker connection
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// Close closes the broker connection
func (c *Client) Close() error {
	c.logger.Info("Closing broker connection")

	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close broker connection",
			slog.Any("error", err),
		)
		return err
	}

	c.logger.Info("Broker connection closed successfully")
	return nil
}
