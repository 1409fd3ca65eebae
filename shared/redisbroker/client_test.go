package redisbroker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, addr string) *Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &Config{
		Host:          host,
		Port:          port,
		DialTimeout:   time.Second,
		RetryAttempts: 2,
		RetryInterval: 10 * time.Millisecond,
	}
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(testConfig(t, mr.Addr()), testLogger())
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Ping(context.Background()))
	assert.NotNil(t, client.Redis())
}

func TestNewClient_Unreachable(t *testing.T) {
	cfg := &Config{
		Host:          "127.0.0.1",
		Port:          1, // nothing listens here
		DialTimeout:   100 * time.Millisecond,
		RetryAttempts: 2,
		RetryInterval: 10 * time.Millisecond,
	}

	_, err := NewClient(cfg, testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestClient_Ping_AfterServerGone(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(testConfig(t, mr.Addr()), testLogger())
	require.NoError(t, err)
	defer client.Close()

	mr.Close()

	err = client.Ping(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestConfig_Addr(t *testing.T) {
	cfg := &Config{Host: "broker.internal", Port: 6380}
	assert.Equal(t, "broker.internal:6380", cfg.Addr())
}
