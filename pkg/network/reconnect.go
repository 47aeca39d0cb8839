package network

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"

	"github.com/ZentaChain/zentalk-channels/pkg/session"
)

// RetryConfig bounds DialWithRetry
type RetryConfig struct {
	// MaxAttempts is the number of connection attempts; <= 0 retries until ctx ends
	MaxAttempts int
	MinInterval time.Duration
	MaxInterval time.Duration
}

// DefaultRetryConfig returns the retry policy used by the CLI
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		MinInterval: 500 * time.Millisecond,
		MaxInterval: 30 * time.Second,
	}
}

// DialWithRetry connects to addr and waits for the handshake, retrying
// with exponential backoff. Security failures such as a refused access
// key are returned at once. A handshake timeout is retried like any
// other connection failure.
func (c *Client) DialWithRetry(ctx context.Context, addr string, rc RetryConfig) (*RemoteServer, error) {
	b := &backoff.Backoff{Min: rc.MinInterval, Max: rc.MaxInterval, Factor: 2, Jitter: true}

	for {
		rs, err := c.Connect(ctx, addr)
		if err == nil {
			err = rs.WaitReady(ctx)
			if err == nil {
				return rs, nil
			}
			_ = rs.Close()
		}

		if isPermanent(err) || ctx.Err() != nil {
			return nil, err
		}

		attempt := int(b.Attempt()) + 1
		if rc.MaxAttempts > 0 && attempt >= rc.MaxAttempts {
			return nil, err
		}

		d := b.Duration()
		c.log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", d).
			Str("addr", addr).
			Msg("connection failed")

		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// isPermanent reports whether retrying err cannot succeed
func isPermanent(err error) bool {
	if errors.Is(err, session.ErrHandshakeTimeout) {
		return false
	}
	return errors.Is(err, session.ErrSecurity) || errors.Is(err, ErrConnectCancelled)
}
