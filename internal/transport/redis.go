package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Options tune the Redis transport. Zero values fall back to defaults that
// suit a LAN deployment.
type Options struct {
	// URL in the format: redis://[password@]host:port[/db]
	URL string

	// DialTimeout bounds the connection-verifying ping on Connect.
	DialTimeout time.Duration

	// PingInterval is how often a live connection is probed.
	PingInterval time.Duration

	// PingFailures is the number of consecutive failed probes after which
	// the connection is declared lost.
	PingFailures int
}

// Redis is a Transport over a Redis-compatible backend (Redis, Dragonfly,
// Valkey, KeyDB all work; pub/sub fan-out and INCR are the only primitives
// used). Messages are not persisted: a subscriber only sees what is
// published while it is subscribed.
type Redis struct {
	opts Options
}

// NewRedis validates the URL and returns a Redis transport. No connection
// is made until Connect.
func NewRedis(opts Options) (*Redis, error) {
	if _, err := redis.ParseURL(opts.URL); err != nil {
		return nil, fmt.Errorf("transport: invalid redis url: %w", err)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.PingFailures <= 0 {
		opts.PingFailures = 3
	}
	return &Redis{opts: opts}, nil
}

// Connect dials a fresh client, verifies it with a ping and starts the
// liveness watcher. The returned connection is independent of any previous
// one.
func (r *Redis) Connect(ctx context.Context) (Conn, error) {
	opts, err := redis.ParseURL(r.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, r.opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("transport: ping %s: %w", opts.Addr, err)
	}

	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Connected to Redis-compatible relay medium")

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &redisConn{
		client: client,
		ctx:    connCtx,
		cancel: connCancel,
		closed: make(chan struct{}),
	}
	go c.watch(r.opts.PingInterval, r.opts.PingFailures)
	return c, nil
}

// redisConn is one live connection: a dedicated client plus its pub/sub
// subscriptions and the liveness watcher.
type redisConn struct {
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc

	closed    chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once

	mu      sync.Mutex
	pubsubs []*redis.PubSub
}

func (c *redisConn) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", channel, err)
	}
	return nil
}

func (c *redisConn) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	pubsub := c.client.Subscribe(c.ctx, channel)

	// Wait for the subscription to be confirmed active before reporting
	// success; the caller relies on not missing messages published after
	// Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("transport: subscribe to %s: %w", channel, err)
	}

	c.mu.Lock()
	c.pubsubs = append(c.pubsubs, pubsub)
	c.mu.Unlock()

	go func() {
		msgCh := pubsub.Channel()
		for {
			select {
			case <-c.ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

func (c *redisConn) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("transport: incr %s: %w", key, err)
	}
	return n, nil
}

func (c *redisConn) Closed() <-chan struct{} {
	return c.closed
}

// Close marks the connection closed and releases the client. Callers that
// only observed Closed() firing still call Close to release resources.
func (c *redisConn) Close() error {
	c.markClosed()

	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		pubsubs := c.pubsubs
		c.pubsubs = nil
		c.mu.Unlock()

		for _, ps := range pubsubs {
			_ = ps.Close()
		}
		err = c.client.Close()
	})
	return err
}

func (c *redisConn) markClosed() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)
	})
}

// watch probes the backend until the connection dies or is closed. go-redis
// pub/sub papers over short blips with its own resubscribe, so liveness is
// judged by pings: after maxFailures consecutive failures the connection is
// declared lost and Closed() fires.
func (c *redisConn) watch(interval time.Duration, maxFailures int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, interval)
			err := c.client.Ping(pingCtx).Err()
			cancel()

			if err == nil {
				failures = 0
				continue
			}
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("Relay medium ping failed")
			if failures >= maxFailures {
				log.Error().Int("failures", failures).Msg("Relay medium connection lost")
				c.markClosed()
				return
			}
		}
	}
}
