// Package pubsub implements component B: reliable fan-out of named
// invalidation channels to every instance in the cluster, backed by
// PostgreSQL LISTEN/NOTIFY.
package pubsub

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Channel names consumed by the core, per spec.md §6.
const (
	ChannelTenantsUpdate              = "tenants_update"
	ChannelTenantsJWKSUpdate          = "tenants_jwks_update"
	ChannelTenantsS3CredentialsUpdate = "tenants_s3_credentials_update"
)

// Handler receives a channel payload.
type Handler func(payload string)

// Bus is a pub/sub adapter over a single dedicated LISTEN/NOTIFY
// connection. A dedicated, non-pooled connection is required because
// LISTEN registers channel interest on the connection's session, a
// constraint pgx's own documentation calls out.
type Bus struct {
	dsn string
	log *log.Logger

	mu       sync.Mutex
	handlers map[string][]Handler
	conn     *pgx.Conn
	errs     chan error
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds a Bus against dsn. Call Start to establish the connection and
// begin dispatching notifications.
func New(dsn string) *Bus {
	return &Bus{
		dsn:      dsn,
		log:      log.New(log.Writer(), "[PubSub] ", log.LstdFlags),
		handlers: make(map[string][]Handler),
		errs:     make(chan error, 8),
	}
}

// Subscribe registers handler for channel. Subscriptions made before Start
// take effect on the first LISTEN; subscriptions made after Start take
// effect on the handler map alone (LISTEN for the channel must already be
// active, which is guaranteed since Start issues LISTEN for every channel
// the core names up front).
func (b *Bus) Subscribe(channel string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = append(b.handlers[channel], h)
}

// Errors returns the channel surfacing reconnect/transport errors, per
// spec.md §4.B's "automatic reconnect ... with an error signal surfaced".
func (b *Bus) Errors() <-chan error { return b.errs }

// Start connects and begins the dispatch loop in a background goroutine.
// It blocks until the initial connection and LISTEN registration succeed.
func (b *Bus) Start(ctx context.Context) error {
	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.loop(runCtx)
	return nil
}

// Close stops the dispatch loop and releases the connection.
func (b *Bus) Close() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn.Close(context.Background())
	}
	return nil
}

// Publish issues NOTIFY channel, payload against a short-lived connection.
func (b *Bus) Publish(ctx context.Context, channel, payload string) error {
	conn, err := pgx.Connect(ctx, b.dsn)
	if err != nil {
		return fmt.Errorf("pubsub: publish connect: %w", err)
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "select pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("pubsub: notify %s: %w", channel, err)
	}
	return nil
}

func (b *Bus) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, b.dsn)
	if err != nil {
		return nil, fmt.Errorf("pubsub: connect: %w", err)
	}
	b.mu.Lock()
	channels := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		channels = append(channels, ch)
	}
	b.mu.Unlock()
	for _, ch := range channels {
		if _, err := conn.Exec(ctx, fmt.Sprintf("listen %s", pgx.Identifier{ch}.Sanitize())); err != nil {
			conn.Close(ctx)
			return nil, fmt.Errorf("pubsub: listen %s: %w", ch, err)
		}
	}
	return conn, nil
}

func (b *Bus) loop(ctx context.Context) {
	defer close(b.done)
	backoff := 500 * time.Millisecond
	const maxBackoff = 15 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Printf("listen connection lost: %v, reconnecting in %s", err, backoff)
			select {
			case b.errs <- fmt.Errorf("pubsub: %w", err):
			default:
			}
			conn.Close(context.Background())

			time.Sleep(backoff)
			newConn, connErr := b.connect(ctx)
			if connErr != nil {
				b.log.Printf("reconnect failed: %v", connErr)
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			b.mu.Lock()
			b.conn = newConn
			b.mu.Unlock()
			backoff = 500 * time.Millisecond
			continue
		}

		b.mu.Lock()
		handlers := append([]Handler(nil), b.handlers[notification.Channel]...)
		b.mu.Unlock()
		for _, h := range handlers {
			h(notification.Payload)
		}
	}
}
