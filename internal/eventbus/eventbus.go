// Package eventbus implements both the inbound intent bus and the outbound
// event bus (spec §6) on top of PostgreSQL LISTEN/NOTIFY, generalizing
// pkg/pgnotify's Bus: a single transport carries intent delivery (subject to
// a bounded per-topic backlog, spec §5 backpressure) and the outbound
// `exec.*.v1` notification topics.
package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/r3e-network/execution-core/internal/execerrors"
	"github.com/r3e-network/execution-core/internal/logging"
	"github.com/r3e-network/execution-core/internal/metrics"
)

// Envelope is the canonical message carried over every topic: the outbound
// `exec.intent.admitted.v1`/`exec.fill.v1`/etc. topics from §6, and inbound
// intent delivery reuse the same envelope shape.
type Envelope struct {
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// Handler processes one delivered envelope.
type Handler func(ctx context.Context, env Envelope) error

// Config wires a Bus's connection and backpressure limits.
type Config struct {
	DSN    string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration

	// MaxBacklog bounds the per-topic in-process delivery queue (spec §5
	// "intent bus subscription is bounded"). 0 uses a sane default.
	MaxBacklog int

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MinReconnectInterval == 0 {
		c.MinReconnectInterval = 10 * time.Second
	}
	if c.MaxReconnectInterval == 0 {
		c.MaxReconnectInterval = time.Minute
	}
	if c.MaxBacklog == 0 {
		c.MaxBacklog = 1024
	}
	return c
}

type subscription struct {
	topic   string
	handler Handler
	queue   chan Envelope
	dropped uint64
	done    chan struct{}
}

// Overloaded reports whether this subscription's backlog is currently full
// — i.e. new deliveries are being dropped rather than queued.
func (s *subscription) Overloaded() bool {
	return len(s.queue) >= cap(s.queue)
}

// Bus is a PostgreSQL LISTEN/NOTIFY backed intent/event bus.
type Bus struct {
	cfg      Config
	db       *sql.DB
	listener *pq.Listener

	mu   sync.RWMutex
	subs map[string]*subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens a database connection and builds a Bus.
func New(cfg Config) (*Bus, error) {
	cfg = cfg.withDefaults()
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, execerrors.Wrap(execerrors.CodeBusDisconnected, "open event bus database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, execerrors.Wrap(execerrors.CodeBusDisconnected, "ping event bus database", err)
	}
	return NewWithDB(db, cfg)
}

// NewWithDB builds a Bus around an already-open database handle.
func NewWithDB(db *sql.DB, cfg Config) (*Bus, error) {
	cfg = cfg.withDefaults()
	b := &Bus{cfg: cfg, db: db, subs: make(map[string]*subscription)}

	reportProblem := func(_ pq.ListenerEventType, err error) {
		if err != nil && b.cfg.Logger != nil {
			b.cfg.Logger.LogSecurityEvent(context.Background(), "eventbus_listener_error", err.Error())
		}
	}
	b.listener = pq.NewListener(cfg.DSN, cfg.MinReconnectInterval, cfg.MaxReconnectInterval, reportProblem)

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go b.listen()
	return b, nil
}

// Publish sends payload on topic, wrapped in an Envelope and delivered via
// pg_notify (spec §6 outbound `exec.*.v1` topics).
func (b *Bus) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: marshal payload: %w", err)
	}
	env := Envelope{Topic: topic, Payload: data, PublishedAt: time.Now().UTC()}
	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", topic, string(encoded)); err != nil {
		return execerrors.Wrap(execerrors.CodeBusDisconnected, "publish to event bus", err)
	}
	return nil
}

// Subscribe registers handler for topic, issuing LISTEN on first subscriber.
// Deliveries are queued on a bounded per-topic channel; once full, further
// notifications are dropped and counted rather than blocking the listener
// goroutine (spec §5 bounded intent bus backlog).
func (b *Bus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[topic]; exists {
		return fmt.Errorf("eventbus: topic %q already has a subscriber", topic)
	}
	if err := b.listener.Listen(topic); err != nil {
		return execerrors.Wrap(execerrors.CodeBusDisconnected, "listen on topic", err)
	}

	sub := &subscription{
		topic:   topic,
		handler: handler,
		queue:   make(chan Envelope, b.cfg.MaxBacklog),
		done:    make(chan struct{}),
	}
	b.subs[topic] = sub
	b.wg.Add(1)
	go b.drain(sub)
	return nil
}

// Unsubscribe removes the subscriber for topic and issues UNLISTEN.
func (b *Bus) Unsubscribe(topic string) error {
	b.mu.Lock()
	sub, ok := b.subs[topic]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, topic)
	b.mu.Unlock()

	close(sub.done)
	return b.listener.Unlisten(topic)
}

// Overloaded reports whether topic's delivery backlog is currently full.
func (b *Bus) Overloaded(topic string) bool {
	b.mu.RLock()
	sub, ok := b.subs[topic]
	b.mu.RUnlock()
	return ok && sub.Overloaded()
}

// Dropped returns how many envelopes were dropped for topic due to a full
// backlog since the subscription started.
func (b *Bus) Dropped(topic string) uint64 {
	b.mu.RLock()
	sub, ok := b.subs[topic]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadUint64(&sub.dropped)
}

// Close shuts the bus down, stopping the listener and all subscriber
// workers.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.listener.Close()
}

func (b *Bus) listen() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case notification := <-b.listener.Notify:
			if notification == nil {
				continue // connection lost; pq.Listener reconnects on its own
			}
			b.dispatch(notification)
		case <-time.After(90 * time.Second):
			go func() { _ = b.listener.Ping() }()
		}
	}
}

func (b *Bus) dispatch(n *pq.Notification) {
	b.mu.RLock()
	sub, ok := b.subs[n.Channel]
	b.mu.RUnlock()
	if !ok {
		return
	}

	var env Envelope
	if err := json.Unmarshal([]byte(n.Extra), &env); err != nil {
		env = Envelope{Topic: n.Channel, Payload: json.RawMessage(n.Extra), PublishedAt: time.Now().UTC()}
	}

	select {
	case sub.queue <- env:
	default:
		atomic.AddUint64(&sub.dropped, 1)
		if b.cfg.Logger != nil {
			b.cfg.Logger.LogSecurityEvent(context.Background(), "eventbus_backlog_overflow", n.Channel)
		}
	}
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-sub.done:
			return
		case env := <-sub.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := sub.handler(ctx, env)
			cancel()
			if err != nil && b.cfg.Logger != nil {
				b.cfg.Logger.LogSecurityEvent(context.Background(), "eventbus_handler_error", err.Error())
			}
		}
	}
}
