package messagedirector

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const natsSubjectPrefix = "ardos."

// NATSConfig selects the broker endpoint for the NATS backend.
type NATSConfig struct {
	URL string
}

// NATSBackend carries the bus over NATS subjects, one subject per channel.
// NATS has no numeric range matching, so while any range subscription is
// active the backend holds a single `ardos.>` wildcard and suppresses the
// exact-subject subscriptions; otherwise an exact and a wildcard
// subscription on the same connection would each deliver a copy.
type NATSBackend struct {
	log  zerolog.Logger
	conn *nats.Conn
	sink func(channel uint64, data []byte)

	mu       sync.Mutex
	exact    map[uint64]*nats.Subscription
	bound    map[uint64]struct{}
	wildcard *nats.Subscription
	ranges   int
}

// NewNATSBackend connects to the NATS server.
func NewNATSBackend(cfg NATSConfig, log zerolog.Logger) (*NATSBackend, error) {
	logger := log.With().Str("component", "nats-backend").Logger()
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(0),
		nats.ClosedHandler(func(c *nats.Conn) {
			logger.Fatal().Err(c.LastError()).Msg("Broker connection lost")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBackend{
		log:   logger,
		conn:  conn,
		exact: make(map[uint64]*nats.Subscription),
		bound: make(map[uint64]struct{}),
	}, nil
}

// Start records the delivery sink. Subscriptions are created lazily by Bind
// and BindRange.
func (b *NATSBackend) Start(sink func(channel uint64, data []byte)) error {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
	return nil
}

func (b *NATSBackend) handle(msg *nats.Msg) {
	channel, err := strconv.ParseUint(strings.TrimPrefix(msg.Subject, natsSubjectPrefix), 10, 64)
	if err != nil {
		b.log.Warn().Str("subject", msg.Subject).Msg("Non-numeric subject discarded")
		return
	}
	b.sink(channel, msg.Data)
}

func (b *NATSBackend) Bind(channel uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bound[channel] = struct{}{}
	if b.ranges > 0 {
		// Wildcard already covers it.
		return nil
	}
	return b.subscribeExactLocked(channel)
}

func (b *NATSBackend) subscribeExactLocked(channel uint64) error {
	sub, err := b.conn.Subscribe(natsSubjectPrefix+strconv.FormatUint(channel, 10), b.handle)
	if err != nil {
		return fmt.Errorf("nats subscribe %d: %w", channel, err)
	}
	b.exact[channel] = sub
	return nil
}

func (b *NATSBackend) Unbind(channel uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.bound, channel)
	if sub, ok := b.exact[channel]; ok {
		delete(b.exact, channel)
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("nats unsubscribe %d: %w", channel, err)
		}
	}
	return nil
}

func (b *NATSBackend) BindRange(lo, hi uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ranges++
	if b.ranges > 1 {
		return nil
	}

	sub, err := b.conn.Subscribe(natsSubjectPrefix+">", b.handle)
	if err != nil {
		b.ranges--
		return fmt.Errorf("nats wildcard subscribe: %w", err)
	}
	b.wildcard = sub

	// Exact subscriptions would now double-deliver; drop them while the
	// wildcard stands in.
	for channel, exact := range b.exact {
		delete(b.exact, channel)
		if err := exact.Unsubscribe(); err != nil {
			return fmt.Errorf("nats unsubscribe %d: %w", channel, err)
		}
	}
	return nil
}

func (b *NATSBackend) UnbindRange(lo, hi uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ranges--
	if b.ranges > 0 {
		return nil
	}

	if b.wildcard != nil {
		if err := b.wildcard.Unsubscribe(); err != nil {
			return fmt.Errorf("nats wildcard unsubscribe: %w", err)
		}
		b.wildcard = nil
	}
	for channel := range b.bound {
		if err := b.subscribeExactLocked(channel); err != nil {
			return err
		}
	}
	return nil
}

func (b *NATSBackend) Publish(channel uint64, data []byte) error {
	return b.conn.Publish(natsSubjectPrefix+strconv.FormatUint(channel, 10), data)
}

func (b *NATSBackend) Close() error {
	if err := b.conn.Drain(); err != nil {
		return err
	}
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
		if b.conn.IsClosed() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
