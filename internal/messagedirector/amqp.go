package messagedirector

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// rangeWildcard is the topic binding used for range subscriptions. RabbitMQ
// delivers at most one copy per queue no matter how many bindings match, so
// singles and the wildcard never duplicate a delivery; the director's local
// range filter does the rest.
const rangeWildcard = "#"

// AMQPConfig selects the broker endpoint for the AMQP backend.
type AMQPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Exchange string
}

// AMQPBackend carries the bus over a RabbitMQ topic exchange. One
// connection, one channel, and one exclusive auto-delete queue per process;
// channels are routing keys bound to the shared exchange.
type AMQPBackend struct {
	log      zerolog.Logger
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	exchange string
	ranges   int
}

// NewAMQPBackend connects to the broker and declares the exchange and the
// process queue.
func NewAMQPBackend(cfg AMQPConfig, log zerolog.Logger) (*AMQPBackend, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.Username, cfg.Password, cfg.Host, cfg.Port)
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "ardos"
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		false,    // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // args
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // name (broker-assigned)
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}

	return &AMQPBackend{
		log:      log.With().Str("component", "amqp-backend").Logger(),
		conn:     conn,
		ch:       ch,
		queue:    q.Name,
		exchange: exchange,
	}, nil
}

// Start begins consuming the process queue, handing each delivery to sink.
// A dropped broker connection is fatal: the bus carries all state, so there
// is nothing to recover in-process.
func (b *AMQPBackend) Start(sink func(channel uint64, data []byte)) error {
	deliveries, err := b.ch.Consume(
		b.queue, // queue
		"",      // consumer tag
		true,    // auto-ack
		true,    // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	closed := b.conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err := <-closed; err != nil {
			b.log.Fatal().Err(err).Msg("Broker connection lost")
		}
	}()

	go func() {
		for d := range deliveries {
			channel, err := strconv.ParseUint(d.RoutingKey, 10, 64)
			if err != nil {
				b.log.Warn().Str("routing_key", d.RoutingKey).Msg("Non-numeric routing key discarded")
				continue
			}
			sink(channel, d.Body)
		}
	}()
	return nil
}

func (b *AMQPBackend) Bind(channel uint64) error {
	return b.ch.QueueBind(b.queue, strconv.FormatUint(channel, 10), b.exchange, false, nil)
}

func (b *AMQPBackend) Unbind(channel uint64) error {
	return b.ch.QueueUnbind(b.queue, strconv.FormatUint(channel, 10), b.exchange, nil)
}

// BindRange binds the wildcard key on the first active range. The director
// refcounts identical ranges; this refcounts the single wildcard binding
// across distinct ones.
func (b *AMQPBackend) BindRange(lo, hi uint64) error {
	b.ranges++
	if b.ranges > 1 {
		return nil
	}
	return b.ch.QueueBind(b.queue, rangeWildcard, b.exchange, false, nil)
}

func (b *AMQPBackend) UnbindRange(lo, hi uint64) error {
	b.ranges--
	if b.ranges > 0 {
		return nil
	}
	return b.ch.QueueUnbind(b.queue, rangeWildcard, b.exchange, nil)
}

func (b *AMQPBackend) Publish(channel uint64, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.ch.PublishWithContext(ctx,
		b.exchange,
		strconv.FormatUint(channel, 10),
		false, // mandatory
		false, // immediate
		amqp.Publishing{Body: data},
	)
}

func (b *AMQPBackend) Close() error {
	return b.conn.Close()
}
