package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/logger"
)

const channelHeader = "x-jobstream-channel"

// AMQPBus maps channels onto a topic exchange: "jobs:events:<id>" is published
// with routing key "jobs.events.<id>" and each subscription binds an exclusive,
// auto-deleted queue.
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string
	log      *zap.Logger

	mu    sync.Mutex
	pubCh *amqp.Channel
}

// NewAMQPBus dials url and declares the topic exchange.
func NewAMQPBus(url, exchange string, log *zap.Logger) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, &TransportError{Op: "connect", Channel: exchange, Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, &TransportError{Op: "open channel", Channel: exchange, Err: err}
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		conn.Close()
		return nil, &TransportError{Op: "declare exchange", Channel: exchange, Err: err}
	}
	return &AMQPBus{conn: conn, exchange: exchange, log: logger.OrNop(log), pubCh: ch}, nil
}

// RoutingKey converts a channel name to an AMQP routing key.
func RoutingKey(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// BindingKey converts a glob pattern to an AMQP binding key. A trailing "*"
// becomes "#" so it also spans ids containing dots.
func BindingKey(pattern string) string {
	key := RoutingKey(pattern)
	if strings.HasSuffix(key, ".*") {
		key = strings.TrimSuffix(key, "*") + "#"
	}
	return key
}

func (b *AMQPBus) Publish(ctx context.Context, channel string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	err = b.pubCh.PublishWithContext(ctx,
		b.exchange,          // exchange
		RoutingKey(channel), // routing key
		false,               // mandatory
		false,               // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Headers:     amqp.Table{channelHeader: channel},
			Timestamp:   ev.Timestamp,
			Body:        data,
		})
	if err != nil {
		return &TransportError{Op: "publish", Channel: channel, Err: err}
	}
	return nil
}

func (b *AMQPBus) Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, &TransportError{Op: "open channel", Channel: pattern, Err: err}
	}
	fail := func(op string, err error) (Subscription, error) {
		_ = ch.Close()
		return nil, &TransportError{Op: op, Channel: pattern, Err: err}
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fail("declare queue", err)
	}
	if err = ch.QueueBind(q.Name, BindingKey(pattern), b.exchange, false, nil); err != nil {
		return fail("bind queue", err)
	}
	deliveries, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fail("consume", err)
	}

	sub := &amqpSub{ch: ch}
	go func() {
		for d := range deliveries {
			var ev Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				b.log.Warn("dropping malformed event", zap.String("routing_key", d.RoutingKey), zap.Error(err))
				continue
			}
			channel, _ := d.Headers[channelHeader].(string)
			if channel == "" {
				channel = strings.ReplaceAll(d.RoutingKey, ".", ":")
			}
			h(ctx, channel, ev)
		}
	}()
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

func (b *AMQPBus) Close() error {
	return b.conn.Close()
}

type amqpSub struct {
	ch   *amqp.Channel
	once sync.Once
}

func (s *amqpSub) Close() error {
	var err error
	s.once.Do(func() { err = s.ch.Close() })
	return err
}
