package jobengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBroker is a Broker on RabbitMQ. Messages are published to a durable
// direct exchange with the job kind as routing key; each kind has a durable
// queue bound to it. Delays use per-delay TTL queues that dead-letter into the
// exchange when the TTL runs out. RabbitMQ has no notion of the lease the
// recovery sweep needs, so liveness comes from an injected LeaseTable.
type AMQPBroker struct {
	conn     *amqp.Connection
	ownsConn bool
	exchange string
	leases   LeaseTable
	logger   *slog.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	declMu   sync.Mutex
	declared map[string]bool

	closeOnce sync.Once
	done      chan struct{}
}

// DialAMQPBroker connects to url and creates a broker that owns the connection.
func DialAMQPBroker(url, exchange string, leases LeaseTable, logger *slog.Logger) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	b, err := NewAMQPBroker(conn, exchange, leases, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.ownsConn = true
	return b, nil
}

// NewAMQPBroker creates a broker on an existing connection and declares the
// exchange.
func NewAMQPBroker(conn *amqp.Connection, exchange string, leases LeaseTable, logger *slog.Logger) (*AMQPBroker, error) {
	if exchange == "" {
		exchange = "jobengine"
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPBroker{
		conn:     conn,
		exchange: exchange,
		leases:   leases,
		logger:   logger,
		pubCh:    ch,
		declared: make(map[string]bool),
		done:     make(chan struct{}),
	}, nil
}

func (b *AMQPBroker) queueName(kind string) string {
	return b.exchange + "." + kind
}

func (b *AMQPBroker) delayQueueName(kind string, delay time.Duration) string {
	return fmt.Sprintf("%s.%s.delay.%d", b.exchange, kind, delay.Milliseconds())
}

// declareKindQueue declares the durable queue of kind and binds it.
func (b *AMQPBroker) declareKindQueue(ch *amqp.Channel, kind string) error {
	name := b.queueName(kind)
	if _, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, kind, b.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", name, err)
	}
	return nil
}

// ensureDeclaredLocked declares name once per broker. pubMu must be held.
func (b *AMQPBroker) ensureDeclaredLocked(name string, declare func() error) error {
	b.declMu.Lock()
	defer b.declMu.Unlock()
	if b.declared[name] {
		return nil
	}
	if err := declare(); err != nil {
		return err
	}
	b.declared[name] = true
	return nil
}

// Publish sends msg to its kind's queue, or parks it in a TTL queue for delay.
func (b *AMQPBroker) Publish(ctx context.Context, msg Message, delay time.Duration) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	select {
	case <-b.done:
		return fmt.Errorf("broker is %w", ErrBackendClosed)
	default:
	}

	body, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.DispatchToken,
		Timestamp:    time.Now(),
		Body:         body,
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	// The kind queue must exist before anything is routed to it, or the
	// exchange drops the message.
	if err := b.ensureDeclaredLocked(b.queueName(msg.Kind), func() error {
		return b.declareKindQueue(b.pubCh, msg.Kind)
	}); err != nil {
		return err
	}

	if delay <= 0 {
		if err := b.pubCh.PublishWithContext(ctx, b.exchange, msg.Kind, false, false, publishing); err != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}
		return nil
	}

	delayQueue := b.delayQueueName(msg.Kind, delay)
	if err := b.ensureDeclaredLocked(delayQueue, func() error {
		_, err := b.pubCh.QueueDeclare(
			delayQueue,
			true,
			false,
			false,
			false,
			amqp.Table{
				"x-message-ttl":             delay.Milliseconds(),
				"x-dead-letter-exchange":    b.exchange,
				"x-dead-letter-routing-key": msg.Kind,
				"x-expires":                 delay.Milliseconds() + time.Minute.Milliseconds(),
			},
		)
		return err
	}); err != nil {
		return fmt.Errorf("failed to declare delay queue %s: %w", delayQueue, err)
	}

	// The default exchange routes by queue name.
	if err := b.pubCh.PublishWithContext(ctx, "", delayQueue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish delayed message: %w", err)
	}
	return nil
}

// Consume opens a channel with prefetch 1 and consumes the queues of kinds.
func (b *AMQPBroker) Consume(ctx context.Context, kinds []string) (<-chan Delivery, error) {
	if len(kinds) == 0 {
		return nil, &ValidationError{Field: "kinds", Message: "at least one kind is required"}
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	sources := make([]<-chan amqp.Delivery, 0, len(kinds))
	for _, kind := range kinds {
		if err := b.declareKindQueue(ch, kind); err != nil {
			ch.Close()
			return nil, err
		}
		msgs, err := ch.Consume(
			b.queueName(kind),
			"",    // consumer
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,
		)
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to consume %s: %w", kind, err)
		}
		sources = append(sources, msgs)
	}

	out := make(chan Delivery)
	var wg sync.WaitGroup
	for _, msgs := range sources {
		wg.Add(1)
		go func(msgs <-chan amqp.Delivery) {
			defer wg.Done()
			b.forward(ctx, msgs, out)
		}(msgs)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		// Closing the channel ends every source and returns unacked messages.
		ch.Close()
	}()
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (b *AMQPBroker) forward(ctx context.Context, msgs <-chan amqp.Delivery, out chan<- Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			msg, err := decodeMessage(d.Body)
			if err != nil {
				b.logger.Error("amqp broker: dropping malformed message", slog.Any("error", err))
				_ = d.Nack(false, false)
				continue
			}
			if err := b.leases.Acquire(ctx, msg.DispatchToken); err != nil {
				b.logger.Error("amqp broker: failed to acquire lease",
					slog.String("job_id", msg.JobID), slog.Any("error", err))
			}

			select {
			case out <- &amqpDelivery{broker: b, msg: msg, raw: d}:
			case <-ctx.Done():
				_ = b.leases.Release(context.Background(), msg.DispatchToken)
				_ = d.Nack(false, true)
				return
			case <-b.done:
				_ = b.leases.Release(context.Background(), msg.DispatchToken)
				_ = d.Nack(false, true)
				return
			}
		}
	}
}

// IsLive reports whether token's lease is held.
func (b *AMQPBroker) IsLive(ctx context.Context, token string) (bool, error) {
	return b.leases.Alive(ctx, token)
}

// Close stops consumers, closes the publish channel and, when the broker
// dialed it, the connection.
func (b *AMQPBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.pubMu.Lock()
		err = b.pubCh.Close()
		b.pubMu.Unlock()
		if b.ownsConn {
			if cerr := b.conn.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

type amqpDelivery struct {
	broker *AMQPBroker
	msg    Message
	raw    amqp.Delivery
}

func (d *amqpDelivery) Message() Message { return d.msg }

func (d *amqpDelivery) Touch(ctx context.Context) error {
	return d.broker.leases.Renew(ctx, d.msg.DispatchToken)
}

func (d *amqpDelivery) Ack(ctx context.Context) error {
	if err := d.raw.Ack(false); err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	return d.broker.leases.Release(ctx, d.msg.DispatchToken)
}

func (d *amqpDelivery) Nack(ctx context.Context, requeue bool) error {
	if err := d.raw.Nack(false, requeue); err != nil {
		return fmt.Errorf("failed to nack: %w", err)
	}
	return d.broker.leases.Release(ctx, d.msg.DispatchToken)
}
