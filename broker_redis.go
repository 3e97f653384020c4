package jobengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteScript moves due members of the delayed set onto their kind's list.
// Running it as one script keeps a member from being promoted twice.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	local msg = cjson.decode(member)
	redis.call('RPUSH', ARGV[3] .. msg.kind, member)
end
return #due
`)

// RedisBroker is a Broker on plain Redis data structures:
//
//	<prefix>:queue:<kind>  LIST of ready messages (RPUSH / BLPOP)
//	<prefix>:delayed       ZSET of delayed messages scored by due time (ms)
//	<prefix>:lease:<token> expiring key held while a consumer owns the message
//
// A message is removed from its list when the consumer pops it, which can be
// while the worker is still busy with the previous delivery. If the consumer
// dies before acking, the message is gone: a job that reached PROCESSING is
// requeued by the recovery sweep once its lease lapses, and one that did not
// is re-dispatched by the sweep once it has sat PENDING or RETRYING past the
// liveness threshold.
type RedisBroker struct {
	client      redis.Cmdable
	prefix      string
	leases      *RedisLeases
	pollTimeout time.Duration
	logger      *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// RedisBrokerOptions configures a RedisBroker.
type RedisBrokerOptions struct {
	Prefix      string        // key prefix, default "jobengine"
	LeaseTTL    time.Duration // default 30s
	PollTimeout time.Duration // BLPOP timeout and delayed-set poll period, default 1s
}

// NewRedisBroker creates a Redis-backed broker.
func NewRedisBroker(client redis.Cmdable, opts RedisBrokerOptions, logger *slog.Logger) *RedisBroker {
	if opts.Prefix == "" {
		opts.Prefix = "jobengine"
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	return &RedisBroker{
		client:      client,
		prefix:      opts.Prefix,
		leases:      NewRedisLeases(client, opts.Prefix, opts.LeaseTTL),
		pollTimeout: opts.PollTimeout,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

func (b *RedisBroker) queuePrefix() string {
	return b.prefix + ":queue:"
}

func (b *RedisBroker) queueKey(kind string) string {
	return b.queuePrefix() + kind
}

func (b *RedisBroker) delayedKey() string {
	return b.prefix + ":delayed"
}

// Publish pushes msg onto its kind's list, or into the delayed set.
func (b *RedisBroker) Publish(ctx context.Context, msg Message, delay time.Duration) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	if delay <= 0 {
		if err := b.client.RPush(ctx, b.queueKey(msg.Kind), data).Err(); err != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}
		return nil
	}

	due := time.Now().Add(delay).UnixMilli()
	if err := b.client.ZAdd(ctx, b.delayedKey(), redis.Z{Score: float64(due), Member: string(data)}).Err(); err != nil {
		return fmt.Errorf("failed to publish delayed message: %w", err)
	}
	return nil
}

// promoteDue moves delayed messages whose time has come onto their lists.
func (b *RedisBroker) promoteDue(ctx context.Context) (int64, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, b.client, []string{b.delayedKey()}, now, 100, b.queuePrefix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed messages: %w", err)
	}
	return n, nil
}

// Consume starts a consumer goroutine for kinds.
func (b *RedisBroker) Consume(ctx context.Context, kinds []string) (<-chan Delivery, error) {
	if len(kinds) == 0 {
		return nil, &ValidationError{Field: "kinds", Message: "at least one kind is required"}
	}
	select {
	case <-b.done:
		return nil, fmt.Errorf("broker is %w", ErrBackendClosed)
	default:
	}

	keys := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		keys = append(keys, b.queueKey(kind))
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			default:
			}

			if _, err := b.promoteDue(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("redis broker: promote failed", slog.Any("error", err))
			}

			res, err := b.client.BLPop(ctx, b.pollTimeout, keys...).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("redis broker: receive failed", slog.Any("error", err))
				b.sleep(ctx, b.pollTimeout)
				continue
			}

			// res is [key, value]
			data := res[1]
			msg, err := decodeMessage([]byte(data))
			if err != nil {
				b.logger.Error("redis broker: dropping malformed message", slog.Any("error", err))
				continue
			}
			if err := b.leases.Acquire(ctx, msg.DispatchToken); err != nil {
				b.logger.Error("redis broker: failed to acquire lease",
					slog.String("job_id", msg.JobID), slog.Any("error", err))
			}

			select {
			case out <- &redisDelivery{broker: b, msg: msg, raw: data}:
			case <-ctx.Done():
				b.putBack(msg, data)
				return
			case <-b.done:
				b.putBack(msg, data)
				return
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-b.done:
	}
}

// putBack returns an undelivered message to the head of its list.
func (b *RedisBroker) putBack(msg Message, data string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.leases.Release(ctx, msg.DispatchToken)
	if err := b.client.LPush(ctx, b.queueKey(msg.Kind), data).Err(); err != nil {
		b.logger.Error("redis broker: failed to return message",
			slog.String("job_id", msg.JobID), slog.Any("error", err))
	}
}

// IsLive reports whether token's lease key exists.
func (b *RedisBroker) IsLive(ctx context.Context, token string) (bool, error) {
	return b.leases.Alive(ctx, token)
}

// Close stops all consumers. The Redis client is owned by the caller.
func (b *RedisBroker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

type redisDelivery struct {
	broker *RedisBroker
	msg    Message
	raw    string
}

func (d *redisDelivery) Message() Message { return d.msg }

func (d *redisDelivery) Touch(ctx context.Context) error {
	return d.broker.leases.Renew(ctx, d.msg.DispatchToken)
}

func (d *redisDelivery) Ack(ctx context.Context) error {
	return d.broker.leases.Release(ctx, d.msg.DispatchToken)
}

func (d *redisDelivery) Nack(ctx context.Context, requeue bool) error {
	if err := d.broker.leases.Release(ctx, d.msg.DispatchToken); err != nil {
		return err
	}
	if !requeue {
		return nil
	}
	if err := d.broker.client.RPush(ctx, d.broker.queueKey(d.msg.Kind), d.raw).Err(); err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	return nil
}
