package status

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "backhaul:relay:"
	queueDepth = 64
)

// Redis mirrors the relay state into a Redis hash so several relays can be
// watched from one place. Snapshot is always answered from local memory.
// Writes are applied in order by a background goroutine and dropped when
// Redis falls behind, so a slow server never stalls the pairing loop.
type Redis struct {
	local     *Memory
	client    *redis.Client
	key       string
	ttl       time.Duration
	opTimeout time.Duration

	ops       chan func(context.Context)
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

var _ Store = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection with a PING.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	instance := opts.Instance
	if instance == "" {
		instance = fmt.Sprintf("backhaul-%d", time.Now().UnixNano())
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	r := newRedis(rdb, keyPrefix+instance, ttl, 2*time.Second)
	r.write(map[string]any{"phase": string(PhaseStarting), "pairs": 0, "rejected": 0})
	r.flush(pingCtx)
	return r, nil
}

func newRedis(rdb *redis.Client, key string, ttl, opTimeout time.Duration) *Redis {
	r := &Redis{
		local:     NewMemory(),
		client:    rdb,
		key:       key,
		ttl:       ttl,
		opTimeout: opTimeout,
		ops:       make(chan func(context.Context), queueDepth),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Redis) run() {
	defer close(r.stopped)
	for {
		select {
		case <-r.stop:
			return
		case op := <-r.ops:
			ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
			op(ctx)
			cancel()
		}
	}
}

// enqueue hands op to the writer without blocking.
func (r *Redis) enqueue(op func(context.Context)) {
	select {
	case <-r.stop:
	case r.ops <- op:
	default:
		obs.StatusWritesDropped.Inc()
		obs.Debug("redis.status.dropped", obs.Fields{"key": r.key})
	}
}

// flush waits until every write queued so far has been applied, or ctx is done.
func (r *Redis) flush(ctx context.Context) {
	done := make(chan struct{})
	select {
	case <-ctx.Done():
		return
	case <-r.stop:
		return
	case r.ops <- func(context.Context) { close(done) }:
	}
	select {
	case <-ctx.Done():
	case <-done:
	case <-r.stopped:
	}
}

// Key returns the Redis hash this relay writes to.
func (r *Redis) Key() string { return r.key }

func (r *Redis) write(fields map[string]any) {
	r.enqueue(func(ctx context.Context) {
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, r.key, fields)
		pipe.Expire(ctx, r.key, r.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			obs.Error("redis.status.write", obs.Fields{"err": err.Error(), "key": r.key})
		}
	})
}

func (r *Redis) incr(field string) {
	r.enqueue(func(ctx context.Context) {
		pipe := r.client.TxPipeline()
		pipe.HIncrBy(ctx, r.key, field, 1)
		pipe.Expire(ctx, r.key, r.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			obs.Error("redis.status.incr", obs.Fields{"err": err.Error(), "key": r.key, "field": field})
		}
	})
}

func (r *Redis) SetPhase(p Phase) {
	r.local.SetPhase(p)
	r.write(map[string]any{"phase": string(p)})
}

func (r *Redis) SetReady(v bool) {
	r.local.SetReady(v)
	r.write(map[string]any{"ready": strconv.FormatBool(v)})
}

func (r *Redis) SetClosing(v bool) {
	r.local.SetClosing(v)
	r.write(map[string]any{"closing": strconv.FormatBool(v)})
}

func (r *Redis) PairStarted(id, remote string) {
	r.local.PairStarted(id, remote)
	r.write(map[string]any{
		"phase":       string(PhaseForwarding),
		"pair_id":     id,
		"pair_remote": remote,
		"pair_since":  time.Now().UTC().Format(time.RFC3339),
	})
	r.incr("pairs")
}

func (r *Redis) PairEnded(id string) {
	r.local.PairEnded(id)
	r.write(map[string]any{"pair_id": "", "pair_remote": "", "pair_since": ""})
}

func (r *Redis) HandshakeRejected(reason string) {
	r.local.HandshakeRejected(reason)
	r.incr("rejected")
	r.incr("rejected_" + reason)
}

func (r *Redis) Snapshot() Snapshot { return r.local.Snapshot() }

// Heartbeat refreshes the key TTL until ctx is done, then removes the key.
func (r *Redis) Heartbeat(ctx context.Context) {
	interval := r.ttl / 3
	if interval <= 0 {
		interval = r.ttl
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
			r.flush(fctx)
			cancel()
			r.remove()
			return
		case <-t.C:
			tctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
			if err := r.client.Expire(tctx, r.key, r.ttl).Err(); err != nil {
				obs.Error("redis.status.heartbeat", obs.Fields{"err": err.Error(), "key": r.key})
			}
			cancel()
		}
	}
}

func (r *Redis) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		obs.Error("redis.status.remove", obs.Fields{"err": err.Error(), "key": r.key})
	}
}

// Close stops the writer, discarding queued writes, and releases the
// connection pool.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() { close(r.stop) })
	<-r.stopped
	return r.client.Close()
}
