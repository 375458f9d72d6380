package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tripsync/internal/metrics"
	"tripsync/internal/relay"
	"tripsync/pkg/types"
)

// DefaultChannel is the redis pub/sub channel shared by all instances
const DefaultChannel = "tripsync:events"

// Receiver takes envelopes published by other instances
type Receiver interface {
	DeliverRemote(env *types.ClusterEnvelope) (relay.Result, error)
}

// RedisBridge fans locally published edits and presence out to the other
// tripsync instances through redis pub/sub. Each instance tags what it
// publishes and ignores its own envelopes on the way back.
type RedisBridge struct {
	rdb        *redis.Client
	channel    string
	instanceID string
	receiver   Receiver
	logger     *zap.Logger

	outbound chan []byte

	mu      sync.Mutex
	running bool
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRedisBridge creates a bridge over rdb. buffer bounds the envelopes
// waiting to be published.
func NewRedisBridge(rdb *redis.Client, channel string, buffer int, receiver Receiver, logger *zap.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		rdb:        rdb,
		channel:    channel,
		instanceID: uuid.New().String(),
		receiver:   receiver,
		logger:     logger,
		outbound:   make(chan []byte, buffer),
	}
}

// InstanceID identifies this process on the channel
func (b *RedisBridge) InstanceID() string {
	return b.instanceID
}

// Start subscribes to the channel and starts the publish and receive loops
func (b *RedisBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrBridgeAlreadyRunning
	}

	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.pubsub = pubsub
	b.cancel = cancel
	b.running = true

	b.wg.Add(2)
	go b.publishLoop(runCtx)
	go b.receiveLoop(runCtx, pubsub.Channel())

	b.logger.Info("cluster bridge started",
		zap.String("instance_id", b.instanceID),
		zap.String("channel", b.channel))
	return nil
}

// Stop unsubscribes and waits for both loops to exit
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrBridgeNotRunning
	}
	b.running = false
	b.cancel()
	err := b.pubsub.Close()
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("cluster bridge stopped", zap.String("instance_id", b.instanceID))
	return err
}

// Forward implements interfaces.Bridge. It never waits on redis: the
// envelope is queued for the publish loop.
func (b *RedisBridge) Forward(ctx context.Context, env *types.ClusterEnvelope) error {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return ErrBridgeNotRunning
	}

	env.InstanceID = b.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	select {
	case b.outbound <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrOutboundFull
	}
}

// HealthCheck pings redis
func (b *RedisBridge) HealthCheck(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBridge) publishLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case data := <-b.outbound:
			if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn("bridge publish failed", zap.Error(err))
				continue
			}
			metrics.BridgeEnvelope("out")
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBridge) receiveLoop(ctx context.Context, ch <-chan *redis.Message) {
	defer b.wg.Done()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBridge) handleMessage(payload string) {
	var env types.ClusterEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("undecodable cluster envelope", zap.Error(err))
		return
	}
	if env.InstanceID == b.instanceID {
		return
	}

	metrics.BridgeEnvelope("in")
	result, err := b.receiver.DeliverRemote(&env)
	if err != nil {
		b.logger.Warn("cluster envelope rejected",
			zap.String("from_instance", env.InstanceID),
			zap.String("trip_id", env.TripID),
			zap.Error(err))
		return
	}
	b.logger.Debug("cluster envelope delivered",
		zap.String("from_instance", env.InstanceID),
		zap.String("trip_id", env.TripID),
		zap.String("kind", env.Kind),
		zap.Int("delivered", result.Delivered))
}
