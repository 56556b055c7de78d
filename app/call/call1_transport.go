package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"baraza/utils"

	"github.com/redis/go-redis/v9"
)

// how long an idle room presence set survives in redis
const presenceTTL = 24 * time.Hour

// TransportSender marks envelopes synthesized by the transport itself
// (existing-peers), so the self-echo filter never drops them.
const TransportSender = "@transport"

// Envelope is one message delivered on a subscribed channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Subscription is a live channel subscription. Envelopes arrive on C in
// publish order per sender; C closes after Unsubscribe.
type Subscription struct {
	C chan Envelope

	channel string
	cancel  func()
	once    sync.Once
}

func (me *Subscription) Channel() string {
	return me.channel
}

func (me *Subscription) Unsubscribe() {
	me.once.Do(func() {
		if me.cancel != nil {
			me.cancel()
		}
	})
}

// Transport is the publish/subscribe primitive all signaling rides on.
// Delivery is at-most-once, best-effort, ordered per sender.
type Transport interface {
	// Subscribe attaches to a channel and confirms readiness before
	// returning. A context deadline bounds the wait.
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
	// Join is Subscribe plus room presence: the joiner receives an
	// existing-peers envelope first, everyone else gets peer-joined now
	// and peer-left when the subscription is dropped.
	Join(ctx context.Context, channel, selfID string) (*Subscription, error)
	// Send publishes one event. Failures are reported, never silent.
	Send(ctx context.Context, channel string, event string, payload interface{}) error
	// Connected reports whether this process holds a live subscription.
	Connected(channel string) bool
}

// RedisTransport carries signaling over redis pub/sub so channels work
// across server instances. Presence lives in per-room sets.
type RedisTransport struct {
	rdb *redis.Client

	mu         sync.Mutex
	subscribed map[string]int
}

func NewRedisTransport(addr, password string, db int) (*RedisTransport, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisTransport{
		rdb:        rdb,
		subscribed: make(map[string]int),
	}, nil
}

func (me *RedisTransport) Close() error {
	return me.rdb.Close()
}

func (me *RedisTransport) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	pubsub := me.rdb.Subscribe(ctx, channel)

	// Receive blocks until redis confirms the subscription, so the caller
	// never sends into a channel that is not ready yet.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: subscribe %s", ErrSignalingTimeout, channel)
		}
		return nil, fmt.Errorf("channel error on %s: %w", channel, err)
	}

	out := make(chan Envelope, 64)
	done := make(chan struct{})

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					utils.Log().Error(err, "error on unmarshal envelope", "channel", channel)
					continue
				}
				select {
				case out <- env:
				default:
					utils.Log().Error(nil, "subscriber too slow, envelope dropped", "channel", channel, "event", env.Event)
				}
			case <-done:
				return
			}
		}
	}()

	me.track(channel, 1)

	sub := &Subscription{
		C:       out,
		channel: channel,
		cancel: func() {
			close(done)
			pubsub.Close()
			me.track(channel, -1)
		},
	}
	return sub, nil
}

func (me *RedisTransport) Join(ctx context.Context, channel, selfID string) (*Subscription, error) {
	sub, err := me.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}

	key := "room:" + channel + ":peers"

	peers, err := me.rdb.SMembers(ctx, key).Result()
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("channel error on %s: %w", channel, err)
	}

	if err := me.rdb.SAdd(ctx, key, selfID).Err(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("channel error on %s: %w", channel, err)
	}
	me.rdb.Expire(ctx, key, presenceTTL)

	// the roster goes to the joiner before any live traffic
	roster, err := NewSignal(TypeExistingPeers, TransportSender, selfID, PeersPayload{PeerIDs: peers})
	if err == nil {
		if data, err := json.Marshal(roster); err == nil {
			sub.C <- Envelope{Event: TypeExistingPeers, Data: data}
		}
	}

	joined, err := NewSignal(TypePeerJoined, selfID, "", nil)
	if err == nil {
		if err := me.Send(ctx, channel, TypePeerJoined, joined); err != nil {
			utils.Log().Error(err, "error broadcasting peer-joined", "channel", channel)
		}
	}

	inner := sub.cancel
	sub.cancel = func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		me.rdb.SRem(leaveCtx, key, selfID)
		if left, err := NewSignal(TypePeerLeft, selfID, "", nil); err == nil {
			if err := me.Send(leaveCtx, channel, TypePeerLeft, left); err != nil {
				utils.Log().Error(err, "error broadcasting peer-left", "channel", channel)
			}
		}
		inner()
	}

	return sub, nil
}

func (me *RedisTransport) Send(ctx context.Context, channel string, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	if err := me.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("channel error on %s: %w", channel, err)
	}
	return nil
}

func (me *RedisTransport) Connected(channel string) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.subscribed[channel] > 0
}

func (me *RedisTransport) track(channel string, delta int) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.subscribed[channel] += delta
	if me.subscribed[channel] <= 0 {
		delete(me.subscribed, channel)
	}
}

// notifyBoth publishes the same message on two channels. Deliberate
// redundancy: either side may still be mid-subscription, sending on both
// addresses tolerates the race. Fails only if both sends fail.
func notifyBoth(ctx context.Context, t Transport, chanA, chanB string, msg *SignalMessage) error {
	errA := t.Send(ctx, chanA, msg.Type, msg)
	if errA != nil {
		utils.Log().Error(errA, "notify failed on first channel", "channel", chanA, "type", msg.Type)
	}
	errB := t.Send(ctx, chanB, msg.Type, msg)
	if errB != nil {
		utils.Log().Error(errB, "notify failed on second channel", "channel", chanB, "type", msg.Type)
	}
	if errA != nil && errB != nil {
		return errA
	}
	return nil
}
