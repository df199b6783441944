package stream

import (
	"IntentFlow/internal/event"
	"IntentFlow/internal/observability"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LocalBus is an in-process Bus with the same delivery contract as
// EventStream: publishes are deduplicated by event id inside the duplicate
// window (zero disables it), every matching subscription receives its own
// decoded copy, and a failed delivery is retried after NakDelay until
// MaxDeliver is reached.
//
// Delivery is synchronous on the publishing goroutine; redeliveries run on timers.
type LocalBus struct {
	opts    Options
	buffer  ReplayBuffer
	log     zerolog.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   []*subscription
	index  map[string]*subscription
	seen   map[string]time.Time
	seq    uint64
	timers map[*time.Timer]struct{}
	closed bool

	deadMu sync.Mutex
	dead   []*event.Envelope
}

func NewLocalBus(buffer ReplayBuffer, opts Options, logger zerolog.Logger, metrics *observability.Metrics) *LocalBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalBus{
		opts:    opts,
		buffer:  buffer,
		log:     logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		index:   make(map[string]*subscription),
		seen:    make(map[string]time.Time),
		timers:  make(map[*time.Timer]struct{}),
	}
}

func (b *LocalBus) Publish(ctx context.Context, subject string, env *event.Envelope) (PubAck, error) {
	data, err := env.Marshal()
	if err != nil {
		return PubAck{}, fmt.Errorf("encode %s: %w", env.EventID, err)
	}
	if err := ctx.Err(); err != nil {
		return PubAck{}, fmt.Errorf("publish %s event_id=%s: %w", subject, env.EventID, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return PubAck{}, ErrBusClosed
	}
	now := time.Now()
	b.expireSeen(now)
	if _, dup := b.seen[env.EventID]; dup && b.opts.DuplicateWindow > 0 {
		seq := b.seq
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.Published.WithLabelValues(event.Family(subject), "true").Inc()
		}
		return PubAck{Stream: b.opts.StreamName, Sequence: seq, Duplicate: true}, nil
	}
	if b.opts.DuplicateWindow > 0 {
		b.seen[env.EventID] = now
	}
	b.seq++
	ack := PubAck{Stream: b.opts.StreamName, Sequence: b.seq}
	var targets []*subscription
	for _, sub := range b.subs {
		if MatchSubject(sub.subject, subject) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Published.WithLabelValues(event.Family(subject), "false").Inc()
	}

	if b.buffer != nil {
		if err := b.buffer.Append(ctx, subject, env); err != nil {
			if b.metrics != nil {
				b.metrics.BufferErrors.Inc()
			}
			b.log.Warn().Err(err).Str("event_id", env.EventID).Msg("replay buffer append failed")
		}
	}

	for _, sub := range targets {
		b.deliver(sub, subject, data, 1)
	}
	return ack, nil
}

func (b *LocalBus) expireSeen(now time.Time) {
	if b.opts.DuplicateWindow <= 0 {
		return
	}
	for id, at := range b.seen {
		if now.Sub(at) > b.opts.DuplicateWindow {
			delete(b.seen, id)
		}
	}
}

func (b *LocalBus) deliver(sub *subscription, subject string, data []byte, attempt int) {
	logger := b.log.With().Str("subject", subject).Str("durable", sub.durable).Int("delivered", attempt).Logger()

	env, err := event.Unmarshal(data)
	if err != nil {
		logger.Error().Err(err).Msg("undecodable message dropped")
		return
	}

	hctx, cancel := context.WithTimeout(b.ctx, b.opts.handlerTimeout())
	err = sub.run(hctx, env)
	cancel()
	if err == nil {
		return
	}

	if b.metrics != nil {
		b.metrics.HandlerErrors.WithLabelValues(sub.durable).Inc()
	}
	if attempt >= b.opts.MaxDeliver {
		logger.Error().Err(err).Str("event_id", env.EventID).Msg("redelivery exhausted, dead-lettering")
		if b.metrics != nil {
			b.metrics.DeadLettered.WithLabelValues(sub.durable).Inc()
		}
		b.deadMu.Lock()
		b.dead = append(b.dead, env)
		b.deadMu.Unlock()
		return
	}

	logger.Warn().Err(err).Str("event_id", env.EventID).Dur("delay", b.opts.NakDelay).Msg("handler failed, redelivering")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(b.opts.NakDelay, func() {
		b.mu.Lock()
		delete(b.timers, t)
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			b.deliver(sub, subject, data, attempt+1)
		}
	})
	b.timers[t] = struct{}{}
}

func (b *LocalBus) Subscribe(_ context.Context, subject, durable string, h Handler) error {
	durable = DurableName(durable)
	key := durable + "|" + subject

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if sub, ok := b.index[key]; ok {
		sub.add(h)
		return nil
	}
	sub := newSubscription(subject, durable, h)
	b.index[key] = sub
	b.subs = append(b.subs, sub)
	b.log.Debug().Str("subject", subject).Str("durable", durable).Msg("subscribed")
	return nil
}

func (b *LocalBus) Replay(ctx context.Context, subject string, from, to time.Time) ([]*event.Envelope, error) {
	if b.buffer == nil {
		return nil, nil
	}
	return b.buffer.Range(ctx, subject, from, to)
}

// DeadLetters returns the envelopes that exhausted redelivery.
func (b *LocalBus) DeadLetters() []*event.Envelope {
	b.deadMu.Lock()
	defer b.deadMu.Unlock()
	return append([]*event.Envelope(nil), b.dead...)
}

// Close cancels pending redeliveries. Safe to call twice.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	b.cancel()
	return nil
}
