package stream

import (
	"IntentFlow/internal/event"
	"IntentFlow/internal/observability"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventStream is the Bus backed by NATS JetStream. Publishes carry the
// envelope id as Nats-Msg-Id so the stream drops resubmissions inside the
// duplicate window; consumers are durable pull consumers with explicit ack.
type EventStream struct {
	js      jetstream.JetStream
	buffer  ReplayBuffer
	opts    Options
	log     zerolog.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	subs      map[string]*subscription
	consumers []jetstream.ConsumeContext
	closed    bool

	// deadLetter parks a poison message; replaced in tests.
	deadLetter func(ctx context.Context, subject string, data []byte) error
}

func NewEventStream(
	js jetstream.JetStream,
	buffer ReplayBuffer,
	opts Options,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *EventStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &EventStream{
		js:      js,
		buffer:  buffer,
		opts:    opts,
		log:     logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*subscription),
	}
	s.deadLetter = s.publishDeadLetter
	return s
}

// EnsureStreams creates the platform stream and its dead-letter stream if they
// don't exist, or updates them to the configured limits.
func (s *EventStream) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       s.opts.StreamName,
			Subjects:   s.opts.Subjects,
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     s.opts.MaxAge,
			Duplicates: s.opts.DuplicateWindow,
			Replicas:   1,
		},
		{
			Name:      s.opts.StreamName + "_DLQ",
			Subjects:  []string{DeadLetterSubject(">")},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := s.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		s.log.Info().Str("stream", cfg.Name).Strs("subjects", cfg.Subjects).Msg("ensured stream")
	}
	return nil
}

// Publish sends env on subject and mirrors it into the replay buffer.
// A missing ack within PublishTimeout is reported as ErrPublishTimeout.
func (s *EventStream) Publish(ctx context.Context, subject string, env *event.Envelope) (PubAck, error) {
	family := event.Family(subject)
	data, err := env.Marshal()
	if err != nil {
		return PubAck{}, fmt.Errorf("encode %s: %w", env.EventID, err)
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()

	ack, err := s.js.Publish(pctx, subject, data, jetstream.WithMsgID(env.EventID))
	if err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			reason = "timeout"
			err = fmt.Errorf("%w: %v", ErrPublishTimeout, err)
		}
		if s.metrics != nil {
			s.metrics.PublishErrors.WithLabelValues(family, reason).Inc()
		}
		return PubAck{}, fmt.Errorf("publish %s event_id=%s: %w", subject, env.EventID, err)
	}

	if s.metrics != nil {
		s.metrics.Published.WithLabelValues(family, fmt.Sprint(ack.Duplicate)).Inc()
	}

	if !ack.Duplicate && s.buffer != nil {
		if err := s.buffer.Append(ctx, subject, env); err != nil {
			if s.metrics != nil {
				s.metrics.BufferErrors.Inc()
			}
			s.log.Warn().Err(err).
				Str("topic", env.Topic).
				Str("correlation_id", env.CorrelationID).
				Str("event_id", env.EventID).
				Msg("replay buffer append failed")
		}
	}

	return PubAck{Stream: ack.Stream, Sequence: ack.Sequence, Duplicate: ack.Duplicate}, nil
}

// Subscribe creates (or reuses) the durable consumer for subject and adds h to it.
func (s *EventStream) Subscribe(ctx context.Context, subject, durable string, h Handler) error {
	durable = DurableName(durable)
	key := durable + "|" + subject

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrBusClosed
	}
	if sub, ok := s.subs[key]; ok {
		sub.add(h)
		return nil
	}

	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.opts.StreamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.opts.AckWait,
		MaxDeliver:    s.opts.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	sub := newSubscription(subject, durable, h)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handleMessage(sub, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}

	s.subs[key] = sub
	s.consumers = append(s.consumers, cc)
	s.log.Info().Str("subject", subject).Str("durable", durable).Msg("subscribed")
	return nil
}

// inbound is the part of jetstream.Msg the dispatcher relies on.
type inbound interface {
	Data() []byte
	Subject() string
	Ack() error
	InProgress() error
	NakWithDelay(delay time.Duration) error
	Term() error
	Metadata() (*jetstream.MsgMetadata, error)
}

// handleMessage runs every handler of sub for one delivery. Success acks;
// failure naks with delay until MaxDeliver is reached, after which the message
// is parked on the dead-letter subject and terminated.
func (s *EventStream) handleMessage(sub *subscription, msg inbound) {
	logger := s.log.With().Str("subject", msg.Subject()).Str("durable", sub.durable).Logger()

	env, err := event.Unmarshal(msg.Data())
	if err != nil {
		logger.Error().Err(err).Msg("undecodable message, dead-lettering")
		s.park(sub, msg, logger)
		return
	}
	logger = logger.With().
		Str("topic", env.Topic).
		Str("correlation_id", env.CorrelationID).
		Str("event_id", env.EventID).
		Logger()

	hctx, cancel := context.WithTimeout(s.ctx, s.opts.handlerTimeout())
	defer cancel()

	stop := s.keepAlive(hctx, msg, logger)
	err = sub.run(hctx, env)
	stop()
	if err != nil {
		if s.metrics != nil {
			s.metrics.HandlerErrors.WithLabelValues(sub.durable).Inc()
		}

		delivered := uint64(1)
		if md, mdErr := msg.Metadata(); mdErr == nil {
			delivered = md.NumDelivered
		}
		if s.opts.MaxDeliver > 0 && delivered >= uint64(s.opts.MaxDeliver) {
			logger.Error().Err(err).Uint64("delivered", delivered).Msg("redelivery exhausted, dead-lettering")
			s.park(sub, msg, logger)
			return
		}

		logger.Warn().Err(err).Uint64("delivered", delivered).Dur("delay", s.opts.NakDelay).Msg("handler failed, nak")
		if nakErr := msg.NakWithDelay(s.opts.NakDelay); nakErr != nil {
			logger.Warn().Err(nakErr).Msg("nak failed")
		}
		return
	}

	if err := msg.Ack(); err != nil {
		logger.Warn().Err(err).Msg("ack failed, message will be redelivered")
	}
}

// keepAlive resets the ack timer of msg every half AckWait until stop is
// called, so long-running handlers are not redelivered mid-run.
func (s *EventStream) keepAlive(ctx context.Context, msg inbound, logger zerolog.Logger) (stop func()) {
	if s.opts.AckWait <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(s.opts.AckWait / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					logger.Warn().Err(err).Msg("in-progress ack failed")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (s *EventStream) park(sub *subscription, msg inbound, logger zerolog.Logger) {
	if s.metrics != nil {
		s.metrics.DeadLettered.WithLabelValues(sub.durable).Inc()
	}
	if err := s.deadLetter(s.ctx, DeadLetterSubject(msg.Subject()), msg.Data()); err != nil {
		logger.Error().Err(err).Msg("dead-letter publish failed")
	}
	if err := msg.Term(); err != nil {
		logger.Warn().Err(err).Msg("term failed")
	}
}

func (s *EventStream) publishDeadLetter(ctx context.Context, subject string, data []byte) error {
	pctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()
	_, err := s.js.Publish(pctx, subject, data)
	return err
}

// Replay reads envelopes for subject from the fast buffer.
func (s *EventStream) Replay(ctx context.Context, subject string, from, to time.Time) ([]*event.Envelope, error) {
	if s.buffer == nil {
		return nil, nil
	}
	return s.buffer.Range(ctx, subject, from, to)
}

// StreamState summarizes the durable stream.
type StreamState struct {
	Stream    string `json:"stream"`
	Messages  uint64 `json:"messages"`
	Bytes     uint64 `json:"bytes"`
	FirstSeq  uint64 `json:"first_seq"`
	LastSeq   uint64 `json:"last_seq"`
	Consumers int    `json:"consumers"`
}

// State reports message and byte counts of the platform stream.
func (s *EventStream) State(ctx context.Context) (StreamState, error) {
	st, err := s.js.Stream(ctx, s.opts.StreamName)
	if err != nil {
		return StreamState{}, fmt.Errorf("lookup stream %s: %w", s.opts.StreamName, err)
	}
	info, err := st.Info(ctx)
	if err != nil {
		return StreamState{}, fmt.Errorf("stream info %s: %w", s.opts.StreamName, err)
	}
	return StreamState{
		Stream:    s.opts.StreamName,
		Messages:  info.State.Msgs,
		Bytes:     info.State.Bytes,
		FirstSeq:  info.State.FirstSeq,
		LastSeq:   info.State.LastSeq,
		Consumers: info.State.Consumers,
	}, nil
}

// Close stops every consumer and cancels in-flight handler contexts. Safe to call twice.
func (s *EventStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.cancel()
	s.log.Info().Msg("event stream consumers stopped")
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
// The initial connect is not retried; later disconnects reconnect with
// exponential backoff capped at 10s, up to maxReconnects attempts.
func ConnectNATS(url string, maxReconnects int, logger zerolog.Logger, metrics *observability.Metrics) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("intentflow"),
		nats.MaxReconnects(maxReconnects),
		nats.CustomReconnectDelay(ReconnectDelay),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if metrics != nil {
				metrics.NATSReconnects.Inc()
			}
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Warn().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// ReconnectDelay doubles from 250ms per attempt and caps at 10s.
func ReconnectDelay(attempts int) time.Duration {
	const (
		base    = 250 * time.Millisecond
		ceiling = 10 * time.Second
	)
	if attempts > 6 {
		return ceiling
	}
	d := base << attempts
	if d > ceiling {
		return ceiling
	}
	return d
}
