package stream

import (
	"IntentFlow/internal/event"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrPublishTimeout is returned when the transport did not acknowledge a
	// publish within the configured timeout. The bus never retries on its own.
	ErrPublishTimeout = errors.New("publish timeout")

	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("bus closed")
)

// Handler processes one delivered envelope. Returning an error negatively
// acknowledges the message so it is redelivered after the nak delay.
// Handlers must tolerate seeing the same envelope more than once.
type Handler func(ctx context.Context, env *event.Envelope) error

// PubAck is the transport acknowledgement for a publish.
type PubAck struct {
	Stream    string
	Sequence  uint64
	Duplicate bool
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *event.Envelope) (PubAck, error)
}

// Bus delivers envelopes at least once to durable subscribers and keeps a
// short-lived replay buffer of everything it published.
type Bus interface {
	Publisher
	// Subscribe registers h on a durable consumer. Subjects accept NATS
	// wildcards. Several handlers on the same subject and durable share one
	// consumer and all run for every message.
	Subscribe(ctx context.Context, subject, durable string, h Handler) error
	// Replay reads the fast buffer only. A zero to means now.
	Replay(ctx context.Context, subject string, from, to time.Time) ([]*event.Envelope, error)
	Close() error
}

// Options configures delivery semantics shared by every transport.
type Options struct {
	StreamName     string
	Subjects       []string
	MaxAge         time.Duration
	PublishTimeout time.Duration
	AckWait        time.Duration
	NakDelay       time.Duration
	MaxDeliver     int
	// DuplicateWindow is how long the transport remembers message ids for dedup.
	DuplicateWindow time.Duration
	// HandlerTimeout bounds one delivery's handlers. JetStream deliveries are
	// kept alive past AckWait while handlers run.
	HandlerTimeout time.Duration
}

// DefaultOptions mirrors the platform defaults: 5s publish timeout, 30s ack
// wait, 5s nak delay, five deliveries, 24h retention.
func DefaultOptions() Options {
	return Options{
		StreamName:      "PLATFORM_EVENTS",
		Subjects:        event.AllSubjects(),
		MaxAge:          24 * time.Hour,
		PublishTimeout:  5 * time.Second,
		AckWait:         30 * time.Second,
		NakDelay:        5 * time.Second,
		MaxDeliver:      5,
		DuplicateWindow: 2 * time.Minute,
		HandlerTimeout:  5 * time.Minute,
	}
}

func (o Options) handlerTimeout() time.Duration {
	if o.HandlerTimeout > 0 {
		return o.HandlerTimeout
	}
	return DefaultOptions().HandlerTimeout
}

// DeadLetterSubject is where a message published on subject is parked after
// exhausting redelivery.
func DeadLetterSubject(subject string) string {
	return "dlq." + subject
}

// DurableName turns an arbitrary label into a valid consumer name.
func DurableName(label string) string {
	r := strings.NewReplacer(".", "-", "*", "all", ">", "all", " ", "-")
	return r.Replace(label)
}

// subscription is the set of handlers sharing one durable consumer.
type subscription struct {
	subject string
	durable string

	mu       sync.RWMutex
	handlers []Handler
}

func newSubscription(subject, durable string, h Handler) *subscription {
	return &subscription{subject: subject, durable: durable, handlers: []Handler{h}}
}

func (s *subscription) add(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// run invokes every handler. A failing or panicking handler does not stop the
// others; all failures are joined into the returned error.
func (s *subscription) run(ctx context.Context, env *event.Envelope) error {
	s.mu.RLock()
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.RUnlock()

	var errs []error
	for i, h := range handlers {
		if err := safeCall(ctx, h, env); err != nil {
			errs = append(errs, fmt.Errorf("handler %d on %s: %w", i, s.durable, err))
		}
	}
	return errors.Join(errs...)
}

func safeCall(ctx context.Context, h Handler, env *event.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}
