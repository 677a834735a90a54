package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rendernet/pkg/api/stream"
	clientstream "rendernet/pkg/clients/stream"
	"rendernet/pkg/logging"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Envelope is what sinks receive for every relayed event.
type Envelope struct {
	ID         string       `json:"id"`
	RelayID    string       `json:"relayId"`
	ReceivedAt time.Time    `json:"receivedAt"`
	Event      stream.Event `json:"event"`
}

// Key returns the partitioning key: the event channel, or its category.
func (e Envelope) Key() string {
	if e.Event.Channel != "" {
		return e.Event.Channel
	}
	return string(e.Event.Type.Category())
}

// Sink is a destination for relayed events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Source is the subset of the stream manager the relay attaches to.
type Source interface {
	SubscribeAll(h clientstream.Handler) clientstream.HandlerID
	UnsubscribeAll(id clientstream.HandlerID)
}

type Config struct {
	Sinks []Sink
	// PublishTimeout bounds one fan-out; defaults to 5s.
	PublishTimeout time.Duration
	Logger         logging.Logger
	// Published counts sink outcomes; labels: sink, status. Optional.
	Published *prometheus.CounterVec
}

// Relay forwards every event from a Source to its sinks. Sink failures are
// logged and counted and never reach the stream dispatcher.
type Relay struct {
	id        string
	sinks     []Sink
	timeout   time.Duration
	logger    logging.Logger
	published *prometheus.CounterVec

	mu        sync.Mutex
	source    Source
	handlerID clientstream.HandlerID
}

func New(cfg Config) *Relay {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Relay{
		id:        uuid.NewString(),
		sinks:     cfg.Sinks,
		timeout:   cfg.PublishTimeout,
		logger:    logging.OrDiscard(cfg.Logger),
		published: cfg.Published,
	}
}

func (r *Relay) ID() string { return r.id }

// Attach starts relaying events from src. Attaching again moves the relay.
func (r *Relay) Attach(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source != nil {
		r.source.UnsubscribeAll(r.handlerID)
	}
	r.source = src
	r.handlerID = src.SubscribeAll(func(ev stream.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		_ = r.Forward(ctx, ev)
		return nil
	})
}

// Detach stops relaying.
func (r *Relay) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source != nil {
		r.source.UnsubscribeAll(r.handlerID)
		r.source = nil
	}
}

// Forward publishes ev to every sink concurrently and returns the first failure.
func (r *Relay) Forward(ctx context.Context, ev stream.Event) error {
	env := Envelope{
		ID:         uuid.NewString(),
		RelayID:    r.id,
		ReceivedAt: time.Now().UTC(),
		Event:      ev,
	}

	var g errgroup.Group
	for _, sink := range r.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Publish(ctx, env); err != nil {
				r.count(sink.Name(), "error")
				r.logger.WithError(err).WithFields(logging.Fields{
					"sink":       sink.Name(),
					"event_type": ev.Type,
					"channel":    ev.Channel,
				}).Error("Failed to relay event")
				return fmt.Errorf("%s: %w", sink.Name(), err)
			}
			r.count(sink.Name(), "ok")
			return nil
		})
	}
	return g.Wait()
}

// Close detaches and closes every sink.
func (r *Relay) Close() error {
	r.Detach()
	var firstErr error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s sink: %w", sink.Name(), err)
		}
	}
	return firstErr
}

func (r *Relay) count(sink, status string) {
	if r.published == nil {
		return
	}
	r.published.WithLabelValues(sink, status).Inc()
}
