package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ttm/internal/domain"
	"ttm/internal/observability"
	"ttm/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Envelope is the outbound shape of one event log row.
type Envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func envelopeFor(evt domain.Event) Envelope {
	env := Envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			env.Payload = json.RawMessage(evt.Payload)
		} else {
			env.PayloadRaw = evt.Payload
		}
	}
	return env
}

// Sink delivers envelopes to one external system.
type Sink interface {
	Name() string
	Accepts(eventType string) bool
	Deliver(ctx context.Context, env Envelope) error
	Close() error
}

// Source reads the persisted event log.
type Source interface {
	ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Dispatcher tails the event log and forwards new events to every sink. Each
// sink keeps its own cursor, starting at the newest event when the dispatcher
// first sees it; a failed delivery is retried on the next tick.
type Dispatcher struct {
	source   Source
	sinks    []Sink
	interval time.Duration
	batch    int
	logger   *logrus.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	cursors map[string]int64
}

type Options struct {
	Interval time.Duration
	Batch    int
	Logger   *logrus.Logger
	Metrics  *observability.Metrics
}

func NewDispatcher(source Source, sinks []Sink, opts Options) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	return &Dispatcher{
		source:   source,
		sinks:    sinks,
		interval: opts.Interval,
		batch:    opts.Batch,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		cursors:  map[string]int64{},
	}
}

// Run dispatches until ctx ends, then closes the sinks.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.Close()
	if len(d.sinks) == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs one pass over every sink.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for _, sink := range d.sinks {
		if ctx.Err() != nil {
			return
		}
		d.dispatchSink(ctx, sink)
	}
}

func (d *Dispatcher) dispatchSink(ctx context.Context, sink Sink) {
	log := d.logger.WithField("sink", sink.Name())
	cursor, err := d.cursorFor(ctx, sink)
	if err != nil {
		log.WithError(err).Error("relay: init cursor failed")
		return
	}
	evts, err := d.source.ListEvents(ctx, repo.EventFilter{AfterID: cursor, Limit: d.batch})
	if err != nil {
		log.WithError(err).Error("relay: fetch events failed")
		return
	}
	for _, evt := range evts {
		if !sink.Accepts(evt.Type) {
			d.setCursor(sink, evt.ID)
			continue
		}
		err := sink.Deliver(ctx, envelopeFor(evt))
		d.metrics.Relayed(sink.Name(), err)
		if err != nil {
			log.WithError(err).WithField("event_id", evt.ID).Warn("relay: delivery failed")
			return
		}
		d.setCursor(sink, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, sink Sink) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[sink.Name()]; ok {
		return cur, nil
	}
	cur, err := d.source.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[sink.Name()] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(sink Sink, value int64) {
	d.mu.Lock()
	d.cursors[sink.Name()] = value
	d.mu.Unlock()
}

// Cursor reports the last event id handled for the named sink.
func (d *Dispatcher) Cursor(name string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.cursors[name]
	return cur, ok
}

func (d *Dispatcher) Close() {
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			d.logger.WithError(err).WithField("sink", sink.Name()).Warn("relay: close sink")
		}
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
