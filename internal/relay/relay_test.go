package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttm/internal/config"
	"ttm/internal/domain"
	"ttm/internal/repo"
)

type memorySource struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *memorySource) add(evtType, entityID, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, domain.Event{
		ID:         int64(len(s.events) + 1),
		TS:         "2026-01-02T03:04:05Z",
		Type:       evtType,
		EntityKind: "mission",
		EntityID:   entityID,
		ActorID:    "admin-1",
		Payload:    payload,
	})
}

func (s *memorySource) ListEvents(_ context.Context, f repo.EventFilter) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, evt := range s.events {
		if evt.ID <= f.AfterID {
			continue
		}
		out = append(out, evt)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *memorySource) LatestEventID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events)), nil
}

type recordingSink struct {
	name    string
	fail    bool
	got     []Envelope
	accepts func(string) bool
}

func (s *recordingSink) Name() string { return s.name }
func (s *recordingSink) Accepts(evt string) bool {
	if s.accepts == nil {
		return true
	}
	return s.accepts(evt)
}
func (s *recordingSink) Close() error { return nil }
func (s *recordingSink) Deliver(_ context.Context, env Envelope) error {
	if s.fail {
		return errors.New("sink down")
	}
	s.got = append(s.got, env)
	return nil
}

func TestDispatcherStartsAtLatestEvent(t *testing.T) {
	src := &memorySource{}
	src.add("mission:created", "1", `{"id":1}`)
	sink := &recordingSink{name: "rec"}
	d := NewDispatcher(src, []Sink{sink}, Options{})

	d.DispatchOnce(context.Background())
	assert.Empty(t, sink.got)

	src.add("mission:status_changed", "1", `{"id":1,"status":"publiee"}`)
	d.DispatchOnce(context.Background())
	require.Len(t, sink.got, 1)
	assert.Equal(t, int64(2), sink.got[0].ID)
	assert.JSONEq(t, `{"id":1,"status":"publiee"}`, string(sink.got[0].Payload))

	cur, ok := d.Cursor("rec")
	assert.True(t, ok)
	assert.Equal(t, int64(2), cur)
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	src := &memorySource{}
	sink := &recordingSink{name: "flaky", fail: true}
	d := NewDispatcher(src, []Sink{sink}, Options{})
	d.DispatchOnce(context.Background())

	src.add("mission:updated", "7", `{}`)
	d.DispatchOnce(context.Background())
	cur, _ := d.Cursor("flaky")
	assert.Equal(t, int64(0), cur)

	sink.fail = false
	d.DispatchOnce(context.Background())
	require.Len(t, sink.got, 1)
	assert.Equal(t, "7", sink.got[0].EntityID)
}

func TestDispatcherSkipsFilteredEvents(t *testing.T) {
	src := &memorySource{}
	sink := &recordingSink{name: "only-created", accepts: newEventFilter([]string{"mission:created"}).match}
	d := NewDispatcher(src, []Sink{sink}, Options{})
	d.DispatchOnce(context.Background())

	src.add("mission:updated", "1", `{}`)
	src.add("mission:created", "2", `{}`)
	d.DispatchOnce(context.Background())
	require.Len(t, sink.got, 1)
	assert.Equal(t, "mission:created", sink.got[0].Type)
	cur, _ := d.Cursor("only-created")
	assert.Equal(t, int64(2), cur)
}

func TestEnvelopeKeepsInvalidPayloadRaw(t *testing.T) {
	env := envelopeFor(domain.Event{ID: 3, Type: "x", Payload: "not json"})
	assert.JSONEq(t, `{}`, string(env.Payload))
	assert.Equal(t, "not json", env.PayloadRaw)
}

func TestWebhookSinkPostsEnvelope(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		body    Envelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(config.Webhook{Name: "ops", URL: srv.URL, Events: []string{"mission:status_changed"}})
	assert.True(t, sink.Accepts("mission:status_changed"))
	assert.False(t, sink.Accepts("mission:created"))

	err := sink.Deliver(context.Background(), Envelope{ID: 9, Type: "mission:status_changed", EntityKind: "mission", EntityID: "42", Payload: json.RawMessage(`{"status":"publiee"}`)})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "mission:status_changed", headers.Get("X-TTM-Event"))
	assert.Equal(t, "9", headers.Get("X-TTM-Delivery"))
	assert.Equal(t, "42", body.EntityID)
}

func TestWebhookSinkReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(config.Webhook{URL: srv.URL})
	assert.Equal(t, "webhook:"+srv.URL, sink.Name())
	err := sink.Deliver(context.Background(), Envelope{ID: 1, Type: "mission:created"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkKeysByEntity(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := NewKafkaSinkWithWriter(w, "ttm.events")
	assert.Equal(t, "kafka:ttm.events", sink.Name())

	require.NoError(t, sink.Deliver(context.Background(), Envelope{ID: 5, Type: "mission:updated", EntityKind: "mission", EntityID: "42", Payload: json.RawMessage(`{}`)}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "mission:42", string(w.msgs[0].Key))
	assert.Equal(t, "mission:updated", string(w.msgs[0].Headers[0].Value))

	var env Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	assert.Equal(t, int64(5), env.ID)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

type publishedMessage struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeAMQPPublisher struct {
	published []publishedMessage
	err       error
}

func (p *fakeAMQPPublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (p *fakeAMQPPublisher) Close() error { return nil }

func TestAMQPSinkRoutesByEventType(t *testing.T) {
	pub := &fakeAMQPPublisher{}
	sink := NewAMQPSinkWithPublisher(pub, "ttm")

	require.NoError(t, sink.Deliver(context.Background(), Envelope{ID: 11, Type: "transaction_confirmed", EntityKind: "transaction", EntityID: "t-1"}))
	require.Len(t, pub.published, 1)
	got := pub.published[0]
	assert.Equal(t, "ttm", got.exchange)
	assert.Equal(t, "transaction_confirmed", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "11", got.msg.MessageId)
}

func TestDispatcherFansOutToEverySink(t *testing.T) {
	src := &memorySource{}
	w := &fakeKafkaWriter{}
	pub := &fakeAMQPPublisher{err: errors.New("channel closed")}
	kafkaSink := NewKafkaSinkWithWriter(w, "ttm.events")
	amqpSink := NewAMQPSinkWithPublisher(pub, "ttm")
	d := NewDispatcher(src, []Sink{kafkaSink, amqpSink}, Options{})
	d.DispatchOnce(context.Background())

	src.add("mission:created", "1", `{"id":1}`)
	d.DispatchOnce(context.Background())

	assert.Len(t, w.msgs, 1)
	kcur, _ := d.Cursor(kafkaSink.Name())
	acur, _ := d.Cursor(amqpSink.Name())
	assert.Equal(t, int64(1), kcur)
	assert.Equal(t, int64(0), acur)
}

func TestSinksFromConfigWithoutBrokers(t *testing.T) {
	sinks, err := SinksFromConfig(config.Relay{Webhooks: []config.Webhook{{Name: "a", URL: "http://127.0.0.1:1/hook"}}})
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.Equal(t, "a", sinks[0].Name())
}
