// Package inmemory is a broker that lives inside one process. It follows the
// RabbitMQ semantics the services rely on: topic routing, durable queues that
// hold messages until someone consumes them, manual acknowledgement and
// dead-lettering of rejected messages with x-death headers.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/foodsaga/messaging"
)

// DeadLetterExchange is the direct exchange rejected messages are routed to
const DeadLetterExchange = "dlx"

type exchangeKind int

const (
	kindTopic exchangeKind = iota
	kindDirect
)

type binding struct {
	pattern string
	queue   string
}

type message struct {
	id         string
	exchange   string
	routingKey string
	body       []byte
	headers    map[string]interface{}
}

type queue struct {
	name               string
	messages           []message
	deadLetterExchange string
	deadLetterKey      string
	notify             chan struct{}
	cancel             context.CancelFunc
	done               chan struct{}
}

// Transport implements messaging.Transport, messaging.TopologyDeclarer and
// messaging.QueueInspector in memory
type Transport struct {
	mu        sync.Mutex
	exchanges map[string]exchangeKind
	bindings  map[string][]binding
	queues    map[string]*queue
	inFlight  int
	closed    bool

	prefetch int
	logger   *slog.Logger
}

// Option configures the transport
type Option func(*Transport)

// WithPrefetch bounds concurrent handlers per queue
func WithPrefetch(n int) Option {
	return func(t *Transport) {
		t.prefetch = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates an empty broker
func New(options ...Option) *Transport {
	t := &Transport{
		exchanges: make(map[string]exchangeKind),
		bindings:  make(map[string][]binding),
		queues:    make(map[string]*queue),
		prefetch:  10,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// DeclareTopology implements messaging.TopologyDeclarer
func (t *Transport) DeclareTopology(_ context.Context, st messaging.ServiceTopology) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.exchanges[st.Exchange] = kindTopic
	t.exchanges[DeadLetterExchange] = kindDirect

	t.declareQueue(st.DeadLetterQueue, "", "")
	t.bind(DeadLetterExchange, st.DeadLetterQueue, st.DeadLetterQueue)

	for _, b := range st.Bindings {
		t.declareQueue(b.Queue, DeadLetterExchange, st.DeadLetterQueue)
		t.bind(st.Exchange, b.Queue, b.RoutingKey)
	}
	return nil
}

func (t *Transport) declareQueue(name, dlx, dlk string) {
	if _, ok := t.queues[name]; ok {
		return
	}
	t.queues[name] = &queue{
		name:               name,
		deadLetterExchange: dlx,
		deadLetterKey:      dlk,
		notify:             make(chan struct{}, 1),
	}
}

func (t *Transport) bind(exchange, queueName, pattern string) {
	for _, b := range t.bindings[exchange] {
		if b.queue == queueName && b.pattern == pattern {
			return
		}
	}
	t.bindings[exchange] = append(t.bindings[exchange], binding{pattern: pattern, queue: queueName})
}

// Publish implements messaging.Transport. Messages routed to no queue are
// dropped, as an unroutable publish on a broker is.
func (t *Transport) Publish(_ context.Context, exchange, routingKey string, msg messaging.OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("inmemory transport closed")
	}
	kind, ok := t.exchanges[exchange]
	if !ok {
		return fmt.Errorf("exchange %q not declared", exchange)
	}

	headers := make(map[string]interface{}, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	t.route(exchange, kind, message{
		id:         msg.MessageID,
		exchange:   exchange,
		routingKey: routingKey,
		body:       append([]byte(nil), msg.Body...),
		headers:    headers,
	})
	return nil
}

// route must be called with t.mu held
func (t *Transport) route(exchange string, kind exchangeKind, m message) {
	seen := make(map[string]bool)
	for _, b := range t.bindings[exchange] {
		if seen[b.queue] {
			continue
		}
		matched := b.pattern == m.routingKey
		if kind == kindTopic {
			matched = TopicMatch(b.pattern, m.routingKey)
		}
		if !matched {
			continue
		}
		seen[b.queue] = true
		q := t.queues[b.queue]
		q.messages = append(q.messages, m)
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, queueName string, handler messaging.DeliveryHandler) error {
	t.mu.Lock()
	q, ok := t.queues[queueName]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("queue %q not declared", queueName)
	}
	if q.cancel != nil {
		t.mu.Unlock()
		return fmt.Errorf("already subscribed to queue: %s", queueName)
	}
	subCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	t.mu.Unlock()

	go t.run(subCtx, q, handler)
	return nil
}

func (t *Transport) run(ctx context.Context, q *queue, handler messaging.DeliveryHandler) {
	defer close(q.done)

	slots := make(chan struct{}, t.prefetch)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}
		if ctx.Err() != nil {
			return
		}

		m, ok := t.next(q)
		if !ok {
			<-slots
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			t.dispatch(ctx, q, m, handler)
		}()
	}
}

func (t *Transport) next(q *queue) (message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(q.messages) == 0 {
		return message{}, false
	}
	m := q.messages[0]
	q.messages = q.messages[1:]
	t.inFlight++
	return m, true
}

func (t *Transport) dispatch(ctx context.Context, q *queue, m message, handler messaging.DeliveryHandler) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, &delivery{msg: m})
	}()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight--
	switch {
	case err == nil:
	case ctx.Err() != nil, errors.Is(err, messaging.ErrInterrupted):
		t.requeue(q, m)
	default:
		t.deadLetter(q, m)
	}
}

// requeue puts m back at the head of q. It must be called with t.mu held.
func (t *Transport) requeue(q *queue, m message) {
	q.messages = append([]message{m}, q.messages...)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// deadLetter must be called with t.mu held
func (t *Transport) deadLetter(q *queue, m message) {
	if q.deadLetterExchange == "" {
		t.logger.Warn("rejected message dropped, queue has no dead letter exchange", "queue", q.name, "messageId", m.id)
		return
	}

	headers := make(map[string]interface{}, len(m.headers)+3)
	for k, v := range m.headers {
		headers[k] = v
	}
	death := map[string]interface{}{
		"queue":        q.name,
		"reason":       "rejected",
		"count":        int64(1),
		"exchange":     m.exchange,
		"routing-keys": []interface{}{m.routingKey},
		"time":         time.Now().UTC(),
	}
	previous, _ := headers["x-death"].([]interface{})
	headers["x-death"] = append([]interface{}{death}, previous...)
	if _, ok := headers["x-first-death-queue"]; !ok {
		headers["x-first-death-queue"] = q.name
		headers["x-first-death-reason"] = "rejected"
		headers["x-first-death-exchange"] = m.exchange
	}

	routingKey := q.deadLetterKey
	if routingKey == "" {
		routingKey = m.routingKey
	}
	t.route(q.deadLetterExchange, t.exchanges[q.deadLetterExchange], message{
		id:         m.id,
		exchange:   q.deadLetterExchange,
		routingKey: routingKey,
		body:       m.body,
		headers:    headers,
	})
}

// Unsubscribe implements messaging.Transport
func (t *Transport) Unsubscribe(queueName string) error {
	t.mu.Lock()
	q, ok := t.queues[queueName]
	if !ok || q.cancel == nil {
		t.mu.Unlock()
		return fmt.Errorf("no active consumer for queue: %s", queueName)
	}
	cancel, done := q.cancel, q.done
	q.cancel = nil
	t.mu.Unlock()

	cancel()
	<-done
	return nil
}

// QueueDepth implements messaging.QueueInspector
func (t *Transport) QueueDepth(_ context.Context, queueName string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queueName]
	if !ok {
		return 0, fmt.Errorf("queue %q not declared", queueName)
	}
	return len(q.messages), nil
}

// Peek returns copies of the ready message bodies in a queue
func (t *Transport) Peek(queueName string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queueName]
	if !ok {
		return nil
	}
	out := make([][]byte, len(q.messages))
	for i, m := range q.messages {
		out[i] = append([]byte(nil), m.body...)
	}
	return out
}

// PeekHeaders returns the headers of the ready messages in a queue
func (t *Transport) PeekHeaders(queueName string) []map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queueName]
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, len(q.messages))
	for i, m := range q.messages {
		out[i] = m.headers
	}
	return out
}

// WaitIdle blocks until no handler is running and every consumed queue is
// empty, or ctx ends
func (t *Transport) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if t.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Transport) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight > 0 {
		return false
	}
	for _, q := range t.queues {
		if q.cancel != nil && len(q.messages) > 0 {
			return false
		}
	}
	return true
}

// IsConnected implements messaging.Transport
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Close stops every consumer
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var subs []*queue
	for _, q := range t.queues {
		if q.cancel != nil {
			subs = append(subs, q)
		}
	}
	t.mu.Unlock()

	for _, q := range subs {
		q.cancel()
		<-q.done
	}
	return nil
}

// TopicMatch reports whether routingKey matches an AMQP topic pattern, where
// "*" matches one word and "#" zero or more
func TopicMatch(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

type delivery struct {
	msg message
}

func (d *delivery) MessageID() string  { return d.msg.id }
func (d *delivery) RoutingKey() string { return d.msg.routingKey }
func (d *delivery) Body() []byte       { return d.msg.body }

func (d *delivery) Headers() map[string]interface{} {
	headers := make(map[string]interface{}, len(d.msg.headers))
	for k, v := range d.msg.headers {
		headers[k] = v
	}
	return headers
}
