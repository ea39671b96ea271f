// Package messagingtest provides a messaging.Publisher that records what
// handlers publish.
package messagingtest

import (
	"context"
	"sync"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/messaging"
)

// Published is one recorded publish
type Published struct {
	RoutingKey string
	Envelope   contracts.RawEnvelope
}

// Recorder records publishes. Err, when set, fails every publish.
type Recorder struct {
	mu        sync.Mutex
	published []Published
	Err       error
}

var _ messaging.Publisher = (*Recorder)(nil)

// Publish implements messaging.Publisher
func (r *Recorder) Publish(_ context.Context, routingKey string, msg messaging.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	env, err := msg.Raw()
	if err != nil {
		return err
	}
	r.published = append(r.published, Published{RoutingKey: routingKey, Envelope: env})
	return nil
}

// All returns every recorded publish in order
func (r *Recorder) All() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.published...)
}

// Envelopes returns the envelopes published under routingKey
func (r *Recorder) Envelopes(routingKey string) []contracts.RawEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []contracts.RawEnvelope
	for _, p := range r.published {
		if p.RoutingKey == routingKey {
			out = append(out, p.Envelope)
		}
	}
	return out
}

// Decode decodes the payloads published under routingKey
func Decode[T any](r *Recorder, routingKey string) ([]contracts.Envelope[T], error) {
	var out []contracts.Envelope[T]
	for _, raw := range r.Envelopes(routingKey) {
		env, err := contracts.DecodeEnvelope[T](raw)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Reset forgets every recorded publish
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = nil
}
