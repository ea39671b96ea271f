// Package saga is the static choreography of the order flow: which service
// listens to which routing key, and on which queue.
//
// There is no coordinator. Cancellation completes once every binding below
// that listens to a cancellation event has processed it:
//
//	order ──order.cancelled──┬──> kitchen ──kitchen.order.cancelled──> delivery
//	                         ├──> payment ──payment.refund
//	                         ├──> delivery (direct path)
//	                         └──> notification
package saga

import (
	"fmt"
	"strings"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/internal/reliability"
	"github.com/glimte/foodsaga/messaging"
)

// Service names
const (
	Order        = "order"
	Kitchen      = "kitchen"
	Payment      = "payment"
	Delivery     = "delivery"
	Notification = "notification"
)

// Services lists every consuming service
var Services = []string{Order, Kitchen, Payment, Delivery, Notification}

// Binding is one queue of a service bound to a routing key
type Binding struct {
	Service    string
	RoutingKey string
	Queue      string
}

// QueueName returns {service}_service.{event} with dots in the event
// replaced by underscores
func QueueName(service, routingKey string) string {
	return service + "_service." + strings.ReplaceAll(routingKey, ".", "_")
}

// DirectCancelQueue is the delivery fallback queue for order.cancelled
var DirectCancelQueue = QueueName(Delivery, contracts.EventOrderCancelled) + "_direct"

func bind(service string, keys ...string) []Binding {
	out := make([]Binding, len(keys))
	for i, k := range keys {
		out[i] = Binding{Service: service, RoutingKey: k, Queue: QueueName(service, k)}
	}
	return out
}

var table = map[string][]Binding{
	Order: bind(Order,
		contracts.EventOrderCreated,
		contracts.EventKitchenAccepted,
		contracts.EventKitchenRejected,
		contracts.EventPaymentSucceeded,
		contracts.EventPaymentFailed,
		contracts.EventDeliveryAssigned,
	),
	Kitchen: bind(Kitchen,
		contracts.EventOrderCreated,
		contracts.EventOrderCancelled,
	),
	Payment: bind(Payment,
		contracts.EventKitchenAccepted,
		contracts.EventOrderCancelled,
	),
	Delivery: append(bind(Delivery,
		contracts.EventPaymentSucceeded,
		contracts.EventKitchenOrderCancelled,
	), Binding{Service: Delivery, RoutingKey: contracts.EventOrderCancelled, Queue: DirectCancelQueue}),
	Notification: bind(Notification, contracts.AllEvents...),
}

// Bindings returns the bindings of service
func Bindings(service string) ([]Binding, error) {
	b, ok := table[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q, expected one of %s", service, strings.Join(Services, ", "))
	}
	return append([]Binding(nil), b...), nil
}

// Queue returns the queue on which service receives routingKey
func Queue(service, routingKey string) (string, error) {
	bindings, err := Bindings(service)
	if err != nil {
		return "", err
	}
	for _, b := range bindings {
		if b.RoutingKey == routingKey {
			return b.Queue, nil
		}
	}
	return "", fmt.Errorf("service %s does not consume %s", service, routingKey)
}

// Topology returns the broker topology service needs on exchange
func Topology(service, exchange string) (messaging.ServiceTopology, error) {
	bindings, err := Bindings(service)
	if err != nil {
		return messaging.ServiceTopology{}, err
	}

	topo := messaging.ServiceTopology{
		Service:         service,
		Exchange:        exchange,
		DeadLetterQueue: reliability.DeadLetterQueue(service),
	}
	for _, b := range bindings {
		topo.Bindings = append(topo.Bindings, messaging.QueueBinding{Queue: b.Queue, RoutingKey: b.RoutingKey})
	}
	return topo, nil
}

// Consumers returns every binding of every service listening to routingKey
func Consumers(routingKey string) []Binding {
	var out []Binding
	for _, s := range Services {
		for _, b := range table[s] {
			if b.RoutingKey == routingKey {
				out = append(out, b)
			}
		}
	}
	return out
}
