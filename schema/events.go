package schema

import (
	"github.com/glimte/foodsaga/contracts"
)

const currentVersions = "^1"

var zero = float64(0)

func str() *PropertyDef { return &PropertyDef{Type: "string"} }

func dateTime() *PropertyDef { return &PropertyDef{Type: "string", Format: "date-time"} }

func positiveNumber() *PropertyDef {
	return &PropertyDef{Type: "number", ExclusiveMinimum: &zero}
}

func enumOf[T ~string](values ...T) *PropertyDef {
	enum := make([]interface{}, len(values))
	for i, v := range values {
		enum[i] = string(v)
	}
	return &PropertyDef{Type: "string", Enum: enum}
}

// cancelReasons are accepted on every compensation payload. Narrowing them per
// hop would poison a valid order.cancelled further down the saga.
func cancelReasons() *PropertyDef {
	return enumOf(
		contracts.ReasonCustomerRequested,
		contracts.ReasonPaymentFailed,
		contracts.ReasonKitchenRejected,
		contracts.ReasonDeliveryUnavailable,
		contracts.ReasonSystemError,
	)
}

// Events returns a registry holding the schema of every event in the order flow
func Events() *Registry {
	r := NewRegistry()

	mustRegister(r, contracts.EventOrderCreated, &Schema{
		Name: "OrderCreatedV1",
		Properties: map[string]*PropertyDef{
			"orderId":      str(),
			"restaurantId": str(),
			"items": {
				Type: "array",
				Items: &PropertyDef{
					Type: "object",
					Properties: map[string]*PropertyDef{
						"menuItemId": str(),
						"qty":        {Type: "integer", ExclusiveMinimum: &zero},
					},
					Required: []string{"menuItemId", "qty"},
				},
			},
			"total": positiveNumber(),
		},
		Required: []string{"orderId", "restaurantId", "items", "total"},
	})

	mustRegister(r, contracts.EventOrderCancelled, &Schema{
		Name: "OrderCancelledV1",
		Properties: map[string]*PropertyDef{
			"orderId":      str(),
			"reason":       cancelReasons(),
			"cancelledAt":  dateTime(),
			"refundAmount": positiveNumber(),
		},
		Required: []string{"orderId", "reason", "cancelledAt"},
	})

	mustRegister(r, contracts.EventKitchenAccepted, &Schema{
		Name: "KitchenAcceptedV1",
		Properties: map[string]*PropertyDef{
			"orderId": str(),
			"total":   {Type: "number"},
		},
		Required: []string{"orderId"},
	})

	mustRegister(r, contracts.EventKitchenRejected, &Schema{
		Name: "KitchenRejectedV1",
		Properties: map[string]*PropertyDef{
			"orderId": str(),
			"reason":  str(),
		},
		Required: []string{"orderId", "reason"},
	})

	mustRegister(r, contracts.EventKitchenOrderCancelled, &Schema{
		Name: "KitchenOrderCancelledV1",
		Properties: map[string]*PropertyDef{
			"orderId":     str(),
			"reason":      cancelReasons(),
			"cancelledAt": dateTime(),
		},
		Required: []string{"orderId", "reason", "cancelledAt"},
	})

	mustRegister(r, contracts.EventPaymentSucceeded, &Schema{
		Name: "PaymentSucceededV1",
		Properties: map[string]*PropertyDef{
			"orderId": str(),
			"amount":  positiveNumber(),
		},
		Required: []string{"orderId", "amount"},
	})

	mustRegister(r, contracts.EventPaymentFailed, &Schema{
		Name: "PaymentFailedV1",
		Properties: map[string]*PropertyDef{
			"orderId": str(),
			"reason":  str(),
		},
		Required: []string{"orderId", "reason"},
	})

	mustRegister(r, contracts.EventPaymentRefund, &Schema{
		Name: "PaymentRefundV1",
		Properties: map[string]*PropertyDef{
			"paymentId": str(),
			"orderId":   str(),
			"amount":    positiveNumber(),
			"reason": enumOf(
				contracts.RefundCustomerCancellation,
				contracts.RefundKitchenRejected,
				contracts.RefundDeliveryFailed,
				contracts.RefundSystemError,
			),
			"initiatedAt": dateTime(),
		},
		Required: []string{"paymentId", "orderId", "amount", "reason", "initiatedAt"},
	})

	mustRegister(r, contracts.EventDeliveryAssigned, &Schema{
		Name: "DeliveryAssignedV1",
		Properties: map[string]*PropertyDef{
			"orderId":  str(),
			"driverId": str(),
		},
		Required: []string{"orderId", "driverId"},
	})

	mustRegister(r, contracts.EventDeliveryCancelled, &Schema{
		Name: "DeliveryCancelledV1",
		Properties: map[string]*PropertyDef{
			"orderId":     str(),
			"driverId":    str(),
			"reason":      cancelReasons(),
			"cancelledAt": dateTime(),
		},
		Required: []string{"orderId", "driverId", "reason", "cancelledAt"},
	})

	return r
}

func mustRegister(r *Registry, eventType string, s *Schema) {
	if s.Versions == "" {
		s.Versions = currentVersions
	}
	if err := r.Register(eventType, s); err != nil {
		panic(err)
	}
}
