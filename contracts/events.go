package contracts

import (
	"fmt"
	"strings"
	"time"
)

// Routing keys. The event type of an envelope equals its routing key.
const (
	EventOrderCreated          = "order.created"
	EventOrderCancelled        = "order.cancelled"
	EventKitchenAccepted       = "kitchen.accepted"
	EventKitchenRejected       = "kitchen.rejected"
	EventKitchenOrderCancelled = "kitchen.order.cancelled"
	EventPaymentSucceeded      = "payment.succeeded"
	EventPaymentFailed         = "payment.failed"
	EventPaymentRefund         = "payment.refund"
	EventDeliveryAssigned      = "delivery.assigned"
	EventDeliveryCancelled     = "delivery.cancelled"
)

// AllEvents lists every routing key in the order flow
var AllEvents = []string{
	EventOrderCreated,
	EventOrderCancelled,
	EventKitchenAccepted,
	EventKitchenRejected,
	EventKitchenOrderCancelled,
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventPaymentRefund,
	EventDeliveryAssigned,
	EventDeliveryCancelled,
}

// CancelReason explains why an order was cancelled
type CancelReason string

const (
	ReasonCustomerRequested   CancelReason = "customer_requested"
	ReasonPaymentFailed       CancelReason = "payment_failed"
	ReasonKitchenRejected     CancelReason = "kitchen_rejected"
	ReasonDeliveryUnavailable CancelReason = "delivery_unavailable"
	// ReasonSystemError is only produced downstream, never accepted on the cancel command.
	ReasonSystemError CancelReason = "system_error"
)

// CommandReasons are the reasons a caller may pass to the cancel command
var CommandReasons = []CancelReason{
	ReasonCustomerRequested,
	ReasonPaymentFailed,
	ReasonKitchenRejected,
	ReasonDeliveryUnavailable,
}

// ParseCancelReason validates a reason supplied to the cancel command
func ParseCancelReason(s string) (CancelReason, error) {
	for _, r := range CommandReasons {
		if string(r) == s {
			return r, nil
		}
	}

	names := make([]string, len(CommandReasons))
	for i, r := range CommandReasons {
		names[i] = string(r)
	}
	return "", &ValidationError{
		Field:   "reason",
		Message: fmt.Sprintf("invalid reason. Must be one of: %s", strings.Join(names, ", ")),
	}
}

// RefundReason explains why a payment was refunded
type RefundReason string

const (
	RefundCustomerCancellation RefundReason = "customer_cancellation"
	RefundKitchenRejected      RefundReason = "kitchen_rejected"
	RefundDeliveryFailed       RefundReason = "delivery_failed"
	RefundSystemError          RefundReason = "system_error"
)

// RefundReasonFor maps a cancellation reason onto the refund vocabulary
func RefundReasonFor(reason CancelReason) RefundReason {
	switch reason {
	case ReasonCustomerRequested:
		return RefundCustomerCancellation
	case ReasonKitchenRejected:
		return RefundKitchenRejected
	case ReasonDeliveryUnavailable:
		return RefundDeliveryFailed
	default:
		return RefundSystemError
	}
}

// OrderItem is a single line of an order
type OrderItem struct {
	MenuItemID string `json:"menuItemId"`
	Qty        int    `json:"qty"`
}

// OrderCreated is published when an order is placed
type OrderCreated struct {
	OrderID      string      `json:"orderId"`
	RestaurantID string      `json:"restaurantId"`
	Items        []OrderItem `json:"items"`
	Total        float64     `json:"total"`
}

// OrderCancelled starts the compensation saga
type OrderCancelled struct {
	OrderID      string       `json:"orderId"`
	Reason       CancelReason `json:"reason"`
	CancelledAt  time.Time    `json:"cancelledAt"`
	RefundAmount *float64     `json:"refundAmount,omitempty"`
}

// KitchenAccepted is published when the kitchen takes an order
type KitchenAccepted struct {
	OrderID string  `json:"orderId"`
	Total   float64 `json:"total"`
}

// KitchenRejected is published when the kitchen refuses an order
type KitchenRejected struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// KitchenOrderCancelled is the kitchen's compensation outcome
type KitchenOrderCancelled struct {
	OrderID     string       `json:"orderId"`
	Reason      CancelReason `json:"reason"`
	CancelledAt time.Time    `json:"cancelledAt"`
}

// PaymentSucceeded is published once an order is charged
type PaymentSucceeded struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

// PaymentFailed is published when a charge is declined
type PaymentFailed struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// PaymentRefund is the payment service's compensation outcome
type PaymentRefund struct {
	PaymentID   string       `json:"paymentId"`
	OrderID     string       `json:"orderId"`
	Amount      float64      `json:"amount"`
	Reason      RefundReason `json:"reason"`
	InitiatedAt time.Time    `json:"initiatedAt"`
}

// DeliveryAssigned is published once a driver is attached to an order
type DeliveryAssigned struct {
	OrderID  string `json:"orderId"`
	DriverID string `json:"driverId"`
}

// DeliveryCancelled is the delivery service's compensation outcome
type DeliveryCancelled struct {
	OrderID     string       `json:"orderId"`
	DriverID    string       `json:"driverId"`
	Reason      CancelReason `json:"reason"`
	CancelledAt time.Time    `json:"cancelledAt"`
}
