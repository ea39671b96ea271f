package schema

import (
	"encoding/json"
	"testing"

	"github.com/glimte/foodsaga/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("register rejects empty event type", func(t *testing.T) {
		err := NewRegistry().Register("", &Schema{})
		assert.Error(t, err)
	})

	t.Run("register rejects nil schema", func(t *testing.T) {
		err := NewRegistry().Register("x", nil)
		assert.Error(t, err)
	})

	t.Run("register rejects bad version constraint", func(t *testing.T) {
		err := NewRegistry().Register("x", &Schema{Versions: "not-a-range"})
		assert.Error(t, err)
	})

	t.Run("unknown event type fails validation", func(t *testing.T) {
		err := NewRegistry().Validate("nope", 1, json.RawMessage(`{}`))
		var ve *contracts.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "eventType", ve.Field)
	})

	t.Run("every routing key has a schema", func(t *testing.T) {
		r := Events()
		for _, key := range contracts.AllEvents {
			_, ok := r.Lookup(key)
			assert.True(t, ok, key)
		}
	})
}

func TestValidateOrderCancelled(t *testing.T) {
	r := Events()

	t.Run("accepts a valid payload", func(t *testing.T) {
		err := r.Validate(contracts.EventOrderCancelled, 1, json.RawMessage(
			`{"orderId":"o-1","reason":"customer_requested","cancelledAt":"2024-05-01T10:00:00.123456Z","refundAmount":50}`))
		assert.NoError(t, err)
	})

	t.Run("refund amount is optional", func(t *testing.T) {
		err := r.Validate(contracts.EventOrderCancelled, 1, json.RawMessage(
			`{"orderId":"o-1","reason":"payment_failed","cancelledAt":"2024-05-01T10:00:00Z"}`))
		assert.NoError(t, err)
	})

	t.Run("rejects unknown reason", func(t *testing.T) {
		err := r.Validate(contracts.EventOrderCancelled, 1, json.RawMessage(
			`{"orderId":"o-1","reason":"bored","cancelledAt":"2024-05-01T10:00:00Z"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reason")
	})

	t.Run("rejects non positive refund", func(t *testing.T) {
		err := r.Validate(contracts.EventOrderCancelled, 1, json.RawMessage(
			`{"orderId":"o-1","reason":"customer_requested","cancelledAt":"2024-05-01T10:00:00Z","refundAmount":0}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "refundAmount")
	})

	t.Run("rejects bad timestamp", func(t *testing.T) {
		err := r.Validate(contracts.EventOrderCancelled, 1, json.RawMessage(
			`{"orderId":"o-1","reason":"customer_requested","cancelledAt":"yesterday"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cancelledAt")
	})

	t.Run("reports every missing field", func(t *testing.T) {
		result := mustSchema(t, r, contracts.EventOrderCancelled).Check(json.RawMessage(`{}`))
		assert.False(t, result.Valid)
		assert.Len(t, result.Errors, 3)
	})

	t.Run("rejects an unsupported version", func(t *testing.T) {
		err := r.Validate(contracts.EventOrderCancelled, 2, json.RawMessage(
			`{"orderId":"o-1","reason":"customer_requested","cancelledAt":"2024-05-01T10:00:00Z"}`))
		var ve *contracts.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "eventVersion", ve.Field)
	})
}

func TestValidateOrderCreated(t *testing.T) {
	s := mustSchema(t, Events(), contracts.EventOrderCreated)

	t.Run("accepts empty items", func(t *testing.T) {
		result := s.Check(json.RawMessage(`{"orderId":"o-1","restaurantId":"r-1","items":[],"total":10}`))
		assert.True(t, result.Valid)
	})

	t.Run("rejects fractional quantity", func(t *testing.T) {
		result := s.Check(json.RawMessage(`{"orderId":"o-1","restaurantId":"r-1","items":[{"menuItemId":"m","qty":1.5}],"total":10}`))
		require.False(t, result.Valid)
		assert.Equal(t, "items[0].qty", result.Errors[0].Field)
		assert.Equal(t, "TYPE_MISMATCH", result.Errors[0].Code)
	})

	t.Run("rejects wrong types", func(t *testing.T) {
		result := s.Check(json.RawMessage(`{"orderId":7,"restaurantId":"r-1","items":[],"total":"ten"}`))
		assert.False(t, result.Valid)
		assert.Len(t, result.Errors, 2)
	})

	t.Run("rejects non object payload", func(t *testing.T) {
		result := s.Check(json.RawMessage(`[1,2]`))
		assert.False(t, result.Valid)
	})
}

func TestValidatePaymentRefund(t *testing.T) {
	s := mustSchema(t, Events(), contracts.EventPaymentRefund)

	result := s.Check(json.RawMessage(`{"paymentId":"p","orderId":"o","amount":50,"reason":"customer_cancellation","initiatedAt":"2024-05-01T10:00:00Z"}`))
	assert.True(t, result.Valid)

	result = s.Check(json.RawMessage(`{"paymentId":"p","orderId":"o","amount":50,"reason":"customer_requested","initiatedAt":"2024-05-01T10:00:00Z"}`))
	assert.False(t, result.Valid)
}

func mustSchema(t *testing.T, r *Registry, eventType string) *Schema {
	t.Helper()
	s, ok := r.Lookup(eventType)
	require.True(t, ok)
	return s
}
