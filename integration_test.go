//go:build integration

package foodsaga

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/saga"
	"github.com/glimte/foodsaga/services/order"
	"github.com/glimte/foodsaga/services/payment"
)

func TestSagaOnRabbitMQ(t *testing.T) {
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		t.Skip("RABBITMQ_URL not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clients := make(map[string]*Client)
	for _, svc := range saga.Services {
		cfg := testConfig(svc)
		cfg.RabbitMQURL = url
		c, err := NewClient(ctx, cfg, WithLogger(quietLogger()))
		require.NoError(t, err, svc)
		defer c.Close()
		require.NoError(t, c.Start(ctx), svc)
		clients[svc] = c
	}

	orders := clients[saga.Order].Order()
	o, err := orders.Create(ctx, order.CreateInput{
		RestaurantID: "r-1",
		Items:        []contracts.OrderItem{{MenuItemID: "pizza", Qty: 1}},
		Total:        50,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := orders.Order(ctx, o.ID)
		return err == nil && got.Status == order.StatusDeliveryAssigned
	}, 10*time.Second, 50*time.Millisecond)

	_, err = orders.Cancel(ctx, o.ID, string(contracts.ReasonCustomerRequested))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, ok, err := clients[saga.Payment].Payment().Payment(ctx, o.ID)
		return err == nil && ok && p.Status == payment.StatusRefunded
	}, 10*time.Second, 50*time.Millisecond)

	t.Run("publishes are counted", func(t *testing.T) {
		families, err := clients[saga.Order].Metrics().Registry().Gather()
		require.NoError(t, err)

		var published float64
		for _, f := range families {
			if f.GetName() != "saga_events_published_total" {
				continue
			}
			for _, m := range f.GetMetric() {
				published += m.GetCounter().GetValue()
			}
		}
		assert.GreaterOrEqual(t, published, 2.0)
	})

	t.Run("broker health is reported", func(t *testing.T) {
		for svc, c := range clients {
			assert.NotEqual(t, "unhealthy", string(c.Health().Check(ctx).Status), svc)
		}
	})
}
