package refresher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/parceldesk/parceldesk/internal/broker/messages"
	"github.com/parceldesk/parceldesk/internal/integrations/carrier"
	"github.com/parceldesk/parceldesk/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	calls int
	out   []*models.Shipment
	err   error
}

func (r *fakeRepo) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	r.calls++
	return r.out, r.err
}

type fakeProducer struct {
	topic string
	key   []byte
	value []byte
	calls int
	err   error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.calls++
	p.topic, p.key, p.value = topic, key, value
	return p.err
}

type fakeRL struct {
	allowed bool
	count   int64
	err     error
}

func (r fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	return r.allowed, r.count, r.err
}

type stubGateway struct {
	status  carrier.DeliveryStatus
	history []carrier.HistoryEvent
	err     error
}

func (g stubGateway) FetchDeliveryStatus(ctx context.Context, trackingNumber string) (carrier.DeliveryStatus, error) {
	return g.status, g.err
}
func (g stubGateway) FetchTrackingHistory(ctx context.Context, trackingNumber string) ([]carrier.HistoryEvent, error) {
	return g.history, nil
}

func registryWith(c models.Carrier, gw carrier.Gateway) *carrier.Registry {
	return carrier.NewRegistry().Register(c, gw)
}

func TestRefresher_processOne_deliveredPublishes(t *testing.T) {
	now := time.Now().UTC()
	fp := &fakeProducer{}
	gw := stubGateway{
		status: carrier.DeliveryStatus{
			IsDelivered:  true,
			DeliveryDate: &now,
			POD:          &carrier.ProofOfDelivery{DeliveryLocation: "Front Door", LastUpdated: now},
			Source:       carrier.SourceLive,
		},
		// Newest-first, as the live gateways send history.
		history: []carrier.HistoryEvent{
			{Date: now, Status: "DELIVERED", Description: "Delivered, Front Door", Location: "AUSTIN, TX"},
			{Date: now.Add(-time.Hour), Status: "IN_TRANSIT", Description: "Out for delivery", Location: "AUSTIN, TX"},
		},
	}
	r := New(&fakeRepo{}, registryWith(models.CarrierUSPS, gw), fp, fakeRL{allowed: true}, "shipment.updated")

	sh := &models.Shipment{ID: 42, Carrier: models.CarrierUSPS, TrackingNumber: "9405511206213334271431"}
	require.NoError(t, r.processOne(context.Background(), sh))
	require.Equal(t, 1, fp.calls)
	require.Equal(t, "shipment.updated", fp.topic)
	require.Equal(t, []byte("42"), fp.key)

	var msg messages.ShipmentUpdated
	require.NoError(t, json.Unmarshal(fp.value, &msg))
	require.Equal(t, uint64(42), msg.ShipmentID)
	require.Equal(t, "DELIVERED", msg.Status)
	require.Equal(t, "Delivered, Front Door", msg.StatusRaw)
	require.Equal(t, "live", msg.Source)
	require.NotNil(t, msg.DeliveredAt)
	require.NotNil(t, msg.POD)
	require.Len(t, msg.Events, 2)
	require.NotNil(t, msg.Events[0].Location)
}

func TestRefresher_processOne_inTransit(t *testing.T) {
	fp := &fakeProducer{}
	gw := stubGateway{status: carrier.DeliveryStatus{IsDelivered: false, Source: carrier.SourceLive}}
	r := New(&fakeRepo{}, registryWith(models.CarrierFedEx, gw), fp, nil, "shipment.updated")

	sh := &models.Shipment{ID: 7, Carrier: models.CarrierFedEx, TrackingNumber: "123456789012"}
	require.NoError(t, r.processOne(context.Background(), sh))

	var msg messages.ShipmentUpdated
	require.NoError(t, json.Unmarshal(fp.value, &msg))
	require.Equal(t, "IN_TRANSIT", msg.Status)
	require.Equal(t, "In transit", msg.StatusRaw)
	require.Nil(t, msg.POD)
	require.Nil(t, msg.Error)
}

// Gateway errors still publish, carrying the error and a backoff next-check.
func TestRefresher_processOne_errorBackoff(t *testing.T) {
	fp := &fakeProducer{}
	gw := stubGateway{err: errors.New("credentials are not configured")}
	r := New(&fakeRepo{}, registryWith(models.CarrierFedEx, gw), fp, nil, "shipment.updated")

	before := time.Now().UTC()
	sh := &models.Shipment{ID: 1, Carrier: models.CarrierFedEx, TrackingNumber: "N", CheckFailCount: 1}
	require.NoError(t, r.processOne(context.Background(), sh))
	require.Equal(t, 1, fp.calls)

	var msg messages.ShipmentUpdated
	require.NoError(t, json.Unmarshal(fp.value, &msg))
	require.NotNil(t, msg.Error)
	require.Contains(t, *msg.Error, "credentials")
	// Second consecutive failure lands on the 15-minute rung.
	require.WithinDuration(t, before.Add(15*time.Minute), msg.NextCheckAt, 5*time.Second)
}

func TestRefresher_processOne_unknownCarrier(t *testing.T) {
	fp := &fakeProducer{}
	r := New(&fakeRepo{}, carrier.NewRegistry(), fp, nil, "shipment.updated")

	sh := &models.Shipment{ID: 1, Carrier: models.Carrier("DHL"), TrackingNumber: "N"}
	require.NoError(t, r.processOne(context.Background(), sh))
	require.Equal(t, 1, fp.calls)

	var msg messages.ShipmentUpdated
	require.NoError(t, json.Unmarshal(fp.value, &msg))
	require.NotNil(t, msg.Error)
}

// The raw status must be the latest scan's text whichever way the gateway
// orders its history.
func TestStatusRawOf_OrderIndependent(t *testing.T) {
	now := time.Now().UTC()
	newestFirst := []carrier.HistoryEvent{
		{Date: now, Description: "Delivered, Front Door"},
		{Date: now.Add(-6 * time.Hour), Description: "On FedEx vehicle for delivery"},
		{Date: now.Add(-24 * time.Hour), Description: "Departed FedEx hub"},
	}
	oldestFirst := []carrier.HistoryEvent{newestFirst[2], newestFirst[1], newestFirst[0]}

	delivered := carrier.DeliveryStatus{IsDelivered: true}
	require.Equal(t, "Delivered, Front Door", statusRawOf(delivered, newestFirst))
	require.Equal(t, "Delivered, Front Door", statusRawOf(delivered, oldestFirst))

	// Events without text are skipped in favor of the latest described one.
	withBlank := append([]carrier.HistoryEvent{{Date: now.Add(time.Hour)}}, newestFirst...)
	require.Equal(t, "Delivered, Front Door", statusRawOf(delivered, withBlank))

	require.Equal(t, "Delivered", statusRawOf(delivered, nil))
	require.Equal(t, "In transit", statusRawOf(carrier.DeliveryStatus{}, nil))
}

func TestRefresher_WithSettings(t *testing.T) {
	r := New(&fakeRepo{}, carrier.NewRegistry(), &fakeProducer{}, nil, "t").
		WithSettings(5*time.Second, 7, 9, 11*time.Second, 13)
	require.Equal(t, 5*time.Second, r.pollInterval)
	require.Equal(t, 7, r.batchSize)
	require.Equal(t, 9, r.concurrency)
	require.Equal(t, 11*time.Second, r.lease)
	require.Equal(t, int64(13), r.rateLimitPerMinute)
}

func TestRefresher_carrierLimit(t *testing.T) {
	r := New(&fakeRepo{}, carrier.NewRegistry(), &fakeProducer{}, nil, "t").
		WithCarrierRateLimits(30, 60)
	require.Equal(t, int64(30), r.carrierLimit(models.CarrierUSPS))
	require.Equal(t, int64(60), r.carrierLimit(models.CarrierFedEx))
	require.Equal(t, int64(120), r.carrierLimit(models.Carrier("DHL")))
}

func TestRefresher_Run_StopsOnContextCancel(t *testing.T) {
	repo := &fakeRepo{}
	r := New(repo, carrier.NewRegistry(), &fakeProducer{}, nil, "t").
		WithSettings(5*time.Millisecond, 1, 1, time.Second, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.Run(ctx)
	require.Error(t, err)
	require.GreaterOrEqual(t, repo.calls, 1)
}

func TestRefresher_Trigger(t *testing.T) {
	repo := &fakeRepo{}
	r := New(repo, carrier.NewRegistry(), &fakeProducer{}, nil, "t").
		WithSettings(time.Hour, 1, 1, time.Second, 1) // ticker never fires

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		r.Trigger()
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_ = r.Run(ctx)
	require.GreaterOrEqual(t, repo.calls, 1)
	require.NotNil(t, r.Stats().LastTriggerAt)
}
