package shipments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/parceldesk/parceldesk/internal/broker/messages"
	"github.com/parceldesk/parceldesk/internal/integrations/carrier"
	"github.com/parceldesk/parceldesk/internal/models"
	"github.com/parceldesk/parceldesk/internal/storage/pgshipment"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	createIn  []models.ShipmentCreateInput
	createOut []*models.Shipment
	createErr error

	refreshID  uint64
	refreshErr error

	getIn  []uint64
	getOut []*models.Shipment
	getErr error

	applyUpd pgshipment.ShipmentUpdate
	applyErr error
}

func (f *fakeRepo) CreateOrGetShipments(ctx context.Context, items []models.ShipmentCreateInput) ([]*models.Shipment, error) {
	f.createIn = items
	return f.createOut, f.createErr
}
func (f *fakeRepo) GetShipmentsByIDs(ctx context.Context, ids []uint64) ([]*models.Shipment, error) {
	f.getIn = ids
	return f.getOut, f.getErr
}
func (f *fakeRepo) ListShipmentEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ShipmentEvent, error) {
	return nil, nil
}
func (f *fakeRepo) RefreshShipment(ctx context.Context, shipmentID uint64) error {
	f.refreshID = shipmentID
	return f.refreshErr
}
func (f *fakeRepo) ApplyShipmentUpdate(ctx context.Context, upd pgshipment.ShipmentUpdate) error {
	f.applyUpd = upd
	return f.applyErr
}

type fakeCache struct {
	m map[string][]byte
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok := c.m[key]
	return b, ok, nil
}
func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.m[key] = value
	return nil
}

func TestService_CreateShipments_validate(t *testing.T) {
	s := New(&fakeRepo{}, nil, 0)
	_, err := s.CreateShipments(context.Background(), "")
	require.Error(t, err)

	_, err = s.CreateShipments(context.Background(), "   \n  ")
	require.Error(t, err)
}

func TestService_CreateShipments_classifiesAndRejects(t *testing.T) {
	r := &fakeRepo{createOut: []*models.Shipment{{ID: 1}, {ID: 2}}}
	s := New(r, nil, 0)

	res, err := s.CreateShipments(context.Background(), "9405511206213334271431, 123456789012\nNOT-A-NUMBER")
	require.NoError(t, err)
	require.Len(t, r.createIn, 2)
	require.Equal(t, models.CarrierUSPS, r.createIn[0].Carrier)
	require.Equal(t, "9405511206213334271431", r.createIn[0].TrackingNumber)
	require.Equal(t, models.CarrierFedEx, r.createIn[1].Carrier)
	require.Equal(t, []string{"NOT-A-NUMBER"}, res.Rejected)
	require.Len(t, res.Shipments, 2)
}

func TestService_CreateShipments_dedup(t *testing.T) {
	r := &fakeRepo{createOut: []*models.Shipment{{ID: 1}}}
	s := New(r, nil, 0)

	_, err := s.CreateShipments(context.Background(), "123456789012 123456789012 123456789013")
	require.NoError(t, err)
	require.Len(t, r.createIn, 2)
}

func TestService_CreateShipments_allRejected(t *testing.T) {
	r := &fakeRepo{}
	s := New(r, nil, 0)

	res, err := s.CreateShipments(context.Background(), "ABC DEF")
	require.NoError(t, err)
	require.Empty(t, res.Shipments)
	require.Equal(t, []string{"ABC", "DEF"}, res.Rejected)
	require.Nil(t, r.createIn) // repo never called
}

func TestService_RefreshShipment_validate(t *testing.T) {
	r := &fakeRepo{}
	s := New(r, nil, 0)
	require.Error(t, s.RefreshShipment(context.Background(), 0))

	require.NoError(t, s.RefreshShipment(context.Background(), 10))
	require.Equal(t, uint64(10), r.refreshID)
}

func TestService_GetShipmentsByIDs_cacheHit(t *testing.T) {
	r := &fakeRepo{}
	c := &fakeCache{m: map[string][]byte{}}
	s := New(r, c, 10*time.Minute)

	want := &models.Shipment{ID: 7, Carrier: models.CarrierUSPS, TrackingNumber: "N", Status: "UNKNOWN"}
	b, _ := json.Marshal(want)
	c.m["shipment:7:current"] = b

	out, err := s.GetShipmentsByIDs(context.Background(), []uint64{7})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, uint64(7), out[0].ID)
	require.Nil(t, r.getIn) // DB was not touched
}

func TestService_GetShipmentsByIDs_missFillsCache(t *testing.T) {
	r := &fakeRepo{getOut: []*models.Shipment{{ID: 7, Carrier: models.CarrierFedEx, TrackingNumber: "N"}}}
	c := &fakeCache{m: map[string][]byte{}}
	s := New(r, c, 10*time.Minute)

	out, err := s.GetShipmentsByIDs(context.Background(), []uint64{7})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, []uint64{7}, r.getIn)
	require.Contains(t, c.m, "shipment:7:current")
}

func TestService_TrackingURL(t *testing.T) {
	r := &fakeRepo{getOut: []*models.Shipment{
		{ID: 1, Carrier: models.CarrierUSPS, TrackingNumber: "9405511206213334271431"},
		{ID: 2, Carrier: models.CarrierUSPS, TrackingNumber: "9405511206213334271448"},
	}}
	s := New(r, nil, 0)

	u, err := s.TrackingURL(context.Background(), []uint64{1, 2})
	require.NoError(t, err)
	require.Equal(t, "https://tools.usps.com/go/TrackConfirmAction?tLabels=9405511206213334271431,9405511206213334271448", u)
}

func TestService_TrackingURL_mixedCarriers(t *testing.T) {
	r := &fakeRepo{getOut: []*models.Shipment{
		{ID: 1, Carrier: models.CarrierUSPS, TrackingNumber: "A"},
		{ID: 2, Carrier: models.CarrierFedEx, TrackingNumber: "B"},
	}}
	s := New(r, nil, 0)

	_, err := s.TrackingURL(context.Background(), []uint64{1, 2})
	require.Error(t, err)
}

func TestService_ApplyKafkaUpdate_buildsUpdate(t *testing.T) {
	r := &fakeRepo{getOut: []*models.Shipment{{ID: 1}}}
	s := New(r, nil, 0)
	now := time.Now().UTC()

	msg := messages.ShipmentUpdated{
		ShipmentID:  1,
		CheckedAt:   now,
		Status:      "DELIVERED",
		StatusRaw:   "Delivered, In/At Mailbox",
		DeliveredAt: &now,
		POD: &carrier.ProofOfDelivery{
			DeliveredTo:      "Resident",
			DeliveryLocation: "Mailbox",
			LastUpdated:      now,
		},
		NextCheckAt: now.Add(10 * time.Minute),
		Events: []messages.ShipmentEvent{
			{Status: "DELIVERED", StatusRaw: "Delivered, In/At Mailbox", EventTime: now},
		},
	}
	require.NoError(t, s.ApplyKafkaUpdate(context.Background(), msg))
	require.Equal(t, uint64(1), r.applyUpd.ShipmentID)
	require.Equal(t, "DELIVERED", r.applyUpd.Status)
	require.Len(t, r.applyUpd.Events, 1)
	require.NotNil(t, r.applyUpd.PODJSON)
	require.Contains(t, *r.applyUpd.PODJSON, `"deliveryLocation":"Mailbox"`)
}

func TestService_ApplyKafkaUpdate_defaultsNextCheck(t *testing.T) {
	r := &fakeRepo{}
	s := New(r, nil, 0)
	now := time.Now().UTC()

	msg := messages.ShipmentUpdated{ShipmentID: 1, CheckedAt: now, Status: "IN_TRANSIT"}
	require.NoError(t, s.ApplyKafkaUpdate(context.Background(), msg))
	require.Equal(t, now.Add(60*time.Minute), r.applyUpd.NextCheckAt)
	require.Nil(t, r.applyUpd.PODJSON)
}
