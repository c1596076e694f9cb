package models

import "time"

// Normalized shipment statuses (extend as needed).
const (
	ShipmentStatusUnknown   = "UNKNOWN"
	ShipmentStatusInTransit = "IN_TRANSIT"
	ShipmentStatusDelivered = "DELIVERED"
)

// Carrier is the inferred carrier of a tracking number. Assigned once at
// shipment creation; never re-classified afterwards.
type Carrier string

const (
	CarrierUSPS  Carrier = "USPS"
	CarrierFedEx Carrier = "FEDEX"
	// CarrierNone means no classification rule matched.
	CarrierNone Carrier = ""
)

func (c Carrier) Known() bool {
	return c == CarrierUSPS || c == CarrierFedEx
}

type Shipment struct {
	ID             uint64
	Carrier        Carrier
	TrackingNumber string
	Status         string
	StatusRaw      string
	DeliveredAt    *time.Time
	PODJSON        *string
	LastCheckedAt  *time.Time
	NextCheckAt    time.Time
	CheckFailCount int32
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ShipmentEvent struct {
	ID          uint64
	ShipmentID  uint64
	Status      string
	StatusRaw   string
	EventTime   time.Time
	Location    *string
	Description *string
	CreatedAt   time.Time
}

type ShipmentCreateInput struct {
	Carrier        Carrier
	TrackingNumber string
}
