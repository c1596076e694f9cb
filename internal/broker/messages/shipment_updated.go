package messages

import (
	"time"

	"github.com/parceldesk/parceldesk/internal/integrations/carrier"
)

// ShipmentUpdated is published by the worker after each gateway check and
// consumed by the API to persist the result.
type ShipmentUpdated struct {
	ShipmentID uint64    `json:"shipment_id"`
	CheckedAt  time.Time `json:"checked_at"`

	Status      string     `json:"status,omitempty"`
	StatusRaw   string     `json:"status_raw,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	// Source records whether the result came from the live carrier, the
	// simulator, or a degraded fallback.
	Source string `json:"source,omitempty"`

	POD *carrier.ProofOfDelivery `json:"pod,omitempty"`

	NextCheckAt time.Time `json:"next_check_at"`

	Events []ShipmentEvent `json:"events,omitempty"`

	Error *string `json:"error,omitempty"`
}

type ShipmentEvent struct {
	Status      string    `json:"status"`
	StatusRaw   string    `json:"status_raw"`
	EventTime   time.Time `json:"event_time"`
	Location    *string   `json:"location,omitempty"`
	Description *string   `json:"description,omitempty"`
}
