package carrier

import (
	"context"
	"time"
)

// Source tells the caller where a result came from. Degraded and simulated
// results are structurally identical to live ones; this flag is the only
// signal that live data was unavailable.
type Source string

const (
	SourceLive      Source = "live"
	SourceSimulated Source = "simulated"
	SourceDegraded  Source = "degraded"
)

// ProofOfDelivery is the canonical POD shape shared by all carriers. Every
// field except LastUpdated is optional; carriers fill what they have.
type ProofOfDelivery struct {
	DeliveredTo          string    `json:"deliveredTo,omitempty"`
	DeliveryLocation     string    `json:"deliveryLocation,omitempty"`
	SignatureRequired    bool      `json:"signatureRequired"`
	SignatureObtained    bool      `json:"signatureObtained"`
	SignedBy             string    `json:"signedBy,omitempty"`
	DeliveryPhoto        string    `json:"deliveryPhoto,omitempty"`
	DeliveryInstructions string    `json:"deliveryInstructions,omitempty"`
	ProofOfDeliveryURL   string    `json:"proofOfDeliveryUrl,omitempty"`
	LastUpdated          time.Time `json:"lastUpdated"`
}

// DeliveryStatus is produced fresh on every query; nothing in it is cached.
type DeliveryStatus struct {
	IsDelivered  bool
	DeliveryDate *time.Time
	POD          *ProofOfDelivery
	Source       Source
}

// HistoryEvent is one carrier scan event mapped to a common shape.
type HistoryEvent struct {
	Date        time.Time
	Status      string
	Location    string
	Description string
}

// Gateway is the capability a carrier adapter provides.
//
// FetchDeliveryStatus must not fail on "not delivered yet" or "not found";
// those come back as IsDelivered=false. Transport and protocol failures are
// absorbed into a degraded or simulated result, never propagated; the one
// exception is missing FedEx credentials at authentication time.
// FetchTrackingHistory returns an empty slice when no history is available.
type Gateway interface {
	FetchDeliveryStatus(ctx context.Context, trackingNumber string) (DeliveryStatus, error)
	FetchTrackingHistory(ctx context.Context, trackingNumber string) ([]HistoryEvent, error)
}
