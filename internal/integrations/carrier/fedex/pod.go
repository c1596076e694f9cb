package fedex

import (
	"strings"
	"time"

	"github.com/parceldesk/parceldesk/internal/integrations/carrier"
)

// spodURL is always synthesized from the tracking number, whether or not the
// reply carried real POD data.
func spodURL(trackingNumber string) string {
	return "https://www.fedex.com/trackingCal/retrievePDF.jsp?type=SPOD&trackingNumber=" + trackingNumber
}

// extractPOD is a pure structural mapping from a decoded track detail into
// the canonical POD. Any intermediate node may be missing; absent fields
// stay empty rather than being invented.
func extractPOD(d *trackDetail, trackingNumber string, now time.Time) carrier.ProofOfDelivery {
	pod := carrier.ProofOfDelivery{
		ProofOfDeliveryURL: spodURL(trackingNumber),
		LastUpdated:        now,
	}
	if d == nil {
		return pod
	}

	if t, ok := parseTimestamp(d.ActualDeliveryTimestamp); ok {
		pod.LastUpdated = t
	}
	if d.Recipient != nil {
		pod.DeliveredTo = d.Recipient.PersonName
		pod.DeliveryLocation = joinLocation(d.Recipient.City, d.Recipient.StateOrProvince, d.Recipient.PostalCode)
	}
	if d.DeliveryLocationDescription != "" {
		pod.DeliveryLocation = d.DeliveryLocationDescription
	}
	pod.SignatureRequired = d.SignatureRequired
	if d.DeliverySignatureName != "" {
		pod.SignedBy = d.DeliverySignatureName
		pod.SignatureObtained = true
		// A signature in hand implies one was required, whatever the flag said.
		pod.SignatureRequired = true
	}
	pod.DeliveryPhoto = d.DeliveryPhotoURL

	// Most recent scan's free text doubles as the delivery instructions.
	if len(d.Events) > 0 {
		pod.DeliveryInstructions = d.Events[0].EventDescription
	}
	return pod
}

// placeholderPOD is the degraded-mode record: clearly generic values, full
// canonical shape.
func placeholderPOD(trackingNumber string, now time.Time) carrier.ProofOfDelivery {
	return carrier.ProofOfDelivery{
		DeliveredTo:        "Recipient",
		DeliveryLocation:   "Delivery Address",
		ProofOfDeliveryURL: spodURL(trackingNumber),
		LastUpdated:        now,
	}
}

func joinLocation(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}
