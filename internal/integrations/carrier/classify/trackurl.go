package classify

import (
	"strings"

	"github.com/parceldesk/parceldesk/internal/models"
)

const (
	uspsTrackBaseURL  = "https://tools.usps.com/go/TrackConfirmAction?tLabels="
	fedexTrackBaseURL = "https://www.fedex.com/fedextrack/?trknbr="
)

// TrackingURL builds a carrier deep link for one or many tracking numbers.
// Numbers are comma-joined into a single query parameter; a one-element list
// produces the same URL as the single-number page. No per-carrier count
// limits are enforced here.
func TrackingURL(carrier models.Carrier, trackingNumbers []string) string {
	joined := strings.Join(trackingNumbers, ",")
	switch carrier {
	case models.CarrierUSPS:
		return uspsTrackBaseURL + joined
	case models.CarrierFedEx:
		return fedexTrackBaseURL + joined
	default:
		return ""
	}
}
