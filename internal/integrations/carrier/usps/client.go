// Package usps talks the USPS TrackV2 XML protocol, keyed by a single
// account USERID. Without that credential the client never goes to the
// network at all; it serves simulated results so the rest of the system
// keeps working in a degraded install.
package usps

import (
	"context"
	"encoding/xml"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parceldesk/parceldesk/internal/integrations/carrier"
	"github.com/parceldesk/parceldesk/internal/integrations/carrier/classify"
	"github.com/parceldesk/parceldesk/internal/integrations/carrier/simulate"
	"github.com/parceldesk/parceldesk/internal/models"
	"github.com/pkg/errors"
)

type Client struct {
	baseURL string
	userID  string
	httpc   *http.Client
	sim     *simulate.Engine
	now     func() time.Time
}

func New(baseURL, userID string) *Client {
	if baseURL == "" {
		baseURL = "https://secure.shippingapis.com"
	}
	return &Client{
		baseURL: baseURL,
		userID:  userID,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
		sim: simulate.New(models.CarrierUSPS),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) WithNow(now func() time.Time) *Client {
	if now != nil {
		c.now = now
	}
	return c
}

type trackFieldRequest struct {
	XMLName xml.Name `xml:"TrackFieldRequest"`
	UserID  string   `xml:"USERID,attr"`
	TrackID trackID  `xml:"TrackID"`
}

type trackID struct {
	ID string `xml:"ID,attr"`
}

type trackResponse struct {
	XMLName   xml.Name   `xml:"TrackResponse"`
	TrackInfo *trackInfo `xml:"TrackInfo"`
	Error     *apiError  `xml:"Error"`
}

type trackInfo struct {
	Summary *trackEvent  `xml:"TrackSummary"`
	Details []trackEvent `xml:"TrackDetail"`
	Error   *apiError    `xml:"Error"`
}

type trackEvent struct {
	EventDate    string `xml:"EventDate"`
	EventTime    string `xml:"EventTime"`
	Event        string `xml:"Event"`
	EventCity    string `xml:"EventCity"`
	EventState   string `xml:"EventState"`
	EventZIPCode string `xml:"EventZIPCode"`
}

type apiError struct {
	Number      string `xml:"Number"`
	Description string `xml:"Description"`
}

func (c *Client) track(ctx context.Context, trackingNumber string) (*trackInfo, error) {
	reqXML, err := xml.Marshal(trackFieldRequest{
		UserID:  c.userID,
		TrackID: trackID{ID: trackingNumber},
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal track request")
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = "/ShippingAPI.dll"
	q := u.Query()
	q.Set("API", "TrackV2")
	q.Set("XML", string(reqXML))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, errors.Errorf("usps track http %d", resp.StatusCode)
	}

	var tr trackResponse
	if err := xml.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, errors.Wrap(err, "decode track response")
	}
	if tr.Error != nil {
		return nil, errors.Errorf("usps api error: %s", tr.Error.Description)
	}
	if tr.TrackInfo == nil {
		return nil, errors.New("usps response missing TrackInfo")
	}
	if tr.TrackInfo.Error != nil {
		return nil, errors.Errorf("usps track error: %s", tr.TrackInfo.Error.Description)
	}
	return tr.TrackInfo, nil
}

// FetchDeliveryStatus resolves delivery state from the TrackV2 summary and
// detail events. No USERID configured means straight to the simulator; a
// failing live call falls back to the simulator too, never to an error.
func (c *Client) FetchDeliveryStatus(ctx context.Context, trackingNumber string) (carrier.DeliveryStatus, error) {
	if c.userID == "" {
		slog.Info("usps credentials not configured, serving simulated status", "tracking_number", trackingNumber)
		return c.sim.FetchDeliveryStatus(ctx, trackingNumber)
	}

	info, err := c.track(ctx, trackingNumber)
	if err != nil {
		slog.Warn("usps track failed, serving simulated status", "tracking_number", trackingNumber, "error", err.Error())
		return c.sim.FetchDeliveryStatus(ctx, trackingNumber)
	}

	delivered := info.Summary != nil && containsDelivered(info.Summary.Event)
	if !delivered {
		return carrier.DeliveryStatus{IsDelivered: false, Source: carrier.SourceLive}, nil
	}

	status := carrier.DeliveryStatus{IsDelivered: true, Source: carrier.SourceLive}

	// The summary plus ordered details are scanned for the delivery scan;
	// its paired date and time become the delivery timestamp.
	deliveredEvent := info.Summary
	for i := range info.Details {
		if containsDelivered(info.Details[i].Event) {
			deliveredEvent = &info.Details[i]
			break
		}
	}
	if t, ok := parseEventTime(deliveredEvent.EventDate, deliveredEvent.EventTime); ok {
		status.DeliveryDate = &t
	}

	pod := extractPOD(deliveredEvent, trackingNumber, c.now())
	status.POD = &pod
	return status, nil
}

// FetchTrackingHistory maps the TrackV2 detail events, oldest last as USPS
// sends them. Without a USERID it serves the simulated history; a failing
// live call yields an empty history.
func (c *Client) FetchTrackingHistory(ctx context.Context, trackingNumber string) ([]carrier.HistoryEvent, error) {
	if c.userID == "" {
		return c.sim.FetchTrackingHistory(ctx, trackingNumber)
	}

	info, err := c.track(ctx, trackingNumber)
	if err != nil {
		slog.Warn("usps history failed", "tracking_number", trackingNumber, "error", err.Error())
		return []carrier.HistoryEvent{}, nil
	}

	events := make([]carrier.HistoryEvent, 0, len(info.Details)+1)
	if info.Summary != nil {
		events = append(events, toHistoryEvent(*info.Summary))
	}
	for _, d := range info.Details {
		events = append(events, toHistoryEvent(d))
	}
	return events, nil
}

func toHistoryEvent(e trackEvent) carrier.HistoryEvent {
	ev := carrier.HistoryEvent{
		Status:      statusOf(e.Event),
		Description: e.Event,
		Location:    joinLocation(e.EventCity, e.EventState, e.EventZIPCode),
	}
	if t, ok := parseEventTime(e.EventDate, e.EventTime); ok {
		ev.Date = t
	}
	return ev
}

func statusOf(eventText string) string {
	if containsDelivered(eventText) {
		return models.ShipmentStatusDelivered
	}
	return models.ShipmentStatusInTransit
}

// extractPOD maps whatever the delivered scan exposes into the canonical
// shape. TrackV2 carries no signature or photo data, so those stay absent.
func extractPOD(e *trackEvent, trackingNumber string, now time.Time) carrier.ProofOfDelivery {
	pod := carrier.ProofOfDelivery{
		ProofOfDeliveryURL: classify.TrackingURL(models.CarrierUSPS, []string{trackingNumber}),
		LastUpdated:        now,
	}
	if e == nil {
		return pod
	}
	pod.DeliveryLocation = joinLocation(e.EventCity, e.EventState, e.EventZIPCode)
	pod.DeliveryInstructions = e.Event
	if t, ok := parseEventTime(e.EventDate, e.EventTime); ok {
		pod.LastUpdated = t
	}
	return pod
}

func containsDelivered(s string) bool {
	return strings.Contains(strings.ToLower(s), "delivered")
}

// TrackV2 example: "May 11, 2016" + "10:45 am".
func parseEventTime(date, clock string) (time.Time, bool) {
	if date == "" {
		return time.Time{}, false
	}
	if clock != "" {
		if t, err := time.Parse("January 2, 2006 3:04 pm", date+" "+clock); err == nil {
			return t.UTC(), true
		}
	}
	if t, err := time.Parse("January 2, 2006", date); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
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
