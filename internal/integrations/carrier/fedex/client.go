// Package fedex talks the FedEx XML track protocol: an OAuth-style
// credential exchange, per-number track queries with detailed scans and
// signature proof of delivery, and mapping of the nested reply into the
// canonical POD shape.
package fedex

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/parceldesk/parceldesk/internal/integrations/carrier"
	"github.com/parceldesk/parceldesk/internal/integrations/carrier/simulate"
	"github.com/parceldesk/parceldesk/internal/models"
	"github.com/pkg/errors"
)

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpc        *http.Client
	tokens       *tokenCache

	// demo short-circuits every call into the simulation engine; no
	// credentials are needed in that mode.
	demo bool
	sim  *simulate.Engine

	now func() time.Time
}

func New(baseURL, clientID, clientSecret string) *Client {
	if baseURL == "" {
		baseURL = "https://apis.fedex.com"
	}
	return &Client{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
		tokens: newTokenCache(),
		sim:    simulate.New(models.CarrierFedEx),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithDemoMode routes all queries through the simulation engine.
func (c *Client) WithDemoMode(demo bool) *Client {
	c.demo = demo
	return c
}

func (c *Client) WithNow(now func() time.Time) *Client {
	if now != nil {
		c.now = now
	}
	return c
}

type trackRequest struct {
	XMLName                         xml.Name `xml:"TrackRequest"`
	TrackingNumber                  string   `xml:"TrackingNumber"`
	IncludeDetailedScans            bool     `xml:"IncludeDetailedScans"`
	RequestSignatureProofOfDelivery bool     `xml:"RequestSignatureProofOfDelivery"`
}

type trackReply struct {
	XMLName         xml.Name     `xml:"TrackReply"`
	HighestSeverity string       `xml:"HighestSeverity"`
	Details         *trackDetail `xml:"CompletedTrackDetails>TrackDetails"`
}

type trackDetail struct {
	StatusCode                  string         `xml:"StatusCode"`
	StatusDescription           string         `xml:"StatusDescription"`
	ActualDeliveryTimestamp     string         `xml:"ActualDeliveryTimestamp"`
	DeliveryLocationDescription string         `xml:"DeliveryLocationDescription"`
	DeliverySignatureName       string         `xml:"DeliverySignatureName"`
	SignatureRequired           bool           `xml:"SignatureRequired"`
	DeliveryPhotoURL            string         `xml:"DeliveryPhotoUrl"`
	Recipient                   *trackContact  `xml:"Recipient"`
	Events                      []trackEvent   `xml:"Events>Event"`
}

type trackContact struct {
	PersonName        string `xml:"PersonName"`
	StreetLine        string `xml:"Address>StreetLine"`
	City              string `xml:"Address>City"`
	StateOrProvince   string `xml:"Address>StateOrProvinceCode"`
	PostalCode        string `xml:"Address>PostalCode"`
}

type trackEvent struct {
	Timestamp        string `xml:"Timestamp"`
	EventType        string `xml:"EventType"`
	EventDescription string `xml:"EventDescription"`
	City             string `xml:"Address>City"`
	StateOrProvince  string `xml:"Address>StateOrProvinceCode"`
}

// statusCodeDelivered is FedEx's terminal delivery status code.
const statusCodeDelivered = "DL"

func (c *Client) track(ctx context.Context, trackingNumber string) (*trackDetail, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := xml.Marshal(trackRequest{
		TrackingNumber:                  trackingNumber,
		IncludeDetailedScans:            true,
		RequestSignatureProofOfDelivery: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal track request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/track/v1/trackingnumbers", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "new track request")
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "track request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errors.Errorf("fedex track http %d", resp.StatusCode)
	}

	var reply trackReply
	if err := xml.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, errors.Wrap(err, "decode track reply")
	}
	if reply.HighestSeverity == "ERROR" || reply.HighestSeverity == "FAILURE" {
		return nil, errors.Errorf("fedex track fault: %s", reply.HighestSeverity)
	}
	return reply.Details, nil
}

// FetchDeliveryStatus resolves delivery state for one tracking number.
// Missing credentials propagate; any transport, protocol, or parse failure
// degrades to IsDelivered=false with a placeholder POD so the caller always
// gets a displayable record.
func (c *Client) FetchDeliveryStatus(ctx context.Context, trackingNumber string) (carrier.DeliveryStatus, error) {
	if c.demo {
		return c.sim.FetchDeliveryStatus(ctx, trackingNumber)
	}

	detail, err := c.track(ctx, trackingNumber)
	if err != nil {
		if errors.Is(err, ErrMissingCredentials) {
			return carrier.DeliveryStatus{}, err
		}
		slog.Warn("fedex track degraded", "tracking_number", trackingNumber, "error", err.Error())
		pod := placeholderPOD(trackingNumber, c.now())
		return carrier.DeliveryStatus{
			IsDelivered: false,
			POD:         &pod,
			Source:      carrier.SourceDegraded,
		}, nil
	}

	if detail == nil || detail.StatusCode != statusCodeDelivered {
		return carrier.DeliveryStatus{IsDelivered: false, Source: carrier.SourceLive}, nil
	}

	pod := extractPOD(detail, trackingNumber, c.now())
	status := carrier.DeliveryStatus{
		IsDelivered: true,
		POD:         &pod,
		Source:      carrier.SourceLive,
	}
	if t, ok := parseTimestamp(detail.ActualDeliveryTimestamp); ok {
		status.DeliveryDate = &t
	}
	return status, nil
}

// FetchTrackingHistory returns the scan events newest-first as FedEx sends
// them. Failures degrade to an empty history, except missing credentials.
func (c *Client) FetchTrackingHistory(ctx context.Context, trackingNumber string) ([]carrier.HistoryEvent, error) {
	if c.demo {
		return c.sim.FetchTrackingHistory(ctx, trackingNumber)
	}

	detail, err := c.track(ctx, trackingNumber)
	if err != nil {
		if errors.Is(err, ErrMissingCredentials) {
			return nil, err
		}
		slog.Warn("fedex history degraded", "tracking_number", trackingNumber, "error", err.Error())
		return []carrier.HistoryEvent{}, nil
	}
	if detail == nil {
		return []carrier.HistoryEvent{}, nil
	}

	events := make([]carrier.HistoryEvent, 0, len(detail.Events))
	for _, e := range detail.Events {
		ev := carrier.HistoryEvent{
			Status:      e.EventType,
			Description: e.EventDescription,
			Location:    joinLocation(e.City, e.StateOrProvince, ""),
		}
		if t, ok := parseTimestamp(e.Timestamp); ok {
			ev.Date = t
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
