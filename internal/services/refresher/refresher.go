// Package refresher is the worker loop: it claims shipments due for a
// check, asks the right carrier gateway for their current state, and
// publishes the outcome for the API side to persist.
package refresher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parceldesk/parceldesk/internal/broker/messages"
	"github.com/parceldesk/parceldesk/internal/integrations/carrier"
	"github.com/parceldesk/parceldesk/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Refresher struct {
	repo     Repository
	gateways *carrier.Registry
	producer Producer
	rl       RateLimiter

	topic string

	planner *Planner

	pollInterval            time.Duration
	batchSize               int
	concurrency             int
	lease                   time.Duration
	rateLimitPerMinute      int64
	rateLimitUSPSPerMinute  int64
	rateLimitFedExPerMinute int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, gateways *carrier.Registry, producer Producer, rl RateLimiter, topic string) *Refresher {
	return &Refresher{
		repo: repo, gateways: gateways, producer: producer, rl: rl, topic: topic,
		planner:            DefaultPlanner(),
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 120,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (r *Refresher) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Refresher {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if lease > 0 {
		r.lease = lease
	}
	if rlPerMin > 0 {
		r.rateLimitPerMinute = rlPerMin
	}
	return r
}

func (r *Refresher) WithPlanner(cfg PlannerConfig) *Refresher {
	r.planner = NewPlanner(cfg, nil)
	return r
}

func (r *Refresher) WithCarrierRateLimits(uspsPerMin, fedexPerMin int) *Refresher {
	if uspsPerMin > 0 {
		r.rateLimitUSPSPerMinute = int64(uspsPerMin)
	}
	if fedexPerMin > 0 {
		r.rateLimitFedExPerMinute = int64(fedexPerMin)
	}
	return r
}

// Trigger forces an immediate refresh cycle (best-effort, non-blocking).
func (r *Refresher) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (r *Refresher) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:   r.totalClaimed.Load(),
		TotalProcessed: r.totalProcessed.Load(),
		TotalErrors:    r.totalErrors.Load(),
		InFlight:       r.inFlight.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Refresher) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		}
	}
}

func (r *Refresher) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	r.lastCycleUnixNano.Store(now.UnixNano())

	items, err := r.repo.ClaimDueShipments(ctx, now, r.batchSize, r.lease)
	if err != nil {
		slog.Error("claim due shipments", "error", err.Error())
		r.lastErrorMu.Lock()
		r.lastError = err.Error()
		r.lastErrorMu.Unlock()
		return
	}
	r.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, sh := range items {
		sem <- struct{}{}
		wg.Add(1)
		shCopy := sh
		r.inFlight.Add(1)
		go func() {
			defer func() {
				r.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := r.processOne(ctx, shCopy); err != nil {
				r.totalErrors.Add(1)
				r.lastErrorMu.Lock()
				r.lastError = err.Error()
				r.lastErrorMu.Unlock()
				slog.Error("process shipment", "shipment_id", shCopy.ID, "error", err.Error())
			}
			r.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (r *Refresher) carrierLimit(c models.Carrier) int64 {
	switch c {
	case models.CarrierUSPS:
		if r.rateLimitUSPSPerMinute > 0 {
			return r.rateLimitUSPSPerMinute
		}
	case models.CarrierFedEx:
		if r.rateLimitFedExPerMinute > 0 {
			return r.rateLimitFedExPerMinute
		}
	}
	return r.rateLimitPerMinute
}

func (r *Refresher) processOne(ctx context.Context, sh *models.Shipment) error {
	now := time.Now().UTC()

	if r.rl != nil && r.rateLimitPerMinute > 0 {
		minuteKey := fmt.Sprintf("rl:carrier:%s:%s", sh.Carrier, now.Format("200601021504"))
		allowed, n, err := r.rl.Allow(ctx, minuteKey, r.carrierLimit(sh.Carrier), 70*time.Second)
		if err != nil {
			return err
		}
		if !allowed {
			// Over the per-minute budget: back off briefly to unload the carrier.
			slog.Warn("rate limit exceeded", "carrier", sh.Carrier, "count", n)
			time.Sleep(500 * time.Millisecond)
		}
	}

	msg := messages.ShipmentUpdated{
		ShipmentID: sh.ID,
		CheckedAt:  now,
	}

	gw, err := r.gateways.Gateway(sh.Carrier)
	var status carrier.DeliveryStatus
	if err == nil {
		status, err = gw.FetchDeliveryStatus(ctx, sh.TrackingNumber)
	}

	if err != nil {
		// Only configuration-level failures reach here; transport failures
		// were already absorbed into a degraded result by the gateway.
		e := err.Error()
		msg.Error = &e
		nextFail := sh.CheckFailCount + 1
		msg.NextCheckAt = now.Add(r.planner.BackoffDelay(nextFail))
	} else {
		history, _ := gw.FetchTrackingHistory(ctx, sh.TrackingNumber)

		msg.Status = models.ShipmentStatusInTransit
		if status.IsDelivered {
			msg.Status = models.ShipmentStatusDelivered
		}
		msg.StatusRaw = statusRawOf(status, history)
		msg.DeliveredAt = status.DeliveryDate
		msg.POD = status.POD
		msg.Source = string(status.Source)
		msg.NextCheckAt = now.Add(r.planner.NextCheckDelay(msg.Status))

		for _, e := range history {
			ev := messages.ShipmentEvent{
				Status:    e.Status,
				StatusRaw: e.Description,
				EventTime: e.Date,
			}
			if e.Location != "" {
				loc := e.Location
				ev.Location = &loc
			}
			if e.Description != "" {
				desc := e.Description
				ev.Description = &desc
			}
			msg.Events = append(msg.Events, ev)
		}
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}

	key := []byte(fmt.Sprintf("%d", sh.ID))
	// Kafka may not be ready right after a compose start; a short publish
	// retry keeps the demo path resilient.
	var pubErr error
	for i := 0; i < 10; i++ {
		if err := r.producer.Publish(ctx, r.topic, key, b); err == nil {
			pubErr = nil
			break
		} else {
			pubErr = err
			time.Sleep(time.Duration(150*(i+1)) * time.Millisecond)
		}
	}
	return pubErr
}

// statusRawOf picks the most recent scan's text as the raw status. Gateways
// do not share an ordering contract (USPS and FedEx send newest-first, the
// simulator oldest-first), so the latest event is found by timestamp.
func statusRawOf(status carrier.DeliveryStatus, history []carrier.HistoryEvent) string {
	var latest *carrier.HistoryEvent
	for i := range history {
		if history[i].Description == "" {
			continue
		}
		if latest == nil || history[i].Date.After(latest.Date) {
			latest = &history[i]
		}
	}
	if latest != nil {
		return latest.Description
	}
	if status.IsDelivered {
		return "Delivered"
	}
	return "In transit"
}
