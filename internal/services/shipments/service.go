package shipments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parceldesk/parceldesk/internal/broker/messages"
	"github.com/parceldesk/parceldesk/internal/cache"
	"github.com/parceldesk/parceldesk/internal/integrations/carrier/classify"
	"github.com/parceldesk/parceldesk/internal/models"
	"github.com/parceldesk/parceldesk/internal/storage/pgshipment"
	"github.com/pkg/errors"
)

type Repository interface {
	CreateOrGetShipments(ctx context.Context, items []models.ShipmentCreateInput) ([]*models.Shipment, error)
	GetShipmentsByIDs(ctx context.Context, ids []uint64) ([]*models.Shipment, error)
	ListShipmentEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ShipmentEvent, error)
	RefreshShipment(ctx context.Context, shipmentID uint64) error
	ApplyShipmentUpdate(ctx context.Context, upd pgshipment.ShipmentUpdate) error
}

type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, currentTTL: currentTTL}
}

// CreateResult is the outcome of one create call: shipments persisted for
// every token that classified to a carrier, plus the tokens that did not.
type CreateResult struct {
	Shipments []*models.Shipment
	// Rejected tokens could not be attributed to any carrier; the caller
	// decides how to surface them. They are never guessed.
	Rejected []string
}

// CreateShipments takes free-form text holding one or more tracking numbers,
// tokenizes it, classifies each token, and persists the recognized ones.
// Duplicate (carrier, number) pairs within one call are collapsed.
func (s *Service) CreateShipments(ctx context.Context, rawInput string) (CreateResult, error) {
	tokens := classify.Parse(rawInput)
	if len(tokens) == 0 {
		return CreateResult{}, errors.New("no tracking numbers in input")
	}
	if len(tokens) > 10_000 {
		return CreateResult{}, errors.New("too many tracking numbers (max 10000)")
	}

	var res CreateResult
	clean := make([]models.ShipmentCreateInput, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		c := classify.Classify(tok)
		if !c.Known() {
			res.Rejected = append(res.Rejected, tok)
			continue
		}
		k := fmt.Sprintf("%s|%s", c, tok)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		clean = append(clean, models.ShipmentCreateInput{Carrier: c, TrackingNumber: tok})
	}

	if len(clean) == 0 {
		return res, nil
	}

	created, err := s.repo.CreateOrGetShipments(ctx, clean)
	if err != nil {
		return CreateResult{}, err
	}
	res.Shipments = created
	return res, nil
}

func (s *Service) GetShipmentsByIDs(ctx context.Context, ids []uint64) ([]*models.Shipment, error) {
	if len(ids) == 0 {
		return []*models.Shipment{}, nil
	}
	// Current state is cached whole as the shipment JSON; the cache is
	// best-effort and may be absent.
	miss := make([]uint64, 0, len(ids))
	got := make(map[uint64]*models.Shipment, len(ids))

	if s.cache != nil && s.currentTTL > 0 {
		for _, id := range ids {
			key := currentKey(id)
			b, ok, err := s.cache.Get(ctx, key)
			if err != nil || !ok {
				miss = append(miss, id)
				continue
			}
			var t models.Shipment
			if json.Unmarshal(b, &t) != nil {
				miss = append(miss, id)
				continue
			}
			got[id] = &t
		}
	} else {
		miss = ids
	}

	var fromDB []*models.Shipment
	var err error
	if len(miss) > 0 {
		fromDB, err = s.repo.GetShipmentsByIDs(ctx, miss)
		if err != nil {
			return nil, err
		}
		if s.cache != nil && s.currentTTL > 0 {
			for _, t := range fromDB {
				b, _ := json.Marshal(t)
				_ = s.cache.Set(ctx, currentKey(t.ID), b, s.currentTTL)
			}
		}
		for _, t := range fromDB {
			got[t.ID] = t
		}
	}

	// Answer in the same order as ids.
	out := make([]*models.Shipment, 0, len(ids))
	for _, id := range ids {
		if t, ok := got[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Service) ListShipmentEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ShipmentEvent, error) {
	return s.repo.ListShipmentEvents(ctx, shipmentID, limit, offset)
}

func (s *Service) RefreshShipment(ctx context.Context, shipmentID uint64) error {
	if shipmentID == 0 {
		return errors.New("shipmentId is required")
	}
	return s.repo.RefreshShipment(ctx, shipmentID)
}

// TrackingURL builds the carrier deep link for the given shipments; all
// numbers must belong to one carrier.
func (s *Service) TrackingURL(ctx context.Context, ids []uint64) (string, error) {
	ts, err := s.GetShipmentsByIDs(ctx, ids)
	if err != nil {
		return "", err
	}
	if len(ts) == 0 {
		return "", errors.New("no shipments found")
	}
	c := ts[0].Carrier
	numbers := make([]string, 0, len(ts))
	for _, t := range ts {
		if t.Carrier != c {
			return "", errors.New("tracking url requires shipments of a single carrier")
		}
		numbers = append(numbers, t.TrackingNumber)
	}
	return classify.TrackingURL(c, numbers), nil
}

func (s *Service) ApplyKafkaUpdate(ctx context.Context, msg messages.ShipmentUpdated) error {
	if msg.ShipmentID == 0 {
		return errors.New("shipment_id is required")
	}
	if msg.CheckedAt.IsZero() {
		msg.CheckedAt = time.Now().UTC()
	}
	if msg.NextCheckAt.IsZero() {
		// The worker should always send next_check_at; default to an hour.
		msg.NextCheckAt = msg.CheckedAt.Add(60 * time.Minute)
	}

	var events []*models.ShipmentEvent
	for _, e := range msg.Events {
		events = append(events, &models.ShipmentEvent{
			Status:      e.Status,
			StatusRaw:   e.StatusRaw,
			EventTime:   e.EventTime,
			Location:    e.Location,
			Description: e.Description,
		})
	}

	var podJSON *string
	if msg.POD != nil {
		b, err := json.Marshal(msg.POD)
		if err != nil {
			return errors.Wrap(err, "marshal pod")
		}
		str := string(b)
		podJSON = &str
	}

	err := s.repo.ApplyShipmentUpdate(ctx, pgshipment.ShipmentUpdate{
		ShipmentID:  msg.ShipmentID,
		CheckedAt:   msg.CheckedAt,
		Status:      msg.Status,
		StatusRaw:   msg.StatusRaw,
		DeliveredAt: msg.DeliveredAt,
		PODJSON:     podJSON,
		NextCheckAt: msg.NextCheckAt,
		Events:      events,
		Error:       msg.Error,
	})
	if err != nil {
		return err
	}

	// Refresh the cached current state from the DB.
	if s.cache != nil && s.currentTTL > 0 {
		ts, err := s.repo.GetShipmentsByIDs(ctx, []uint64{msg.ShipmentID})
		if err == nil && len(ts) == 1 {
			b, _ := json.Marshal(ts[0])
			_ = s.cache.Set(ctx, currentKey(msg.ShipmentID), b, s.currentTTL)
		}
	}

	return nil
}

func currentKey(id uint64) string {
	return fmt.Sprintf("shipment:%d:current", id)
}
