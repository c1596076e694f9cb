package pgshipment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/parceldesk/parceldesk/internal/models"
	"github.com/pkg/errors"
)

type ShipmentUpdate struct {
	ShipmentID uint64

	CheckedAt time.Time

	Status      string
	StatusRaw   string
	DeliveredAt *time.Time
	PODJSON     *string

	NextCheckAt time.Time

	Events []*models.ShipmentEvent

	Error *string
}

func (s *Storage) ListShipmentEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ShipmentEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, shipment_id, status, status_raw,
  event_time, location, description, created_at
FROM shipment_events
WHERE shipment_id = $1
ORDER BY event_time DESC
LIMIT $2 OFFSET $3
`, shipmentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.ShipmentEvent
	for rows.Next() {
		var e models.ShipmentEvent
		var location, description *string
		if err := rows.Scan(
			&e.ID, &e.ShipmentID, &e.Status, &e.StatusRaw,
			&e.EventTime, &location, &description, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		e.Location = location
		e.Description = description
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ApplyShipmentUpdate(ctx context.Context, upd ShipmentUpdate) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if upd.Error != nil && *upd.Error != "" {
		_, err := tx.Exec(ctx, `
UPDATE shipments
SET
  last_checked_at = $2,
  check_fail_count = check_fail_count + 1,
  last_error = $3,
  next_check_at = $4,
  updated_at = now()
WHERE id = $1
`, upd.ShipmentID, upd.CheckedAt.UTC(), *upd.Error, upd.NextCheckAt.UTC())
		if err != nil {
			return errors.Wrap(err, "update shipment (error)")
		}
	} else {
		_, err := tx.Exec(ctx, `
UPDATE shipments
SET
  status = $3,
  status_raw = $4,
  delivered_at = $5,
  pod = COALESCE($6::jsonb, pod),
  last_checked_at = $2,
  check_fail_count = 0,
  last_error = NULL,
  next_check_at = $7,
  updated_at = now()
WHERE id = $1
`, upd.ShipmentID, upd.CheckedAt.UTC(), upd.Status, upd.StatusRaw, upd.DeliveredAt, upd.PODJSON, upd.NextCheckAt.UTC())
		if err != nil {
			return errors.Wrap(err, "update shipment (ok)")
		}

		for _, e := range upd.Events {
			loc := ""
			if e.Location != nil {
				loc = *e.Location
			}
			desc := ""
			if e.Description != nil {
				desc = *e.Description
			}

			_, err := tx.Exec(ctx, `
INSERT INTO shipment_events (
  shipment_id, status, status_raw, event_time, location, description, created_at
)
VALUES ($1,$2,$3,$4,$5,$6, now())
ON CONFLICT (shipment_id, status_raw, event_time, location, description) DO NOTHING
`, upd.ShipmentID, e.Status, e.StatusRaw, e.EventTime.UTC(), loc, desc)
			if err != nil {
				return errors.Wrap(err, "insert shipment event")
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}
