package pgshipment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/parceldesk/parceldesk/internal/models"
	"github.com/pkg/errors"
)

const (
	defaultInitialStatus    = models.ShipmentStatusUnknown
	defaultInitialStatusRaw = "UNKNOWN"
)

const shipmentColumns = `
  id, carrier, tracking_number,
  status, status_raw,
  delivered_at, pod,
  last_checked_at, next_check_at,
  check_fail_count, last_error,
  created_at, updated_at`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var t models.Shipment
	var carrierStr string
	var deliveredAt, lastCheckedAt *time.Time
	var pod, lastError *string
	if err := row.Scan(
		&t.ID, &carrierStr, &t.TrackingNumber,
		&t.Status, &t.StatusRaw,
		&deliveredAt, &pod,
		&lastCheckedAt, &t.NextCheckAt,
		&t.CheckFailCount, &lastError,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Carrier = models.Carrier(carrierStr)
	t.DeliveredAt = deliveredAt
	t.PODJSON = pod
	t.LastCheckedAt = lastCheckedAt
	t.LastError = lastError
	return &t, nil
}

func (s *Storage) CreateOrGetShipments(ctx context.Context, items []models.ShipmentCreateInput) ([]*models.Shipment, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]uint64, 0, len(items))
	for _, it := range items {
		var id uint64
		err := tx.QueryRow(ctx, `
INSERT INTO shipments (
  carrier, tracking_number, status, status_raw, next_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$6)
ON CONFLICT (carrier, tracking_number)
DO UPDATE SET updated_at = shipments.updated_at
RETURNING id
`, string(it.Carrier), it.TrackingNumber, defaultInitialStatus, defaultInitialStatusRaw, now, now).Scan(&id)
		if err != nil {
			return nil, errors.Wrap(err, "insert shipment")
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	return s.GetShipmentsByIDs(ctx, ids)
}

func (s *Storage) GetShipmentsByIDs(ctx context.Context, ids []uint64) ([]*models.Shipment, error) {
	if len(ids) == 0 {
		return []*models.Shipment{}, nil
	}

	rows, err := s.db.Query(ctx, `
SELECT `+shipmentColumns+`
FROM shipments
WHERE id = ANY($1)
`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	defer rows.Close()

	out := make([]*models.Shipment, 0, len(ids))
	for rows.Next() {
		t, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, t)
	}

	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) RefreshShipment(ctx context.Context, shipmentID uint64) error {
	_, err := s.db.Exec(ctx, `UPDATE shipments SET next_check_at = now(), updated_at = now() WHERE id = $1`, shipmentID)
	return errors.Wrap(err, "refresh shipment")
}

// ClaimDueShipments picks a batch of shipments due for a check and leases
// them so concurrent workers do not pick them up again mid-processing.
// Uses SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+shipmentColumns+`
FROM shipments
WHERE next_check_at <= $1
  AND status <> $2
ORDER BY next_check_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, now.UTC(), models.ShipmentStatusDelivered, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due shipments")
	}
	defer rows.Close()

	var picked []*models.Shipment
	for rows.Next() {
		t, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due shipment")
		}
		picked = append(picked, t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, t := range picked {
		_, err := tx.Exec(ctx, `UPDATE shipments SET next_check_at = $2, updated_at = now() WHERE id = $1`, t.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease shipment")
		}
		t.NextCheckAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}
