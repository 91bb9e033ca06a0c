package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/valu/devicekeys/internal/model"
)

func (db *DB) AppendRotationAudit(ctx context.Context, rec *model.RotationAuditRecord) error {
	query := `
		INSERT INTO rotation_audit (device_id, user_id, previous_key_handle,
			new_key_handle, reason, initiated_by, rotated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := db.q(ctx).QueryRowContext(ctx, query,
		rec.DeviceID, rec.UserID, rec.PreviousKeyHandle, rec.NewKeyHandle,
		rec.Reason, rec.InitiatedBy, rec.RotatedAt,
	).Scan(&rec.ID)
	return errors.Wrap(err, "rotationAuditRepo.AppendRotationAudit.Scan")
}

// CountRotationsSince counts audit rows for a device in the trailing window.
// Runs inside the same device lock as the subsequent append, so the
// check-and-increment pair is atomic per device.
func (db *DB) CountRotationsSince(ctx context.Context, deviceID uuid.UUID, since time.Time) (int, error) {
	query := `
		SELECT count(*)
		FROM rotation_audit
		WHERE device_id = $1 AND rotated_at > $2`

	var n int
	if err := db.q(ctx).QueryRowContext(ctx, query, deviceID, since).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "rotationAuditRepo.CountRotationsSince.Scan")
	}
	return n, nil
}

func (db *DB) ListRotationHistory(ctx context.Context, deviceID uuid.UUID, limit, offset int) ([]*model.RotationAuditRecord, error) {
	query := `
		SELECT id, device_id, user_id, previous_key_handle, new_key_handle,
			reason, initiated_by, rotated_at
		FROM rotation_audit
		WHERE device_id = $1
		ORDER BY rotated_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := db.q(ctx).QueryContext(ctx, query, deviceID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "rotationAuditRepo.ListRotationHistory.Query")
	}
	defer rows.Close()

	var recs []*model.RotationAuditRecord
	for rows.Next() {
		var rec model.RotationAuditRecord
		err := rows.Scan(
			&rec.ID, &rec.DeviceID, &rec.UserID, &rec.PreviousKeyHandle,
			&rec.NewKeyHandle, &rec.Reason, &rec.InitiatedBy, &rec.RotatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "rotationAuditRepo.ListRotationHistory.Scan")
		}
		recs = append(recs, &rec)
	}
	return recs, errors.Wrap(rows.Err(), "rotationAuditRepo.ListRotationHistory.Rows")
}

func (db *DB) CountRotationHistory(ctx context.Context, deviceID uuid.UUID) (int, error) {
	var n int
	err := db.q(ctx).QueryRowContext(ctx,
		`SELECT count(*) FROM rotation_audit WHERE device_id = $1`, deviceID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "rotationAuditRepo.CountRotationHistory.Scan")
	}
	return n, nil
}
