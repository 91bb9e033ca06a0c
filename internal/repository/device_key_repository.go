package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/valu/devicekeys/internal/model"
)

const deviceKeyColumns = `id, device_id, user_id, key_handle, device_public_key,
	server_public_key, salt, status, issued_at, expires_at, platform, app_version, device_name`

func (db *DB) CreateDeviceKey(ctx context.Context, key *model.DeviceKeyRecord) error {
	query := `
		INSERT INTO device_keys (device_id, user_id, key_handle, device_public_key,
			server_public_key, salt, status, issued_at, expires_at, platform, app_version, device_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	err := db.q(ctx).QueryRowContext(ctx, query,
		key.DeviceID, key.UserID, key.KeyHandle, key.DevicePublicKey,
		key.ServerPublicKey, key.Salt, key.Status, key.IssuedAt, key.ExpiresAt,
		key.Platform, key.AppVersion, key.DeviceName,
	).Scan(&key.ID)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != nil {
			return mapped
		}
		return errors.Wrap(err, "deviceKeyRepo.CreateDeviceKey.Scan")
	}
	return nil
}

// ActiveDeviceKey returns the single ACTIVE, unexpired record for a device.
// Rows past expires_at are treated as expired even before the sweep has
// transitioned them.
func (db *DB) ActiveDeviceKey(ctx context.Context, deviceID uuid.UUID) (*model.DeviceKeyRecord, error) {
	query := `
		SELECT ` + deviceKeyColumns + `
		FROM device_keys
		WHERE device_id = $1 AND status = 'ACTIVE' AND expires_at > now()`

	key, err := scanDeviceKey(db.q(ctx).QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "deviceKeyRepo.ActiveDeviceKey.Scan")
	}
	return key, nil
}

// LatestDeviceKey returns the most recently issued record for a device in any
// status. Used by the ownership gate to distinguish unknown devices (404)
// from foreign ones (403).
func (db *DB) LatestDeviceKey(ctx context.Context, deviceID uuid.UUID) (*model.DeviceKeyRecord, error) {
	query := `
		SELECT ` + deviceKeyColumns + `
		FROM device_keys
		WHERE device_id = $1
		ORDER BY issued_at DESC
		LIMIT 1`

	key, err := scanDeviceKey(db.q(ctx).QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "deviceKeyRepo.LatestDeviceKey.Scan")
	}
	return key, nil
}

func (db *DB) CountActiveDevices(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
		SELECT count(*)
		FROM device_keys
		WHERE user_id = $1 AND status = 'ACTIVE' AND expires_at > now()`

	var n int
	if err := db.q(ctx).QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "deviceKeyRepo.CountActiveDevices.Scan")
	}
	return n, nil
}

// MarkRotated conditionally transitions ACTIVE -> ROTATED, matching on the
// current key handle. A false return means another request superseded the
// record first.
func (db *DB) MarkRotated(ctx context.Context, deviceID uuid.UUID, keyHandle string) (bool, error) {
	return db.transition(ctx, deviceID, keyHandle, model.KeyStatusRotated, "MarkRotated")
}

// MarkRevoked conditionally transitions ACTIVE -> REVOKED.
func (db *DB) MarkRevoked(ctx context.Context, deviceID uuid.UUID, keyHandle string) (bool, error) {
	return db.transition(ctx, deviceID, keyHandle, model.KeyStatusRevoked, "MarkRevoked")
}

func (db *DB) transition(ctx context.Context, deviceID uuid.UUID, keyHandle string, to model.KeyStatus, op string) (bool, error) {
	query := `
		UPDATE device_keys
		SET status = $1
		WHERE device_id = $2 AND key_handle = $3 AND status = 'ACTIVE'`

	res, err := db.q(ctx).ExecContext(ctx, query, to, deviceID, keyHandle)
	if err != nil {
		return false, errors.Wrap(err, "deviceKeyRepo."+op+".Exec")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "deviceKeyRepo."+op+".RowsAffected")
	}
	return n == 1, nil
}

func (db *DB) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `
		UPDATE device_keys
		SET status = 'REVOKED'
		WHERE user_id = $1 AND status = 'ACTIVE'`

	res, err := db.q(ctx).ExecContext(ctx, query, userID)
	if err != nil {
		return 0, errors.Wrap(err, "deviceKeyRepo.RevokeAllForUser.Exec")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "deviceKeyRepo.RevokeAllForUser.RowsAffected")
	}
	return n, nil
}

// ListDeviceKeys returns the newest record per device for a user.
func (db *DB) ListDeviceKeys(ctx context.Context, userID uuid.UUID) ([]*model.DeviceKeyRecord, error) {
	query := `
		SELECT DISTINCT ON (device_id) ` + deviceKeyColumns + `
		FROM device_keys
		WHERE user_id = $1
		ORDER BY device_id, issued_at DESC`

	rows, err := db.q(ctx).QueryContext(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, "deviceKeyRepo.ListDeviceKeys.Query")
	}
	defer rows.Close()
	return collectDeviceKeys(rows)
}

// ListExpiring returns ACTIVE records whose expires_at falls at or before the
// cutoff, i.e. devices inside the rotation window.
func (db *DB) ListExpiring(ctx context.Context, cutoff time.Time) ([]*model.DeviceKeyRecord, error) {
	query := `
		SELECT ` + deviceKeyColumns + `
		FROM device_keys
		WHERE status = 'ACTIVE' AND expires_at <= $1
		ORDER BY expires_at`

	rows, err := db.q(ctx).QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "deviceKeyRepo.ListExpiring.Query")
	}
	defer rows.Close()
	return collectDeviceKeys(rows)
}

// MarkExpired bulk-transitions ACTIVE records whose validity has fully lapsed.
func (db *DB) MarkExpired(ctx context.Context, asOf time.Time) (int64, error) {
	query := `
		UPDATE device_keys
		SET status = 'EXPIRED'
		WHERE status = 'ACTIVE' AND expires_at <= $1`

	res, err := db.q(ctx).ExecContext(ctx, query, asOf)
	if err != nil {
		return 0, errors.Wrap(err, "deviceKeyRepo.MarkExpired.Exec")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "deviceKeyRepo.MarkExpired.RowsAffected")
	}
	return n, nil
}

// ListKeyHandles returns the handles whose secrets should still exist, for
// reconciling the secret store. REVOKED rows are excluded: their secrets are
// deleted at revocation time, and excluding them here lets the sweep retry a
// delete that failed then.
func (db *DB) ListKeyHandles(ctx context.Context) ([]string, error) {
	rows, err := db.q(ctx).QueryContext(ctx, `SELECT key_handle FROM device_keys WHERE status <> 'REVOKED'`)
	if err != nil {
		return nil, errors.Wrap(err, "deviceKeyRepo.ListKeyHandles.Query")
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, errors.Wrap(err, "deviceKeyRepo.ListKeyHandles.Scan")
		}
		handles = append(handles, h)
	}
	return handles, errors.Wrap(rows.Err(), "deviceKeyRepo.ListKeyHandles.Rows")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeviceKey(row rowScanner) (*model.DeviceKeyRecord, error) {
	var key model.DeviceKeyRecord
	var deviceName sql.NullString
	err := row.Scan(
		&key.ID, &key.DeviceID, &key.UserID, &key.KeyHandle, &key.DevicePublicKey,
		&key.ServerPublicKey, &key.Salt, &key.Status, &key.IssuedAt, &key.ExpiresAt,
		&key.Platform, &key.AppVersion, &deviceName,
	)
	if err != nil {
		return nil, err
	}
	key.DeviceName = deviceName.String
	return &key, nil
}

func collectDeviceKeys(rows *sql.Rows) ([]*model.DeviceKeyRecord, error) {
	var keys []*model.DeviceKeyRecord
	for rows.Next() {
		key, err := scanDeviceKey(rows)
		if err != nil {
			return nil, errors.Wrap(err, "deviceKeyRepo.collectDeviceKeys.Scan")
		}
		keys = append(keys, key)
	}
	return keys, errors.Wrap(rows.Err(), "deviceKeyRepo.collectDeviceKeys.Rows")
}
