// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package postgres provides the postgres identity store. Token fulfillment
// is a conditional update, and every two-sided hierarchy change commits in
// a single transaction.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/provisio/core/csql"
	"github.com/relabs-tech/provisio/enroll"
)

const uniqueViolation = "23505"

// Store is the postgres identity store for tokens and devices.
type Store struct {
	db *csql.DB
}

// New creates the sql relations (if they do not exist) and returns the store.
func New(db *csql.DB) *Store {

	// poor man's database migrations
	_, err := db.Exec(
		`CREATE table IF NOT EXISTS ` + db.Schema + `.token
(token varchar NOT NULL PRIMARY KEY,
subject_id uuid NOT NULL UNIQUE,
issued_at timestamp NOT NULL,
expires_at timestamp NOT NULL,
device_type varchar NOT NULL DEFAULT '',
chip varchar NOT NULL DEFAULT '',
version varchar NOT NULL DEFAULT '',
certificate_ref varchar NOT NULL DEFAULT ''
);
CREATE table IF NOT EXISTS ` + db.Schema + `.device
(device_id uuid NOT NULL PRIMARY KEY,
uuid varchar NOT NULL UNIQUE,
device_type varchar NOT NULL DEFAULT '',
chip varchar NOT NULL DEFAULT '',
version varchar NOT NULL DEFAULT '',
role varchar NOT NULL,
owner_id uuid NOT NULL,
parent_gateway_id uuid REFERENCES ` + db.Schema + `.device(device_id),
created_at timestamp NOT NULL,
updated_at timestamp NOT NULL,
revision integer NOT NULL DEFAULT 1
);
CREATE index IF NOT EXISTS device_owner_index ON ` + db.Schema + `.device(owner_id);
CREATE index IF NOT EXISTS device_parent_index ON ` + db.Schema + `.device(parent_gateway_id);`)

	if err != nil {
		panic(err)
	}

	return &Store{db: db}
}

func storeError(err error) error {
	return fmt.Errorf("%w: %v", enroll.ErrStoreFailure, err)
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == uniqueViolation
}

// CreateToken persists a freshly issued token.
func (s *Store) CreateToken(ctx context.Context, token *enroll.Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.token(token,subject_id,issued_at,expires_at)
VALUES($1,$2,$3,$4);`,
		token.ID, token.SubjectID, token.IssuedAt.UTC(), token.ExpiresAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("token %s: %w", token.ID, enroll.ErrConflict)
	}
	if err != nil {
		return storeError(err)
	}
	return nil
}

// GetToken reads a token by its id.
func (s *Store) GetToken(ctx context.Context, id string) (*enroll.Token, error) {
	t := enroll.Token{}
	err := s.db.QueryRowContext(ctx,
		`SELECT token,subject_id,issued_at,expires_at,device_type,chip,version,certificate_ref
FROM `+s.db.Schema+`.token WHERE token=$1;`, id).
		Scan(&t.ID, &t.SubjectID, &t.IssuedAt, &t.ExpiresAt,
			&t.DeviceType, &t.Chip, &t.Version, &t.CertificateRef)
	if err == csql.ErrNoRows {
		return nil, fmt.Errorf("token %s: %w", id, enroll.ErrNotFound)
	}
	if err != nil {
		return nil, storeError(err)
	}
	return &t, nil
}

// FulfillToken commits the declared metadata and the certificate reference.
// The update condition is the single-winner gate: it only matches while the
// certificate reference is still empty and the token has not expired.
func (s *Store) FulfillToken(ctx context.Context, token *enroll.Token, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.token
SET device_type=$2, chip=$3, version=$4, certificate_ref=$5
WHERE token=$1 AND certificate_ref='' AND expires_at>$6;`,
		token.ID, token.DeviceType, token.Chip, token.Version,
		token.CertificateRef, now.UTC())
	if err != nil {
		return storeError(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return storeError(err)
	}
	if count != 1 {
		return fmt.Errorf("token %s: %w", token.ID, enroll.ErrConflict)
	}
	return nil
}

// CreateDevice persists a device. When a parent gateway is referenced, the
// parent is verified and locked under the same transaction.
func (s *Store) CreateDevice(ctx context.Context, device *enroll.Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(err)
	}
	defer tx.Rollback()

	if device.ParentGatewayID != nil {
		var role enroll.Role
		err = tx.QueryRowContext(ctx,
			`SELECT role FROM `+s.db.Schema+`.device WHERE device_id=$1 FOR UPDATE;`,
			*device.ParentGatewayID).Scan(&role)
		if err == csql.ErrNoRows {
			return fmt.Errorf("gateway %s: %w", device.ParentGatewayID, enroll.ErrNotFound)
		}
		if err != nil {
			return storeError(err)
		}
		if role != enroll.RoleGateway {
			return fmt.Errorf("device %s is not a gateway: %w",
				device.ParentGatewayID, enroll.ErrInvalidState)
		}
		// the child set is part of the gateway's guarded state
		_, err = tx.ExecContext(ctx,
			`UPDATE `+s.db.Schema+`.device SET revision=revision+1 WHERE device_id=$1;`,
			*device.ParentGatewayID)
		if err != nil {
			return storeError(err)
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.device
(device_id,uuid,device_type,chip,version,role,owner_id,parent_gateway_id,created_at,updated_at,revision)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$9,1);`,
		device.ID, device.UUID, device.DeviceType, device.Chip, device.Version,
		device.Role, device.OwnerID, device.ParentGatewayID, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("device uuid %s: %w", device.UUID, enroll.ErrConflict)
	}
	if err != nil {
		return storeError(err)
	}
	if err = tx.Commit(); err != nil {
		return storeError(err)
	}
	device.CreatedAt = now
	device.UpdatedAt = now
	device.Revision = 1
	return nil
}

func (s *Store) childIDs(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT device_id FROM `+s.db.Schema+`.device
WHERE parent_gateway_id=$1 ORDER BY created_at,device_id;`, id)
	if err != nil {
		return nil, storeError(err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var childID uuid.UUID
		if err := rows.Scan(&childID); err != nil {
			return nil, storeError(err)
		}
		ids = append(ids, childID)
	}
	return ids, rows.Err()
}

// GetDevice reads a device with its child id set resolved.
func (s *Store) GetDevice(ctx context.Context, id uuid.UUID) (*enroll.Device, error) {
	d := enroll.Device{}
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id,uuid,device_type,chip,version,role,owner_id,parent_gateway_id,created_at,updated_at,revision
FROM `+s.db.Schema+`.device WHERE device_id=$1;`, id).
		Scan(&d.ID, &d.UUID, &d.DeviceType, &d.Chip, &d.Version, &d.Role,
			&d.OwnerID, &d.ParentGatewayID, &d.CreatedAt, &d.UpdatedAt, &d.Revision)
	if err == csql.ErrNoRows {
		return nil, fmt.Errorf("device %s: %w", id, enroll.ErrNotFound)
	}
	if err != nil {
		return nil, storeError(err)
	}
	if d.Role == enroll.RoleGateway {
		if d.ChildDeviceIDs, err = s.childIDs(ctx, s.db, id); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

// ListDevices returns all devices matching the filter, children not resolved.
func (s *Store) ListDevices(ctx context.Context, filter enroll.DeviceFilter) ([]enroll.Device, error) {
	query := `SELECT device_id,uuid,device_type,chip,version,role,owner_id,parent_gateway_id,created_at,updated_at,revision
FROM ` + s.db.Schema + `.device WHERE 1=1`
	args := []interface{}{}
	if filter.OwnerID != nil {
		args = append(args, *filter.OwnerID)
		query += fmt.Sprintf(" AND owner_id=$%d", len(args))
	}
	if len(filter.DeviceType) > 0 {
		args = append(args, filter.DeviceType)
		query += fmt.Sprintf(" AND device_type=$%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, storeError(err)
	}
	defer rows.Close()
	result := []enroll.Device{}
	for rows.Next() {
		d := enroll.Device{}
		err := rows.Scan(&d.ID, &d.UUID, &d.DeviceType, &d.Chip, &d.Version, &d.Role,
			&d.OwnerID, &d.ParentGatewayID, &d.CreatedAt, &d.UpdatedAt, &d.Revision)
		if err != nil {
			return nil, storeError(err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// UpdateDevice writes the descriptive fields and the role back, guarded by
// the record revision.
func (s *Store) UpdateDevice(ctx context.Context, device *enroll.Device) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.device
SET uuid=$2, device_type=$3, chip=$4, version=$5, role=$6, updated_at=$7, revision=revision+1
WHERE device_id=$1 AND revision=$8;`,
		device.ID, device.UUID, device.DeviceType, device.Chip, device.Version,
		device.Role, now, device.Revision)
	if isUniqueViolation(err) {
		return fmt.Errorf("device uuid %s: %w", device.UUID, enroll.ErrConflict)
	}
	if err != nil {
		return storeError(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return storeError(err)
	}
	if count != 1 {
		// distinguish a stale revision from a missing record
		var exists bool
		err = s.db.QueryRowContext(ctx,
			`SELECT true FROM `+s.db.Schema+`.device WHERE device_id=$1;`, device.ID).Scan(&exists)
		if err == csql.ErrNoRows {
			return fmt.Errorf("device %s: %w", device.ID, enroll.ErrNotFound)
		}
		if err != nil {
			return storeError(err)
		}
		return fmt.Errorf("device %s revision %d: %w", device.ID, device.Revision, enroll.ErrConflict)
	}
	device.UpdatedAt = now
	device.Revision++
	return nil
}

// DeleteDevice removes the device, unless it still has attached children.
func (s *Store) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(err)
	}
	defer tx.Rollback()

	// lock the row so a concurrent attach serializes behind the delete
	var parentID *uuid.UUID
	err = tx.QueryRowContext(ctx,
		`SELECT parent_gateway_id FROM `+s.db.Schema+`.device WHERE device_id=$1 FOR UPDATE;`, id).
		Scan(&parentID)
	if err == csql.ErrNoRows {
		return fmt.Errorf("device %s: %w", id, enroll.ErrNotFound)
	}
	if err != nil {
		return storeError(err)
	}

	var childCount int
	err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM `+s.db.Schema+`.device WHERE parent_gateway_id=$1;`, id).
		Scan(&childCount)
	if err != nil {
		return storeError(err)
	}
	if childCount > 0 {
		return fmt.Errorf("device %s has %d attached devices: %w",
			id, childCount, enroll.ErrInvalidState)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM `+s.db.Schema+`.device WHERE device_id=$1;`, id)
	if err != nil {
		return storeError(err)
	}
	if parentID != nil {
		// the child set is part of the gateway's guarded state
		_, err = tx.ExecContext(ctx,
			`UPDATE `+s.db.Schema+`.device SET revision=revision+1 WHERE device_id=$1;`, *parentID)
		if err != nil {
			return storeError(err)
		}
	}
	if err = tx.Commit(); err != nil {
		return storeError(err)
	}
	return nil
}

// DetachChild verifies the attachment and deletes the child record, all
// under one transaction.
func (s *Store) DetachChild(ctx context.Context, gatewayID, childID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT true FROM `+s.db.Schema+`.device WHERE device_id=$1 FOR UPDATE;`, gatewayID).
		Scan(&exists)
	if err == csql.ErrNoRows {
		return fmt.Errorf("gateway %s: %w", gatewayID, enroll.ErrNotFound)
	}
	if err != nil {
		return storeError(err)
	}

	var parentID *uuid.UUID
	err = tx.QueryRowContext(ctx,
		`SELECT parent_gateway_id FROM `+s.db.Schema+`.device WHERE device_id=$1 FOR UPDATE;`,
		childID).Scan(&parentID)
	if err == csql.ErrNoRows {
		return fmt.Errorf("device %s: %w", childID, enroll.ErrNotFound)
	}
	if err != nil {
		return storeError(err)
	}
	if parentID == nil || *parentID != gatewayID {
		return fmt.Errorf("device %s is not attached to gateway %s: %w",
			childID, gatewayID, enroll.ErrInvalidState)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM `+s.db.Schema+`.device WHERE device_id=$1;`, childID)
	if err != nil {
		return storeError(err)
	}
	// the child set is part of the gateway's guarded state
	_, err = tx.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.device SET revision=revision+1 WHERE device_id=$1;`, gatewayID)
	if err != nil {
		return storeError(err)
	}
	if err = tx.Commit(); err != nil {
		return storeError(err)
	}
	return nil
}
