// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package memory provides an in-memory identity store. It honors the same
// conditional-update semantics as the postgres adapter and is the store of
// choice for unit tests and single-process experiments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/provisio/enroll"
)

// Store keeps tokens and devices in process memory. All operations are
// serialized under one mutex, two-sided updates therefore commit as a unit.
type Store struct {
	mutex   sync.Mutex
	tokens  map[string]*enroll.Token
	devices map[uuid.UUID]*enroll.Device
	byUUID  map[string]uuid.UUID
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tokens:  make(map[string]*enroll.Token),
		devices: make(map[uuid.UUID]*enroll.Device),
		byUUID:  make(map[string]uuid.UUID),
	}
}

func copyToken(t *enroll.Token) *enroll.Token {
	c := *t
	return &c
}

func copyDevice(d *enroll.Device) *enroll.Device {
	c := *d
	if d.ParentGatewayID != nil {
		id := *d.ParentGatewayID
		c.ParentGatewayID = &id
	}
	c.ChildDeviceIDs = append([]uuid.UUID(nil), d.ChildDeviceIDs...)
	c.Children = nil
	return &c
}

// CreateToken persists a freshly issued token.
func (s *Store) CreateToken(ctx context.Context, token *enroll.Token) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.tokens[token.ID]; ok {
		return fmt.Errorf("token %s: %w", token.ID, enroll.ErrConflict)
	}
	s.tokens[token.ID] = copyToken(token)
	return nil
}

// GetToken reads a token by its id.
func (s *Store) GetToken(ctx context.Context, id string) (*enroll.Token, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", id, enroll.ErrNotFound)
	}
	return copyToken(t), nil
}

// FulfillToken commits the declared metadata and the certificate reference,
// provided the token is still pending at the given instant.
func (s *Store) FulfillToken(ctx context.Context, token *enroll.Token, now time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tokens[token.ID]
	if !ok {
		return fmt.Errorf("token %s: %w", token.ID, enroll.ErrNotFound)
	}
	if len(t.CertificateRef) > 0 || !now.Before(t.ExpiresAt) {
		return fmt.Errorf("token %s: %w", token.ID, enroll.ErrConflict)
	}
	t.DeviceType = token.DeviceType
	t.Chip = token.Chip
	t.Version = token.Version
	t.CertificateRef = token.CertificateRef
	return nil
}

// CreateDevice persists a device and, when a parent gateway is referenced,
// links both sides of the relation.
func (s *Store) CreateDevice(ctx context.Context, device *enroll.Device) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.byUUID[device.UUID]; ok {
		return fmt.Errorf("device uuid %s: %w", device.UUID, enroll.ErrConflict)
	}
	var parent *enroll.Device
	if device.ParentGatewayID != nil {
		var ok bool
		parent, ok = s.devices[*device.ParentGatewayID]
		if !ok {
			return fmt.Errorf("gateway %s: %w", device.ParentGatewayID, enroll.ErrNotFound)
		}
		if parent.Role != enroll.RoleGateway {
			return fmt.Errorf("device %s is not a gateway: %w", parent.ID, enroll.ErrInvalidState)
		}
	}

	now := time.Now().UTC()
	stored := copyDevice(device)
	stored.ChildDeviceIDs = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Revision = 1

	s.devices[stored.ID] = stored
	s.byUUID[stored.UUID] = stored.ID
	if parent != nil {
		// the child set is part of the gateway's guarded state
		parent.ChildDeviceIDs = append(parent.ChildDeviceIDs, stored.ID)
		parent.Revision++
	}

	device.CreatedAt = stored.CreatedAt
	device.UpdatedAt = stored.UpdatedAt
	device.Revision = stored.Revision
	return nil
}

// GetDevice reads a device with its child id set.
func (s *Store) GetDevice(ctx context.Context, id uuid.UUID) (*enroll.Device, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, enroll.ErrNotFound)
	}
	return copyDevice(d), nil
}

// ListDevices returns all devices matching the filter.
func (s *Store) ListDevices(ctx context.Context, filter enroll.DeviceFilter) ([]enroll.Device, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	result := []enroll.Device{}
	for _, d := range s.devices {
		if filter.OwnerID != nil && d.OwnerID != *filter.OwnerID {
			continue
		}
		if len(filter.DeviceType) > 0 && d.DeviceType != filter.DeviceType {
			continue
		}
		result = append(result, *copyDevice(d))
	}
	return result, nil
}

// UpdateDevice writes the descriptive fields and the role back, guarded by
// the record revision.
func (s *Store) UpdateDevice(ctx context.Context, device *enroll.Device) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	d, ok := s.devices[device.ID]
	if !ok {
		return fmt.Errorf("device %s: %w", device.ID, enroll.ErrNotFound)
	}
	if d.Revision != device.Revision {
		return fmt.Errorf("device %s revision %d: %w", device.ID, device.Revision, enroll.ErrConflict)
	}
	if device.UUID != d.UUID {
		if _, taken := s.byUUID[device.UUID]; taken {
			return fmt.Errorf("device uuid %s: %w", device.UUID, enroll.ErrConflict)
		}
		delete(s.byUUID, d.UUID)
		s.byUUID[device.UUID] = d.ID
		d.UUID = device.UUID
	}
	d.DeviceType = device.DeviceType
	d.Chip = device.Chip
	d.Version = device.Version
	d.Role = device.Role
	d.UpdatedAt = time.Now().UTC()
	d.Revision++

	device.UpdatedAt = d.UpdatedAt
	device.Revision = d.Revision
	return nil
}

// DeleteDevice removes the device. Devices with attached children cannot be
// deleted; an attached end device is unlinked from its gateway first.
func (s *Store) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return fmt.Errorf("device %s: %w", id, enroll.ErrNotFound)
	}
	if len(d.ChildDeviceIDs) > 0 {
		return fmt.Errorf("device %s has %d attached devices: %w",
			id, len(d.ChildDeviceIDs), enroll.ErrInvalidState)
	}
	if d.ParentGatewayID != nil {
		if parent, ok := s.devices[*d.ParentGatewayID]; ok {
			parent.ChildDeviceIDs = removeID(parent.ChildDeviceIDs, id)
			parent.Revision++
		}
	}
	delete(s.byUUID, d.UUID)
	delete(s.devices, id)
	return nil
}

// DetachChild removes the child from the gateway's child set and deletes the
// child record.
func (s *Store) DetachChild(ctx context.Context, gatewayID, childID uuid.UUID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	gateway, ok := s.devices[gatewayID]
	if !ok {
		return fmt.Errorf("gateway %s: %w", gatewayID, enroll.ErrNotFound)
	}
	child, ok := s.devices[childID]
	if !ok {
		return fmt.Errorf("device %s: %w", childID, enroll.ErrNotFound)
	}
	if child.ParentGatewayID == nil || *child.ParentGatewayID != gatewayID {
		return fmt.Errorf("device %s is not attached to gateway %s: %w",
			childID, gatewayID, enroll.ErrInvalidState)
	}
	gateway.ChildDeviceIDs = removeID(gateway.ChildDeviceIDs, childID)
	gateway.Revision++
	delete(s.byUUID, child.UUID)
	delete(s.devices, childID)
	return nil
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	result := ids[:0]
	for _, i := range ids {
		if i != id {
			result = append(result, i)
		}
	}
	return result
}
