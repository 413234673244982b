// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package registry implements the device hierarchy registry. It owns the
// structural invariants of the device tree: a device with attached children
// is a gateway, every attached child points back at its gateway, and device
// uuids are unique across the registry.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/provisio/core/logger"
	"github.com/relabs-tech/provisio/enroll"
)

// Builder is a builder helper for the Registry
type Builder struct {
	// Store is the identity store for devices. This is mandatory.
	Store enroll.DeviceStore
}

// Registry maintains the device hierarchy.
type Registry struct {
	store enroll.DeviceStore
}

// New returns a new device registry.
func New(b *Builder) *Registry {
	if b.Store == nil {
		panic("device store is missing")
	}
	return &Registry{store: b.Store}
}

// CreateRequest carries the caller-supplied fields for a new device.
type CreateRequest struct {
	OwnerID         uuid.UUID
	UUID            string
	DeviceType      string
	Chip            string
	Version         string
	Role            enroll.Role
	ParentGatewayID *uuid.UUID
}

// Create registers a new device for the owner. The device uuid must be
// unique. A parent gateway may only be given for end devices; the parent
// must exist and be a gateway, and the attachment is established under the
// same transaction that creates the device.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*enroll.Device, error) {
	if req.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("owner is required: %w", enroll.ErrInvalidInput)
	}
	if len(req.UUID) == 0 {
		return nil, fmt.Errorf("uuid is required: %w", enroll.ErrInvalidInput)
	}
	role := req.Role
	if len(role) == 0 {
		role = enroll.RoleStandalone
	}
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q: %w", req.Role, enroll.ErrInvalidInput)
	}
	if req.ParentGatewayID != nil && role != enroll.RoleEndDevice {
		return nil, fmt.Errorf("only end devices can have a parent gateway: %w", enroll.ErrInvalidInput)
	}

	device := &enroll.Device{
		ID:              uuid.New(),
		UUID:            req.UUID,
		DeviceType:      req.DeviceType,
		Chip:            req.Chip,
		Version:         req.Version,
		Role:            role,
		OwnerID:         req.OwnerID,
		ParentGatewayID: req.ParentGatewayID,
	}
	if err := r.store.CreateDevice(ctx, device); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debugln("created device", device.ID, "uuid", device.UUID)
	return device, nil
}

// Get reads a device. For gateways the attached children are resolved.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*enroll.Device, error) {
	device, err := r.store.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if device.Role == enroll.RoleGateway {
		if device.Children, err = r.children(ctx, device); err != nil {
			return nil, err
		}
	}
	return device, nil
}

func (r *Registry) children(ctx context.Context, gateway *enroll.Device) ([]enroll.Device, error) {
	children := []enroll.Device{}
	for _, childID := range gateway.ChildDeviceIDs {
		child, err := r.store.GetDevice(ctx, childID)
		if err != nil {
			return nil, err
		}
		children = append(children, *child)
	}
	return children, nil
}

// List returns all devices matching the filter, in no particular order.
func (r *Registry) List(ctx context.Context, filter enroll.DeviceFilter) ([]enroll.Device, error) {
	return r.store.ListDevices(ctx, filter)
}

// UpdateRequest carries a partial device update; nil fields stay untouched.
type UpdateRequest struct {
	UUID       *string
	DeviceType *string
	Chip       *string
	Version    *string
	Role       *enroll.Role
}

// Update applies a partial update. Role changes that would violate the
// hierarchy are rejected: a gateway with attached children keeps its role,
// and an end device attached to a gateway keeps its role until detached.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*enroll.Device, error) {
	device, err := r.store.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UUID != nil {
		if len(*req.UUID) == 0 {
			return nil, fmt.Errorf("uuid must not be empty: %w", enroll.ErrInvalidInput)
		}
		device.UUID = *req.UUID
	}
	if req.DeviceType != nil {
		device.DeviceType = *req.DeviceType
	}
	if req.Chip != nil {
		device.Chip = *req.Chip
	}
	if req.Version != nil {
		device.Version = *req.Version
	}
	if req.Role != nil && *req.Role != device.Role {
		if !req.Role.Valid() {
			return nil, fmt.Errorf("unknown role %q: %w", *req.Role, enroll.ErrInvalidInput)
		}
		if device.Role == enroll.RoleGateway && len(device.ChildDeviceIDs) > 0 {
			return nil, fmt.Errorf("gateway %s has attached devices: %w", id, enroll.ErrInvalidState)
		}
		if device.Role == enroll.RoleEndDevice && device.ParentGatewayID != nil {
			return nil, fmt.Errorf("device %s is attached to a gateway: %w", id, enroll.ErrInvalidState)
		}
		device.Role = *req.Role
	}
	if err := r.store.UpdateDevice(ctx, device); err != nil {
		return nil, err
	}
	return device, nil
}

// Delete removes a device and its membership in the owner's device set.
// A gateway with attached children cannot be deleted; its children have to
// be detached first.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.store.DeleteDevice(ctx, id); err != nil {
		return err
	}
	logger.FromContext(ctx).Debugln("deleted device", id)
	return nil
}

// AttachEndDevice creates a new end device beneath the gateway. An empty
// childUUID or version get generated defaults. Both sides of the relation
// are established under one transaction.
func (r *Registry) AttachEndDevice(ctx context.Context, gatewayID, ownerID uuid.UUID, childUUID, version string) (*enroll.Device, error) {
	gateway, err := r.store.GetDevice(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	if gateway.Role != enroll.RoleGateway {
		return nil, fmt.Errorf("device %s is not a gateway: %w", gatewayID, enroll.ErrInvalidState)
	}
	if len(childUUID) == 0 {
		childUUID = fmt.Sprintf("zigbee-%d", time.Now().UnixMilli())
	}
	if len(version) == 0 {
		version = "1.0"
	}
	if ownerID == uuid.Nil {
		ownerID = gateway.OwnerID
	}

	child := &enroll.Device{
		ID:              uuid.New(),
		UUID:            childUUID,
		DeviceType:      "ZigbeeDevice",
		Chip:            "Zigbee",
		Version:         version,
		Role:            enroll.RoleEndDevice,
		OwnerID:         ownerID,
		ParentGatewayID: &gateway.ID,
	}
	if err := r.store.CreateDevice(ctx, child); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debugln("attached device", child.ID, "to gateway", gatewayID)
	return child, nil
}

// DetachEndDevice removes the child from the gateway and deletes the child
// device, mirroring the attachment: an attached end device only exists
// while it hangs beneath its gateway.
func (r *Registry) DetachEndDevice(ctx context.Context, gatewayID, childID uuid.UUID) error {
	if err := r.store.DetachChild(ctx, gatewayID, childID); err != nil {
		return err
	}
	logger.FromContext(ctx).Debugln("detached device", childID, "from gateway", gatewayID)
	return nil
}

// ListChildrenByType returns the gateway's attached devices, optionally
// filtered by device type.
func (r *Registry) ListChildrenByType(ctx context.Context, gatewayID uuid.UUID, typeFilter string) ([]enroll.Device, error) {
	gateway, err := r.store.GetDevice(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	if gateway.Role != enroll.RoleGateway {
		return nil, fmt.Errorf("device %s is not a gateway: %w", gatewayID, enroll.ErrInvalidState)
	}
	children, err := r.children(ctx, gateway)
	if err != nil {
		return nil, err
	}
	if len(typeFilter) == 0 {
		return children, nil
	}
	filtered := []enroll.Device{}
	for _, child := range children {
		if child.DeviceType == typeFilter {
			filtered = append(filtered, child)
		}
	}
	return filtered, nil
}
