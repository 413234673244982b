// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/provisio/enroll"
	"github.com/relabs-tech/provisio/enroll/store/memory"
)

func newTestRegistry(t *testing.T) (*Registry, uuid.UUID) {
	t.Helper()
	return New(&Builder{Store: memory.New()}), uuid.New()
}

func createGateway(t *testing.T, r *Registry, owner uuid.UUID) *enroll.Device {
	t.Helper()
	gateway, err := r.Create(context.Background(), CreateRequest{
		OwnerID:    owner,
		UUID:       "gw-" + uuid.NewString(),
		DeviceType: "Gateway",
		Chip:       "ESP32",
		Version:    "1.0",
		Role:       enroll.RoleGateway,
	})
	require.NoError(t, err)
	return gateway
}

func TestCreateAndGet(t *testing.T) {
	r, owner := newTestRegistry(t)
	ctx := context.Background()

	created, err := r.Create(ctx, CreateRequest{
		OwnerID:    owner,
		UUID:       "dev-1",
		DeviceType: "Sensor",
		Chip:       "ESP32",
		Version:    "2.1",
	})
	require.NoError(t, err)
	assert.Equal(t, enroll.RoleStandalone, created.Role) // defaulted
	assert.Equal(t, int64(1), created.Revision)
	assert.False(t, created.CreatedAt.IsZero())

	read, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.UUID, read.UUID)
	assert.Equal(t, "Sensor", read.DeviceType)
	assert.Equal(t, owner, read.OwnerID)
	assert.Nil(t, read.ParentGatewayID)
}

func TestCreateValidation(t *testing.T) {
	r, owner := newTestRegistry(t)
	ctx := context.Background()
	parentID := uuid.New()

	cases := []CreateRequest{
		{UUID: "dev-1"},                            // owner missing
		{OwnerID: owner},                           // uuid missing
		{OwnerID: owner, UUID: "d", Role: "robot"}, // unknown role
		{OwnerID: owner, UUID: "d", Role: enroll.RoleGateway, ParentGatewayID: &parentID},
		{OwnerID: owner, UUID: "d", Role: enroll.RoleStandalone, ParentGatewayID: &parentID},
	}
	for _, req := range cases {
		_, err := r.Create(ctx, req)
		assert.True(t, errors.Is(err, enroll.ErrInvalidInput), "request %+v", req)
	}
}

func TestDuplicateUUIDIsRejected(t *testing.T) {
	r, owner := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, CreateRequest{OwnerID: owner, UUID: "dev-1"})
	require.NoError(t, err)
	_, err = r.Create(ctx, CreateRequest{OwnerID: owner, UUID: "dev-1"})
	assert.True(t, errors.Is(err, enroll.ErrConflict))

	// another owner does not help, uuids are unique across the registry
	_, err = r.Create(ctx, CreateRequest{OwnerID: uuid.New(), UUID: "dev-1"})
	assert.True(t, errors.Is(err, enroll.ErrConflict))
}

func TestAttachAndDetach(t *testing.T) {
	r, owner := newTestRegistry(t)
	ctx := context.Background()
	gateway := createGateway(t, r, owner)

	child, err := r.AttachEndDevice(ctx, gateway.ID, owner, "zb-1", "3.0")
	require.NoError(t, err)
	assert.Equal(t, "zb-1", child.UUID)
	assert.Equal(t, "ZigbeeDevice", child.DeviceType)
	assert.Equal(t, "Zigbee", child.Chip)
	assert.Equal(t, "3.0", child.Version)
	assert.Equal(t, enroll.RoleEndDevice, child.Role)
	require.NotNil(t, child.ParentGatewayID)
	assert.Equal(t, gateway.ID, *child.ParentGatewayID)

	// both sides of the relation are visible
	read, err := r.Get(ctx, gateway.ID)
	require.NoError(t, err)
	require.Len(t, read.ChildDeviceIDs, 1)
	assert.Equal(t, child.ID, read.ChildDeviceIDs[0])
	require.Len(t, read.Children, 1)
	assert.Equal(t, "zb-1", read.Children[0].UUID)

	err = r.DetachEndDevice(ctx, gateway.ID, child.ID)
	require.NoError(t, err)

	read, err = r.Get(ctx, gateway.ID)
	require.NoError(t, err)
	assert.Empty(t, read.ChildDeviceIDs)

	// the detached end device record is gone
	_, err = r.Get(ctx, child.ID)
	assert.True(t, errors.Is(err, enroll.ErrNotFound))

	// and so is its uuid reservation
	_, err = r.Create(ctx, CreateRequest{OwnerID: owner, UUID: "zb-1"})
	assert.NoError(t, err)
}

func TestAttachDefaults(t *testing.T) {
	r, owner := newTestRegistry(t)
	ctx := context.Background()
	gateway := createGateway(t, r, owner)

	child, err := r.AttachEndDevice(ctx, gateway.ID, uuid.Nil, "", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(child.UUID, "zigbee-"))
	assert.Equal(t, "1.0", child.Version)
	assert.Equal(t, owner, child.OwnerID) // inherited from the gateway
}

func TestAttachChecksGateway(t *testing.T) {
	r, owner := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.AttachEndDevice(ctx, uuid.New(), owner, "", "")
	assert.True(t, errors.Is(err, enroll.ErrNotFound))

	standalone, err := r.Create(ctx, CreateRequest{OwnerID: owner, UUID: "dev-1"})
	require.NoError(t, err)
	_, err = r.AttachEndDevice(ctx, standalone.ID, owner, "", "")
	assert.True(t, errors.Is(err, enroll.ErrInvalidState))
}

func TestDetachChecksMembership(t *testing.T) {
	r, owner := newTestRegistry(t)
	ctx := context.Background()
	gateway := createGateway(t, r, owner)
	other := createGateway(t, r, owner)

	child, err := r.AttachEndDevice(ctx, gateway.ID, owner, "", "")
	require.NoError(t, err)

	err = r.DetachEndDevice(ctx, other.ID, child.ID)
	assert.True(t, errors.Is(err, enroll.ErrInvalidState))

	err = r.DetachEndDevice(ctx, gateway.ID, uuid.New())
	assert.True(t, errors.Is(err, enroll.ErrNotFound))

	err = r.DetachEndDevice(ctx, gateway.ID, child.ID)
	assert.NoError(t, err)
	err = r.DetachEndDevice(ctx, gateway.ID, child.ID)
	assert.True(t, errors.Is(err, enroll.ErrNotFound))
}

func TestDeleteRejectsGatewayWithChildren(t *testing.T) {
	r, owner := newTestRegistry(t)
	ctx := context.Background()
	gateway := createGateway(t, r, owner)

	child, err := r.AttachEndDevice(ctx, gateway.ID, owner, "", "")
	require.NoError(t, err)

	err = r.Delete(ctx, gateway.ID)
	assert.True(t, errors.Is(err, enroll.ErrInvalidState))

	require.NoError(t, r.DetachEndDevice(ctx, gateway.ID, child.ID))
	assert.NoError(t, r.Delete(ctx, gateway.ID))

	_, err = r.Get(ctx, gateway.ID)
	assert.True(t, errors.Is(err, enroll.ErrNotFound))
}

func TestUpdate(t *testing.T) {
	r, owner := newTestRegistry(t)
	ctx := context.Background()

	device, err := r.Create(ctx, CreateRequest{
		OwnerID: owner, UUID: "dev-1", DeviceType: "Sensor", Chip: "ESP32", Version: "1.0",
	})
	require.NoError(t, err)

	newVersion := "2.0"
	gatewayRole := string(enroll.RoleGateway)
	updated, err := r.Update(ctx, device.ID, UpdateRequest{
		Version: &newVersion,
		Role:    roleOf(gatewayRole),
	})
	require.NoError(t, err)
	assert.Equal(t, "2.0", updated.Version)
	assert.Equal(t, enroll.RoleGateway, updated.Role)
	assert.Equal(t, int64(2), updated.Revision)
	assert.Equal(t, "Sensor", updated.DeviceType) // untouched

	// a gateway with attached devices keeps its role
	child, err := r.AttachEndDevice(ctx, device.ID, owner, "", "")
	require.NoError(t, err)
	_, err = r.Update(ctx, device.ID, UpdateRequest{Role: roleOf(string(enroll.RoleStandalone))})
	assert.True(t, errors.Is(err, enroll.ErrInvalidState))

	// an attached end device keeps its role until detached
	_, err = r.Update(ctx, child.ID, UpdateRequest{Role: roleOf(string(enroll.RoleStandalone))})
	assert.True(t, errors.Is(err, enroll.ErrInvalidState))

	empty := ""
	_, err = r.Update(ctx, device.ID, UpdateRequest{UUID: &empty})
	assert.True(t, errors.Is(err, enroll.ErrInvalidInput))

	_, err = r.Update(ctx, uuid.New(), UpdateRequest{Version: &newVersion})
	assert.True(t, errors.Is(err, enroll.ErrNotFound))
}

func roleOf(s string) *enroll.Role {
	role := enroll.Role(s)
	return &role
}

func TestListChildrenByType(t *testing.T) {
	r, owner := newTestRegistry(t)
	ctx := context.Background()
	gateway := createGateway(t, r, owner)

	_, err := r.AttachEndDevice(ctx, gateway.ID, owner, "zb-1", "")
	require.NoError(t, err)
	_, err = r.AttachEndDevice(ctx, gateway.ID, owner, "zb-2", "")
	require.NoError(t, err)

	// an attached end device of a different type
	_, err = r.Create(ctx, CreateRequest{
		OwnerID:         owner,
		UUID:            "ble-1",
		DeviceType:      "BleDevice",
		Role:            enroll.RoleEndDevice,
		ParentGatewayID: &gateway.ID,
	})
	require.NoError(t, err)

	zigbee, err := r.ListChildrenByType(ctx, gateway.ID, "ZigbeeDevice")
	require.NoError(t, err)
	assert.Len(t, zigbee, 2)
	for _, child := range zigbee {
		assert.Equal(t, "ZigbeeDevice", child.DeviceType)
	}

	all, err := r.ListChildrenByType(ctx, gateway.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	standalone, err := r.Create(ctx, CreateRequest{OwnerID: owner, UUID: "dev-1"})
	require.NoError(t, err)
	_, err = r.ListChildrenByType(ctx, standalone.ID, "ZigbeeDevice")
	assert.True(t, errors.Is(err, enroll.ErrInvalidState))
}

func TestListDevices(t *testing.T) {
	r, owner := newTestRegistry(t)
	ctx := context.Background()
	otherOwner := uuid.New()

	for i, req := range []CreateRequest{
		{OwnerID: owner, UUID: "dev-1", DeviceType: "Sensor"},
		{OwnerID: owner, UUID: "dev-2", DeviceType: "Actuator"},
		{OwnerID: otherOwner, UUID: "dev-3", DeviceType: "Sensor"},
	} {
		_, err := r.Create(ctx, req)
		require.NoError(t, err, "device %d", i)
	}

	all, err := r.List(ctx, enroll.DeviceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := r.List(ctx, enroll.DeviceFilter{OwnerID: &owner})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	sensors, err := r.List(ctx, enroll.DeviceFilter{OwnerID: &owner, DeviceType: "Sensor"})
	require.NoError(t, err)
	require.Len(t, sensors, 1)
	assert.Equal(t, "dev-1", sensors[0].UUID)
}
