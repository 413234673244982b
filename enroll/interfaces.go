// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package enroll

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TokenStore is the identity store interface for enrollment tokens.
//
// Implementations must serialize conflicting writes to the same token;
// FulfillToken is the single-winner gate for certificate issuance.
type TokenStore interface {
	// CreateToken persists a freshly issued token. Fails with ErrConflict
	// if the token id already exists.
	CreateToken(ctx context.Context, token *Token) error

	// GetToken reads a token by its id. Fails with ErrNotFound.
	GetToken(ctx context.Context, id string) (*Token, error)

	// FulfillToken records the declared device metadata and the certificate
	// reference in one conditional update. The update only succeeds while
	// the certificate reference is still empty and the token has not
	// expired at the given instant; otherwise ErrConflict is returned and
	// the token is unchanged. Callers re-read the token to classify the
	// condition.
	FulfillToken(ctx context.Context, token *Token, now time.Time) error
}

// DeviceFilter narrows a device listing.
type DeviceFilter struct {
	OwnerID    *uuid.UUID
	DeviceType string
}

// DeviceStore is the identity store interface for device records.
//
// Creating or deleting a device updates the owner's device set, and
// attaching or detaching an end device updates both sides of the
// gateway/child relation; implementations apply each of these as one
// atomic unit. The gateway's child set counts as part of its guarded
// state: linking or unlinking a child moves the gateway's revision, so
// a revision-guarded update based on a read from before the change
// fails with ErrConflict.
type DeviceStore interface {
	// CreateDevice persists a device. Fails with ErrConflict if the uuid
	// is taken. When a parent gateway is referenced, the parent must exist
	// (ErrNotFound) and have the gateway role (ErrInvalidState); the link
	// is established under the same transaction.
	CreateDevice(ctx context.Context, device *Device) error

	// GetDevice reads a device with its child id set resolved.
	// Fails with ErrNotFound.
	GetDevice(ctx context.Context, id uuid.UUID) (*Device, error)

	// ListDevices returns all devices matching the filter, children not
	// resolved, in no particular order.
	ListDevices(ctx context.Context, filter DeviceFilter) ([]Device, error)

	// UpdateDevice writes the device's descriptive fields and role back,
	// guarded by its revision. Structural links (parent, children, owner)
	// are never changed here; they belong to the create/attach/detach
	// operations. Fails with ErrNotFound if the device is gone and
	// ErrConflict if the revision is stale.
	UpdateDevice(ctx context.Context, device *Device) error

	// DeleteDevice removes the device and its membership in the owner's
	// device set. Fails with ErrNotFound, or with ErrInvalidState if
	// the device still has attached children.
	DeleteDevice(ctx context.Context, id uuid.UUID) error

	// DetachChild removes childID from the gateway's child set, deletes the
	// child record and removes it from its owner's device set, all under
	// one transaction. Fails with ErrNotFound if either record is missing
	// and with ErrInvalidState if the child is not attached to the gateway.
	DetachChild(ctx context.Context, gatewayID, childID uuid.UUID) error
}

// Signer is the certificate authority gateway. Given a subject identity it
// returns freshly signed credentials or fails. Signing may be slow; it is
// bounded by the context and is never retried automatically.
type Signer interface {
	Sign(ctx context.Context, subjectID string) (*Credentials, error)
}
