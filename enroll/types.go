// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package enroll

import (
	"time"

	"github.com/google/uuid"
)

// TokenState describes the lifecycle state of an enrollment token.
type TokenState string

const (
	// TokenPending means the token was issued but not consumed yet
	TokenPending TokenState = "pending"
	// TokenFulfilled means a certificate was issued for the token. Terminal.
	TokenFulfilled TokenState = "fulfilled"
	// TokenExpired means the token passed its expiry unconsumed. Terminal.
	TokenExpired TokenState = "expired"
)

// Token is a short-lived, single-use enrollment credential. It binds an
// unguessable token string to a generated subject identity. At most one
// certificate is ever issued per token.
type Token struct {
	ID        string    `json:"token"`
	SubjectID uuid.UUID `json:"uuid"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// declared device metadata, empty until submission
	DeviceType string `json:"device_type,omitempty"`
	Chip       string `json:"chip,omitempty"`
	Version    string `json:"version,omitempty"`

	// CertificateRef is the archive reference of the issued certificate.
	// Empty while the token is pending.
	CertificateRef string `json:"certificate_ref,omitempty"`
}

// State derives the token state at the given instant.
func (t *Token) State(now time.Time) TokenState {
	if len(t.CertificateRef) > 0 {
		return TokenFulfilled
	}
	if !now.Before(t.ExpiresAt) {
		return TokenExpired
	}
	return TokenPending
}

// Role is the structural role of a device in the hierarchy. A device is
// exactly one of standalone, gateway or end device.
type Role string

const (
	// RoleStandalone is a device with no hierarchy relations
	RoleStandalone Role = "standalone"
	// RoleGateway is a device which may have attached end devices
	RoleGateway Role = "gateway"
	// RoleEndDevice is a device attached to at most one gateway
	RoleEndDevice Role = "enddevice"
)

// Valid returns true for the three known roles.
func (r Role) Valid() bool {
	return r == RoleStandalone || r == RoleGateway || r == RoleEndDevice
}

// Device is a provisioned device in the registry.
//
// ParentGatewayID is only set for end devices attached to a gateway.
// ChildDeviceIDs is only non-empty for gateways; for every child the
// parent back-reference points at this device.
type Device struct {
	ID         uuid.UUID `json:"device_id"`
	UUID       string    `json:"uuid"`
	DeviceType string    `json:"device_type"`
	Chip       string    `json:"chip"`
	Version    string    `json:"version"`
	Role       Role      `json:"role"`
	OwnerID    uuid.UUID `json:"owner_id"`

	ParentGatewayID *uuid.UUID  `json:"parent_gateway_id,omitempty"`
	ChildDeviceIDs  []uuid.UUID `json:"child_device_ids,omitempty"`

	// Children carries the resolved child devices when a gateway is read
	// from the registry. Not stored.
	Children []Device `json:"children,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Revision is the optimistic concurrency revision of the record,
	// incremented by every committed update.
	Revision int64 `json:"revision"`
}

// Credentials is the key material produced by the certificate authority for
// one subject identity. Certificates and keys are PEM-encoded and passed
// through without interpretation.
type Credentials struct {
	SubjectID      string `json:"uuid"`
	CertificatePEM string `json:"signed_cert"`
	PrivateKeyPEM  string `json:"private_key"`
}
